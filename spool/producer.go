package spool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/srediag/printq/api"
)

// Producer submits a fixed number of simulated print jobs for one client.
type Producer struct {
	queue    api.Enqueuer
	cfg      ProducerConfig
	clientID int64
	rng      *rand.Rand
}

// NewProducer returns a producer for clientID. Its random source is seeded
// from the client id, so a client always draws the same sizes and pauses.
func NewProducer(q api.Enqueuer, cfg ProducerConfig, clientID int64) *Producer {
	seed := uint64(clientID)
	return &Producer{
		queue:    q,
		cfg:      cfg,
		clientID: clientID,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Job builds the i-th job of the client.
func (p *Producer) Job(i int) api.JobRecord {
	span := p.cfg.MaxFileSize - p.cfg.MinFileSize + 1
	return api.JobRecord{
		ClientID: p.clientID,
		Filename: fmt.Sprintf("File-%d-%d", p.clientID, i),
		FileSize: p.cfg.MinFileSize + p.rng.Int64N(span),
	}
}

// Run enqueues cfg.Iterations jobs, pausing a random time of up to
// cfg.MaxSleep after each, and returns nil once all are submitted.
func (p *Producer) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.Iterations; i++ {
		job := p.Job(i)
		if err := p.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue %s: %w", job.Filename, err)
		}
		log.Infof("client %d queued %s (%d bytes)", p.clientID, job.Filename, job.FileSize)

		if err := p.pause(ctx); err != nil {
			return err
		}
	}
	log.Infof("client %d exiting", p.clientID)
	return nil
}

func (p *Producer) pause(ctx context.Context) error {
	if p.cfg.MaxSleep <= 0 {
		return ctx.Err()
	}
	d := time.Duration(p.rng.Int64N(int64(p.cfg.MaxSleep) + 1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
