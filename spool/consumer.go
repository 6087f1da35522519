package spool

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/srediag/printq/api"
)

// Consumer drains the queue into a sink. There must be only one per queue.
type Consumer struct {
	queue     api.Dequeuer
	sink      api.JobSink
	processed atomic.Int64
}

func NewConsumer(q api.Dequeuer, sink api.JobSink) *Consumer {
	return &Consumer{queue: q, sink: sink}
}

// Run dequeues jobs and hands them to the sink until ctx is cancelled, which
// ends it with a nil error. A queue or sink error ends it with that error.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		job, err := c.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, api.ErrIPCFault) {
				log.Debugf("consumer stopping: %v", ctx.Err())
				return nil
			}
			return err
		}
		c.processed.Add(1)
		if err := c.sink.Print(ctx, job); err != nil {
			return err
		}
	}
}

// Processed returns the number of jobs dequeued so far.
func (c *Consumer) Processed() int64 { return c.processed.Load() }
