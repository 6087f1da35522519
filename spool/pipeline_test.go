//go:build linux

package spool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineProducersConsumerPrinter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.Dir = t.TempDir()
	cfg.Queue.ProbeInterval = 10 * time.Millisecond
	cfg.Producer.MaxSleep = 5 * time.Millisecond
	cfg.Consumer.PrintRate = 0
	cfg.Consumer.PrintWorkers = 2
	require.NoError(t, cfg.Validate())
	ctx := context.Background()

	owner, err := Bootstrap(ctx, cfg.Queue)
	require.NoError(t, err)
	defer owner.Destroy()

	printer, err := NewPrinter(cfg.Consumer, nil)
	require.NoError(t, err)
	consumer := NewConsumer(owner, printer)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(runCtx) }()

	clients := []int64{101, 202, 303}
	var wg sync.WaitGroup
	for _, id := range clients {
		q, err := Attach(ctx, cfg.Queue)
		require.NoError(t, err)
		defer q.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, NewProducer(q, cfg.Producer, id).Run(ctx))
		}()
	}
	wg.Wait()

	want := int64(len(clients) * cfg.Producer.Iterations)
	require.Eventually(t, func() bool { return consumer.Processed() == want }, 5*time.Second, 5*time.Millisecond)
	stop()
	require.NoError(t, <-done)
	printer.Wait()
	require.NoError(t, printer.Close(ctx))

	totals := printer.Totals()
	for _, id := range clients {
		assert.Equal(t, int64(cfg.Producer.Iterations), totals[id].Jobs, "client %d", id)
	}
	assert.Equal(t, 0, owner.Stats().Length)
}
