package main

import (
	"context"
	"errors"
	"os"

	"github.com/srediag/printq/adapter"
	"github.com/srediag/printq/spool"
)

func runClient(ctx context.Context, cfg *spool.Config) error {
	q, err := spool.Attach(ctx, cfg.Queue, adapter.NewTelemetry().QueueOptions()...)
	if err != nil {
		return err
	}
	defer q.Close()

	err = spool.NewProducer(q, cfg.Producer, int64(os.Getpid())).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
