package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/srediag/printq/adapter"
	"github.com/srediag/printq/pkg/health"
	"github.com/srediag/printq/spool"
)

const (
	drainTimeout  = 30 * time.Second
	verifyTimeout = 200 * time.Millisecond
)

// runServer drains the queue into the printer until ctx is cancelled and then
// removes the queue. It is the only role that removes it.
func runServer(ctx context.Context, cfg *spool.Config) (err error) {
	// clients spawned by the manager are our children after exec
	signal.Ignore(syscall.SIGCHLD)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := append(adapter.NewTelemetry().QueueOptions(), spool.WithRegistry(reg))
	q, err := spool.Attach(ctx, cfg.Queue, opts...)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, q.Destroy()) }()

	printer, err := spool.NewPrinter(cfg.Consumer, os.Stdout)
	if err != nil {
		return err
	}

	if cfg.Health.Addr != "" {
		checks := health.NewRegistry()
		checks.AddChecker("queue", q)
		checks.AddReadiness("store", func() error {
			vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
			defer cancel()
			return q.Verify(vctx)
		})
		go func() {
			if err := adapter.Serve(ctx, cfg.Health.Addr, adapter.NewHealthHandler(checks, reg), nil); err != nil {
				log.Errorf("health endpoint: %v", err)
			}
		}()
	}

	log.Infof("print server %d ready on queue %s", os.Getpid(), cfg.Queue.Name)
	consumer := spool.NewConsumer(q, printer)
	runErr := consumer.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	closeErr := printer.Close(drainCtx)

	for client, t := range printer.Totals() {
		log.Infof("client %d: %d jobs, %d bytes", client, t.Jobs, t.Bytes)
	}
	log.Infof("print server exiting after %d jobs", consumer.Processed())
	return errors.Join(runErr, closeErr)
}
