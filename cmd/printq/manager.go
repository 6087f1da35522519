package main

import (
	"context"
	"errors"

	"github.com/srediag/printq/api"
	"github.com/srediag/printq/pkg/lifecycle"
	"github.com/srediag/printq/spool"
)

// runManager creates the queue, starts the clients and replaces itself with
// the server. It only returns on failure.
func runManager(ctx context.Context, cfg *spool.Config, configPath string) error {
	q, err := spool.Bootstrap(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	if err := q.Close(); err != nil {
		return errors.Join(err, spool.RemoveAll(cfg.Queue))
	}
	log.Infof("queue %s set up, starting %d clients and the server", cfg.Queue.Name, cfg.Manager.Producers)

	l, err := lifecycle.New()
	if err != nil {
		return errors.Join(err, spool.RemoveAll(cfg.Queue))
	}
	args := childArgs(configPath)
	for i := 0; i < cfg.Manager.Producers; i++ {
		// clients outlive this process image
		if _, err := l.Spawn(context.Background(), api.RoleClient, args...); err != nil {
			return errors.Join(err, spool.RemoveAll(cfg.Queue))
		}
	}
	return errors.Join(l.Replace(api.RoleServer, args...), spool.RemoveAll(cfg.Queue))
}
