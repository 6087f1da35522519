// Command printq runs one role of the shared-memory print queue.
//
//	printq manager [-config file]   create the queue, start clients, become the server
//	printq client  [-config file]   submit print jobs
//	printq server  [-config file]   print jobs until SIGINT or SIGTERM, then remove the queue
//	printq stat    [-config file]   show the queue state
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/srediag/printq/api"
	"github.com/srediag/printq/internal/logger"
	"github.com/srediag/printq/spool"
)

const roleStat = "stat"

var (
	log = logger.New("printq", nil)

	stdout io.Writer = os.Stdout

	errUsage = errors.New("usage: printq manager|client|server|stat [-config file]")
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "printq: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	role := args[0]

	fs := flag.NewFlagSet(role, flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch api.Role(role) {
	case api.RoleManager:
		return runManager(ctx, cfg, *configPath)
	case api.RoleClient:
		return runClient(ctx, cfg)
	case api.RoleServer:
		return runServer(ctx, cfg)
	case roleStat:
		return runStat(ctx, cfg)
	}
	return fmt.Errorf("unknown role %q: %w", role, errUsage)
}

func loadConfig(path string) (*spool.Config, error) {
	cfg, err := spool.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	level, _ := logger.ParseLevel(cfg.Logging.Level)
	logger.SetLevel(level)
	return cfg, nil
}

// childArgs are the arguments handed to every spawned role.
func childArgs(configPath string) []string {
	if configPath == "" {
		return nil
	}
	return []string{"-config", configPath}
}
