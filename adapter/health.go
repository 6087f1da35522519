// Package adapter connects printq to external monitoring: health endpoints,
// Prometheus scraping and OpenTelemetry providers.
package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/printq/internal/logger"
	"github.com/srediag/printq/pkg/health"
)

const (
	checkTimeout       = time.Second
	goroutineThreshold = 1000
)

var log = logger.New("adapter", nil)

// NewHealthHandler serves /live and /ready from the registry checks and
// /metrics from reg. Check results are exported on reg as well.
func NewHealthHandler(checks *health.Registry, reg *prometheus.Registry) http.Handler {
	h := healthcheck.NewMetricsHandler(reg, "printq")
	for name, c := range checks.Liveness() {
		h.AddLivenessCheck(name, healthcheck.Timeout(healthcheck.Check(c), checkTimeout))
	}
	for name, c := range checks.Readiness() {
		h.AddReadinessCheck(name, healthcheck.Timeout(healthcheck.Check(c), checkTimeout))
	}
	h.AddReadinessCheck("goroutines", healthcheck.GoroutineCountCheck(goroutineThreshold))

	mux := http.NewServeMux()
	mux.HandleFunc("/live", h.LiveEndpoint)
	mux.HandleFunc("/ready", h.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// Serve serves handler on addr until ctx is done. ready, when not nil, gets
// the bound address once the listener is open.
func Serve(ctx context.Context, addr string, handler http.Handler, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	if ready != nil {
		ready(ln.Addr())
	}
	log.Infof("health endpoint on %s", ln.Addr())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
