package grpcx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Check probes one dependency of the backend.
type Check func(ctx context.Context) error

// Health serves grpc.health.v1 for the backend. The overall status ("")
// is SERVING only while every named check passes.
type Health struct {
	hs       *health.Server
	checks   map[string]Check
	interval time.Duration
	timeout  time.Duration

	mu   sync.Mutex
	last map[string]bool
}

func NewHealth(checks map[string]Check, interval time.Duration) *Health {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &Health{
		hs:       health.NewServer(),
		checks:   checks,
		interval: interval,
		timeout:  interval / 2,
		last:     make(map[string]bool),
	}
	h.hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for name := range checks {
		h.hs.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// NewServer builds the gRPC server with the logging/recovery interceptors
// and registers health and reflection on it.
func NewServer(h *Health) *grpc.Server {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(s, h.hs)
	reflection.Register(s)
	return s
}

// Run probes the checks until ctx is done, then reports NOT_SERVING.
func (h *Health) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	h.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			h.hs.Shutdown()
			return
		case <-t.C:
			h.Probe(ctx)
		}
	}
}

func (h *Health) Probe(ctx context.Context) {
	all := true
	for name, check := range h.checks {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := check(cctx)
		cancel()

		ok := err == nil
		all = all && ok
		h.set(name, ok, err)
	}
	h.set("", all, nil)
}

func (h *Health) set(name string, ok bool, err error) {
	h.mu.Lock()
	prev, seen := h.last[name]
	h.last[name] = ok
	h.mu.Unlock()

	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.hs.SetServingStatus(name, st)

	if name != "" && (!seen || prev != ok) {
		if ok {
			slog.Info("health: dependency up", "check", name)
		} else {
			slog.Warn("health: dependency down", "check", name, "err", err)
		}
	}
}
