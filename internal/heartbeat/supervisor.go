package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/Radhika1502/renexus-sub006/internal/metrics"
	"github.com/Radhika1502/renexus-sub006/pkg/protocol"
	"github.com/Radhika1502/renexus-sub006/pkg/state"
)

type Config struct {
	// Interval is the period of the global sweep.
	Interval time.Duration
	// PongTimeout bounds how long a single ping waits for its pong.
	PongTimeout time.Duration
}

// Supervisor enforces liveness across all registered connections. Each sweep
// evicts connections whose liveness flag was never flipped back by a pong,
// then clears the flag and pings the rest. The per-ping timeout catches pong
// non-delivery between sweeps, so worst-case detection latency is
// Interval+PongTimeout.
type Supervisor struct {
	logger  *slog.Logger
	state   state.Manager
	metrics *metrics.Metrics
	cfg     Config
}

func New(logger *slog.Logger, st state.Manager, m *metrics.Metrics, cfg Config) *Supervisor {
	return &Supervisor{
		logger:  logger.With(slog.String("component", "heartbeat")),
		state:   st,
		metrics: m,
		cfg:     cfg,
	}
}

// Run blocks, sweeping every Interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Heartbeat supervisor started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("pongTimeout", s.cfg.PongTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Heartbeat supervisor stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one heartbeat pass over every registered connection.
func (s *Supervisor) Sweep(ctx context.Context) {
	for _, conn := range s.state.Connections() {
		if !conn.Alive.Load() {
			// No pong since the previous ping.
			s.evict(conn, "heartbeat timeout")
			continue
		}
		conn.Alive.Store(false)
		go s.ping(ctx, conn)
	}
}

func (s *Supervisor) ping(ctx context.Context, conn *state.Connection) {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PongTimeout)
	defer cancel()

	// Ping returns once the pong arrives or the context expires; a send
	// failure on a broken transport lands in the same branch.
	if err := conn.Transport.Ping(pingCtx); err != nil {
		s.logger.Debug("Ping failed",
			slog.String("connID", conn.ID.String()),
			slog.Any("error", err),
		)
		s.evict(conn, "heartbeat timeout")
		return
	}
	conn.Alive.Store(true)
}

func (s *Supervisor) evict(conn *state.Connection, reason string) {
	s.metrics.ConnectionEvicted(reason)
	s.state.Terminate(conn.ID, protocol.ClosePongTimeout, reason)
}
