package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// Pinger probes backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor polls the backend and reports online/offline edges. Repeated
// observations of the same value are swallowed; only a change reaches the
// callback.
type Monitor struct {
	pinger   Pinger
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	onChange func(online bool)
}

// NewMonitor constructs a monitor probing on the given interval.
func NewMonitor(pinger Pinger, logger *slog.Logger, interval time.Duration, onChange func(online bool)) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if onChange == nil {
		onChange = func(bool) {}
	}
	return &Monitor{
		pinger:   pinger,
		logger:   logger,
		interval: interval,
		timeout:  3 * time.Second,
		onChange: onChange,
	}
}

// Run probes immediately, then on every tick, until the context is
// cancelled. The first observation is always reported.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var last *bool

	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.pinger.Ping(probeCtx)
		cancel()

		online := err == nil
		if last != nil && *last == online {
			return
		}
		last = &online
		m.logger.Info("connectivity changed", "online", online)
		m.onChange(online)
	}

	probe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
