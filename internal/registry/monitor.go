package registry

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-core/internal/clock"
	"github.com/xiy/agent-core/pkg/types"
)

// Reaper removes plugins whose heartbeat window has elapsed.
type Reaper interface {
	Reap(now time.Time) []types.Plugin
}

// Monitor is the only path by which a plugin goes from alive to dead.
type Monitor struct {
	reaper   Reaper
	clock    clock.Clock
	interval time.Duration
	logger   *log.Logger
	// OnReap, when set, is called with each sweep's removed plugins.
	OnReap func([]types.Plugin)
}

// NewMonitor builds a heartbeat monitor that sweeps every interval.
func NewMonitor(reaper Reaper, clk clock.Clock, interval time.Duration, logger *log.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Monitor{reaper: reaper, clock: clk, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one reap pass at the current clock time.
func (m *Monitor) Sweep() []types.Plugin {
	dead := m.reaper.Reap(m.clock.Now().UTC())
	for _, p := range dead {
		m.logger.Warn("plugin heartbeat timed out", "endpoint", p.Endpoint, "name", p.Name, "last_heartbeat", p.LastHeartbeat)
	}
	if len(dead) > 0 && m.OnReap != nil {
		m.OnReap(dead)
	}
	return dead
}
