// Package maintenance runs the periodic short-term to long-term archival pass.
package maintenance

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-core/internal/clock"
	"github.com/xiy/agent-core/pkg/types"
)

// Archiver represents the archival behavior needed by the worker.
type Archiver interface {
	ArchiveOlderThan(ctx context.Context, age time.Duration, operator types.Operator) (int, error)
}

// Options controls how often the worker runs and what it considers stale.
type Options struct {
	Interval time.Duration
	MaxAge   time.Duration
	Clock    clock.Clock
}

// Start launches the archival loop and blocks until ctx is cancelled.
func Start(ctx context.Context, logger *log.Logger, opts Options, archiver Archiver) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ticker := clk.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = RunOnce(ctx, logger, opts.MaxAge, archiver)
		}
	}
}

// RunOnce performs a single archival pass.
func RunOnce(ctx context.Context, logger *log.Logger, maxAge time.Duration, archiver Archiver) (int, error) {
	n, err := archiver.ArchiveOlderThan(ctx, maxAge, types.OperatorMaintenance)
	if err != nil {
		logger.Warn("memory archival failed", "error", err)
		return 0, err
	}
	if n > 0 {
		logger.Info("archived short-term memories", "count", n, "older_than", maxAge)
	}
	return n, nil
}
