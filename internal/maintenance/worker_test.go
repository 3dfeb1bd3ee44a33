package maintenance

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-core/internal/clock"
	"github.com/xiy/agent-core/pkg/types"
)

type call struct {
	age      time.Duration
	operator types.Operator
}

type fakeArchiver struct {
	calls chan call
	err   error
}

func (f *fakeArchiver) ArchiveOlderThan(_ context.Context, age time.Duration, operator types.Operator) (int, error) {
	f.calls <- call{age: age, operator: operator}
	if f.err != nil {
		return 0, f.err
	}
	return 2, nil
}

func TestStart_ArchivesOnEachTick(t *testing.T) {
	t.Parallel()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	clk := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	arch := &fakeArchiver{calls: make(chan call, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Start(ctx, logger, Options{Interval: time.Hour, MaxAge: 7 * 24 * time.Hour, Clock: clk}, arch)
	}()
	clk.WaitForTickers(1)

	select {
	case <-arch.calls:
		t.Fatal("archived before the first interval elapsed")
	default:
	}

	clk.Advance(time.Hour)
	select {
	case got := <-arch.calls:
		if got.age != 7*24*time.Hour {
			t.Fatalf("expected max age of a week, got %s", got.age)
		}
		if got.operator != types.OperatorMaintenance {
			t.Fatalf("expected maintenance operator, got %s", got.operator)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not run after the interval")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestRunOnce_ReportsErrors(t *testing.T) {
	t.Parallel()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	arch := &fakeArchiver{calls: make(chan call, 1), err: errors.New("disk full")}

	n, err := RunOnce(context.Background(), logger, time.Hour, arch)
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 0 {
		t.Fatalf("expected 0 archived, got %d", n)
	}
}
