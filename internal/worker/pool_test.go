package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/tangzhangming/nova/internal/diagnostic"
)

func TestProcessItemsVisitsEveryItem(t *testing.T) {
	pool := NewPool(4, nil)
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	var sum atomic.Int64
	err := ProcessItems(context.Background(), pool, items, func(_ context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Load() != 4950 {
		t.Errorf("expected sum 4950, got %d", sum.Load())
	}
	stats := pool.Stats()
	if stats.Processed != 100 || stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

// TestProcessItemsBoundedParallelism 并行度不超过线程数
func TestProcessItemsBoundedParallelism(t *testing.T) {
	pool := NewPool(2, nil)
	items := make([]int, 16)
	err := ProcessItems(context.Background(), pool, items, func(context.Context, int) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak := pool.Stats().PeakParallelism; peak > 2 || peak < 1 {
		t.Errorf("peak parallelism %d outside [1, 2]", peak)
	}
}

// TestProcessItemsAggregatesFailures 所有失败都被收集，按输入顺序
func TestProcessItemsAggregatesFailures(t *testing.T) {
	pool := NewPool(3, nil)
	errOdd := errors.New("odd")
	var visited atomic.Int32
	err := ProcessItems(context.Background(), pool, []int{1, 2, 3, 4, 5}, func(_ context.Context, n int) error {
		visited.Inc()
		if n%2 == 1 {
			return fmt.Errorf("item %d: %w", n, errOdd)
		}
		return nil
	})
	if visited.Load() != 5 {
		t.Errorf("a failure must not stop other items, visited %d", visited.Load())
	}
	errs := multierr.Errors(err)
	if len(errs) != 3 {
		t.Fatalf("expected 3 failures, got %d: %v", len(errs), err)
	}
	for k, want := range []string{"failed to process 1", "failed to process 3", "failed to process 5"} {
		if got := errs[k].Error(); len(got) < len(want) || got[:len(want)] != want {
			t.Errorf("failure %d = %q, want prefix %q", k, got, want)
		}
		if !errors.Is(errs[k], errOdd) {
			t.Errorf("failure %d lost its cause", k)
		}
	}
	if pool.Stats().Failed != 3 {
		t.Errorf("expected 3 failed items, got %d", pool.Stats().Failed)
	}
}

// TestProcessItemsRecoversInvariantError 不变量失败只影响对应工作项
func TestProcessItemsRecoversInvariantError(t *testing.T) {
	pool := NewPool(2, nil)
	err := ProcessItems(context.Background(), pool, []string{"ok", "broken"}, func(_ context.Context, s string) error {
		diagnostic.Assert(s == "ok", "unexpected item %s", s)
		return nil
	})
	var invariant diagnostic.InvariantError
	if !errors.As(err, &invariant) {
		t.Fatalf("expected an InvariantError, got %v", err)
	}
	if invariant.Message != "unexpected item broken" {
		t.Errorf("unexpected message %q", invariant.Message)
	}
}

func TestProcessItemsCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := ProcessItems(ctx, NewPool(1, nil), []int{1}, func(context.Context, int) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("expected cancellation before any item runs, err=%v called=%v", err, called)
	}
}
