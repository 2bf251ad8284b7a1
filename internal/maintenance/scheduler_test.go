package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingReconciler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingReconciler) ReconcileAll(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 3, r.err
}

func (r *countingReconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestValidateSchedule(t *testing.T) {
	for _, expr := range []string{"@every 1m", "*/5 * * * *", "@hourly"} {
		if err := ValidateSchedule(expr); err != nil {
			t.Fatalf("expected %q to be valid: %v", expr, err)
		}
	}
	for _, expr := range []string{"", "every minute", "* * *"} {
		if err := ValidateSchedule(expr); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("expected %q to be rejected, got %v", expr, err)
		}
	}
}

func TestSchedulerRunsReconciliation(t *testing.T) {
	reconciler := &countingReconciler{}
	scheduler, err := NewScheduler(Config{Schedule: "@every 1s", Reconciler: reconciler})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	scheduler.Start()
	deadline := time.Now().Add(3 * time.Second)
	for reconciler.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	scheduler.Stop()
	if reconciler.count() == 0 {
		t.Fatalf("expected at least one reconciliation run")
	}
}

func TestRunOnceToleratesFailures(t *testing.T) {
	reconciler := &countingReconciler{err: errors.New("database locked")}
	scheduler, err := NewScheduler(Config{Reconciler: reconciler})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	scheduler.RunOnce()
	scheduler.RunOnce()
	if reconciler.count() != 2 || scheduler.Runs() != 2 {
		t.Fatalf("expected two runs, got %d calls %d runs", reconciler.count(), scheduler.Runs())
	}
}

func TestNewSchedulerRejectsBadInput(t *testing.T) {
	if _, err := NewScheduler(Config{}); err == nil {
		t.Fatalf("expected missing reconciler to fail")
	}
	if _, err := NewScheduler(Config{Schedule: "nonsense", Reconciler: &countingReconciler{}}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("expected ErrInvalidSchedule, got %v", err)
	}
}
