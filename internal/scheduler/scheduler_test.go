package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRegisterIntervalRunsTaskRepeatedly(t *testing.T) {
	s, err := New(zap.NewNop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var calls int32
	err = s.RegisterInterval("test-task", 20*time.Millisecond, time.Second, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("register interval: %v", err)
	}

	s.Start()
	defer func() {
		if err := s.Stop(); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least 2 task executions, got %d", atomic.LoadInt32(&calls))
}

func TestRegisterIntervalLogsTaskError(t *testing.T) {
	s, err := New(zap.NewNop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var calls int32
	err = s.RegisterInterval("failing-task", 20*time.Millisecond, time.Second, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return context.DeadlineExceeded
	})
	if err != nil {
		t.Fatalf("register interval: %v", err)
	}

	s.Start()
	defer func() {
		if err := s.Stop(); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the failing task to still run at least once")
}
