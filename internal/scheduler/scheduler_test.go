package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRejectsSubSecondInterval(t *testing.T) {
	s := New()
	if err := s.Every("sweep", 500*time.Millisecond, func(context.Context) {}); err == nil {
		t.Error("expected error for sub-second interval")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestJobRunsAndStops(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a one second tick")
	}
	s := New()
	var runs atomic.Int32
	var cancelled atomic.Bool
	if err := s.Every("probe", time.Second, func(ctx context.Context) {
		runs.Add(1)
		<-ctx.Done()
		cancelled.Store(true)
	}); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	s.Start()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if !cancelled.Load() {
		t.Error("running job was not cancelled on Stop")
	}
}

func TestRecoverFromPanic(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a one second tick")
	}
	s := New()
	var after atomic.Int32
	s.Every("boom", time.Second, func(context.Context) {
		after.Add(1)
		panic("boom")
	})
	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for after.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if after.Load() == 0 {
		t.Fatal("job never ran")
	}
}
