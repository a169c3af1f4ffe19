package sched

import (
	"testing"
	"time"
)

func TestTaskRunsOnInterval(t *testing.T) {
	s := New(16)
	now := time.Unix(1700000000, 0)
	var runs []time.Time
	s.Register(now, "sensors", 5*time.Second, func(n time.Time) {
		runs = append(runs, n)
	})

	for i := 0; i < 3; i++ {
		now = now.Add(5 * time.Second)
		s.Tick(now)
	}

	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
}

func TestTaskDoesNotRunBeforeDue(t *testing.T) {
	s := New(16)
	now := time.Unix(1700000000, 0)
	calls := 0
	s.Register(now, "lora", 50*time.Millisecond, func(n time.Time) { calls++ })

	s.Tick(now.Add(10 * time.Millisecond))
	if calls != 0 {
		t.Fatalf("task fired before its interval elapsed")
	}
}

func TestCatchUpAvoidance(t *testing.T) {
	s := New(16)
	now := time.Unix(1700000000, 0)
	var runAt []time.Time
	s.Register(now, "persistence", time.Second, func(n time.Time) { runAt = append(runAt, n) })

	// Simulate a long stall: 10 intervals elapse before the next tick.
	now = now.Add(10 * time.Second)
	s.Tick(now)
	if len(runAt) != 1 {
		t.Fatalf("expected exactly one catch-up run, got %d", len(runAt))
	}

	// Next due time should be now+interval, not a backlog of 9 more runs.
	now = now.Add(500 * time.Millisecond)
	s.Tick(now)
	if len(runAt) != 1 {
		t.Fatalf("task should not be due yet, got %d total runs", len(runAt))
	}

	now = now.Add(600 * time.Millisecond)
	s.Tick(now)
	if len(runAt) != 2 {
		t.Fatalf("expected second run once resynced interval elapsed, got %d", len(runAt))
	}
}

func TestSetEnabledDisablesAndResumes(t *testing.T) {
	s := New(16)
	now := time.Unix(1700000000, 0)
	calls := 0
	s.Register(now, "battery", time.Second, func(n time.Time) { calls++ })

	s.SetEnabled(now, "battery", false)
	now = now.Add(5 * time.Second)
	s.Tick(now)
	if calls != 0 {
		t.Fatalf("disabled task should not run")
	}

	s.SetEnabled(now, "battery", true)
	s.Tick(now.Add(500 * time.Millisecond))
	if calls != 0 {
		t.Fatalf("re-enabled task should resume from now+interval, not fire immediately")
	}
	s.Tick(now.Add(1500 * time.Millisecond))
	if calls != 1 {
		t.Fatalf("expected 1 call after re-enabled interval elapsed, got %d", calls)
	}
}
