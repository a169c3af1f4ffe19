// Package sched implements the cooperative task scheduler (C4): a
// fixed-capacity table of named, interval-driven callbacks, all run
// sequentially from a single execution context (spec §5). No goroutines
// or timers live inside the scheduler itself -- the owning app drives it
// with one Tick call per pass, exactly the way C3's engine is driven.
package sched

import "time"

// Task is one scheduled callback.
type Task struct {
	Name     string
	Interval time.Duration
	Callback func(now time.Time)
	Enabled  bool
	nextRun  time.Time
}

// Scheduler is the fixed-capacity table from §4.4.
type Scheduler struct {
	tasks []*Task
	cap   int
}

// New creates a scheduler with the given table capacity (typ. 16).
func New(capacity int) *Scheduler {
	return &Scheduler{cap: capacity}
}

// Register adds a task, due for its first run at now+interval. Register
// panics if the table is already at capacity -- the table is sized once
// at startup from the fixed set of app tasks, never grown dynamically.
func (s *Scheduler) Register(now time.Time, name string, interval time.Duration, cb func(now time.Time)) *Task {
	if len(s.tasks) >= s.cap {
		panic("sched: task table full")
	}
	t := &Task{
		Name:     name,
		Interval: interval,
		Callback: cb,
		Enabled:  true,
		nextRun:  now.Add(interval),
	}
	s.tasks = append(s.tasks, t)
	return t
}

// SetEnabled disables (or re-enables) a task by name. A re-enabled task
// resumes from now+interval, not from its old schedule.
func (s *Scheduler) SetEnabled(now time.Time, name string, enabled bool) {
	for _, t := range s.tasks {
		if t.Name == name {
			t.Enabled = enabled
			if enabled {
				t.nextRun = now.Add(t.Interval)
			}
			return
		}
	}
}

// Tick runs every due, enabled task exactly once. The next deadline is
// prevNextRun+interval unless more than one interval has elapsed, in
// which case it resyncs to now+interval -- this avoids a tight
// catch-up loop after a long stall (e.g. blocked on a slow callback).
func (s *Scheduler) Tick(now time.Time) {
	for _, t := range s.tasks {
		if !t.Enabled {
			continue
		}
		if now.Before(t.nextRun) {
			continue
		}

		t.Callback(now)

		late := now.Sub(t.nextRun)
		if late > t.Interval {
			t.nextRun = now.Add(t.Interval)
		} else {
			t.nextRun = t.nextRun.Add(t.Interval)
		}
	}
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	return len(s.tasks)
}
