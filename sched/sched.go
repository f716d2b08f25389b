// Package sched runs periodic maintenance tasks, each on its own ticker with
// its own stop handle.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// Run is called once per tick. Errors are logged, never fatal.
	Run func(ctx context.Context) error
}

// Handle stops one running task.
type Handle struct {
	name string
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Name returns the task name.
func (h *Handle) Name() string { return h.name }

// Stop signals the task goroutine to exit and waits for it. An in-flight
// run completes first. Safe to call more than once.
func (h *Handle) Stop() {
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

// Start launches task on its own goroutine until Stop or ctx cancellation.
// The first run happens after one interval.
func Start(ctx context.Context, task Task, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handle{name: task.Name, stop: make(chan struct{}), done: make(chan struct{})}
	go h.loop(ctx, task, logger)
	return h
}

func (h *Handle) loop(ctx context.Context, task Task, logger *slog.Logger) {
	defer close(h.done)
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			if err := task.Run(ctx); err != nil {
				logger.Warn("sched: task failed", "task", task.Name, "error", err)
			}
		}
	}
}

// Group starts tasks together and stops them together.
type Group struct {
	handles []*Handle
}

// StartAll launches every task.
func StartAll(ctx context.Context, logger *slog.Logger, tasks ...Task) *Group {
	g := &Group{}
	for _, t := range tasks {
		g.handles = append(g.handles, Start(ctx, t, logger))
	}
	return g
}

// Handles returns the individual task handles.
func (g *Group) Handles() []*Handle { return g.handles }

// Stop stops every task and waits for all of them.
func (g *Group) Stop() {
	for _, h := range g.handles {
		h.Stop()
	}
}
