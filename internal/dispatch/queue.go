// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package dispatch provides the serialization queue that orders all database
// operations. Every mutation of the persisted telemetry state runs as a task
// on a single worker goroutine, so record and drain never execute
// concurrently.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"
)

const (
	// defaultMaxPreStartTasks bounds how many tasks may pile up before the
	// queue is started. Tasks beyond the bound are rejected, not blocked.
	defaultMaxPreStartTasks = 100
)

var (
	// ErrQueueShutdown is returned when launching a task on a queue that
	// has been shut down.
	ErrQueueShutdown = errors.New("dispatch queue is shut down")

	// ErrPreStartQueueFull is returned when the pre-start buffer is
	// exhausted before Start has been called.
	ErrPreStartQueueFull = errors.New("dispatch pre-start queue is full")
)

// Queue executes tasks one at a time, in launch order, on a dedicated
// worker goroutine.
//
// Tasks launched before Start are buffered (bounded) and flushed in order
// once the queue starts. Tasks may launch further tasks from within the
// worker; those are appended behind any tasks already queued.
type Queue struct {
	logger logr.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	preStart []func()
	tasks    []func()
	started  bool
	stopping bool

	maxPreStart int
	done        chan struct{}
}

// NewQueue creates a new, unstarted queue.
func NewQueue(logger logr.Logger) *Queue {
	q := &Queue{
		logger:      logger.WithName("dispatch"),
		maxPreStart: defaultMaxPreStartTasks,
		done:        make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Launch enqueues a task for execution. It never blocks waiting for the
// worker: before Start tasks are buffered, after Start they are appended to
// the live queue.
func (q *Queue) Launch(task func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		return ErrQueueShutdown
	}

	if !q.started {
		if len(q.preStart) >= q.maxPreStart {
			q.logger.V(1).Info("dropping task, pre-start queue full",
				"max_pre_start_tasks", q.maxPreStart)
			return ErrPreStartQueueFull
		}
		q.preStart = append(q.preStart, task)
		return nil
	}

	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	return nil
}

// Start flushes the pre-start buffer and begins executing tasks.
// Calling Start more than once is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}
	q.started = true
	q.tasks = append(q.tasks, q.preStart...)
	q.preStart = nil

	go q.run()
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.stopping {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.stopping {
			q.mu.Unlock()
			close(q.done)
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.exec(task)
	}
}

func (q *Queue) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error(nil, "task panicked", "panic", r)
		}
	}()
	task()
}

// Sync launches a task and waits for it to complete, or for ctx to be done.
// It must not be called from a task already running on the queue.
func (q *Queue) Sync(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	if err := q.Launch(func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the queue after draining all queued tasks. New launches
// fail with ErrQueueShutdown. If the queue was never started the drain is
// skipped and buffered tasks are discarded.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.stopping = true
	wasStarted := q.started
	q.preStart = nil
	q.cond.Signal()
	q.mu.Unlock()

	if !wasStarted {
		close(q.done)
		return nil
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
