// Package serialqueue provides a single-goroutine FIFO execution context.
// All session, sampling and queue state transitions run on it, so they never
// race with each other. Network completions hop back onto it before touching
// shared state.
package serialqueue

import (
	"sync"
	"time"

	"github.com/n0needt0/go-goodies/log"
)

type Queue struct {
	tasks    chan func()
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	q := &Queue{
		tasks: make(chan func(), buffer),
		quit:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case task := <-q.tasks:
			q.invoke(task)
		case <-q.quit:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case task := <-q.tasks:
					q.invoke(task)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered from panic in serial queue task: %v", r)
		}
	}()
	task()
}

// Async enqueues the task. It is dropped with a warning if the queue is
// stopped or full, mirroring the fire-and-forget contract of ingestion.
func (q *Queue) Async(task func()) {
	select {
	case <-q.quit:
		return
	default:
	}
	select {
	case q.tasks <- task:
	default:
		log.Warn("serial queue full, dropping task")
	}
}

// Sync runs the task on the queue and waits for it to finish. Calling Sync
// from a task already running on the queue would deadlock; callers are on
// external goroutines (lifecycle hooks, tests).
func (q *Queue) Sync(task func()) {
	done := make(chan struct{})
	q.Async(func() {
		defer close(done)
		task()
	})
	select {
	case <-done:
	case <-q.quit:
	}
}

// AsyncAfter schedules the task to be enqueued after the delay. The returned
// cancel func stops the timer if it has not fired yet.
func (q *Queue) AsyncAfter(delay time.Duration, task func()) (cancel func()) {
	t := time.AfterFunc(delay, func() {
		q.Async(task)
	})
	return func() { t.Stop() }
}

// Stop drains pending tasks and shuts the queue down. Tasks submitted after
// Stop are discarded.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.quit)
	})
	q.wg.Wait()
}
