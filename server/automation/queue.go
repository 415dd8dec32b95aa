// Package automation runs the asynchronous auto-reply/relay pipeline.
package automation

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wkchat/wkchat/store"
)

// Job is one unit of automation work. Jobs triggered by webhooks compose a
// reply before relaying; RelayOnly jobs (human sends, manual AI replies that
// are already persisted) relay the message itself.
type Job struct {
	Trigger   store.RunTrigger
	Message   *store.Message
	RelayOnly bool
}

// runner executes one job. *Workflow is the production implementation.
type runner interface {
	Run(job Job)
	recordPanic(job Job, detail string)
}

// Queue is a strict single-lane FIFO: one worker goroutine, one workflow in
// flight at any time. Enqueue is fire-and-forget for the caller; outcomes are
// observable only through the automation run log.
type Queue struct {
	workflow runner
	logger   *slog.Logger

	jobs    chan Job
	pending sync.WaitGroup
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
}

// NewQueue starts the worker lane.
func NewQueue(workflow runner, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		workflow: workflow,
		logger:   logger,
		jobs:     make(chan Job, 256),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for job := range q.jobs {
		q.process(job)
		q.pending.Done()
	}
}

// process executes one workflow. A panic anywhere inside is converted into a
// failed run so the lane never dies from one bad item.
func (q *Queue) process(job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("automation workflow panicked",
				"trigger", string(job.Trigger),
				"message_id", job.Message.ID,
				"panic", fmt.Sprint(r))
			q.workflow.recordPanic(job, fmt.Sprint(r))
		}
	}()
	q.workflow.Run(job)
}

// Enqueue submits a job without waiting for it. It reports false when the
// queue is full or stopped; the caller has already answered its own request
// either way.
func (q *Queue) Enqueue(job Job) bool {
	if job.Message == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	q.pending.Add(1)
	select {
	case q.jobs <- job:
		return true
	default:
		q.pending.Done()
		q.logger.Warn("automation queue full, dropping job", "message_id", job.Message.ID)
		return false
	}
}

// Drain blocks until every accepted job has settled.
func (q *Queue) Drain() {
	q.pending.Wait()
}

// Close drains the lane and stops the worker.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.pending.Wait()
	close(q.jobs)
	<-q.done
}
