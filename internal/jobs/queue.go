// Package jobs provides the background job registry and its single worker.
//
// Jobs are visible to status queries the moment they are enqueued. One worker
// goroutine executes job bodies strictly one at a time; job bodies observe
// cancellation cooperatively through their context at item boundaries.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// idle delay between queue polls
	defaultPollDelay = 100 * time.Millisecond
	// pause after a job body fails before the worker continues
	defaultFailBackoff = time.Second
	// cadence of the registry sweep
	defaultSweepInterval = 24 * time.Hour
	// completed jobs older than this are removed by the sweep
	defaultRetention = 7 * 24 * time.Hour
)

// RunFunc is a job body. It must check ctx at item boundaries and return
// ctx.Err() when cancelled; any other non-nil error marks the job failed.
type RunFunc func(ctx context.Context, t *Tracker) error

// entry is the registry-internal job state
type entry struct {
	job    Job
	run    RunFunc
	cancel context.CancelFunc
}

// Queue is the job registry plus its FIFO work queue and single worker
type Queue struct {
	mu      sync.RWMutex
	entries map[string]*entry
	fifo    []string

	pollDelay     time.Duration
	failBackoff   time.Duration
	sweepInterval time.Duration
	retention     time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewQueue creates a job queue with the default timing parameters
func NewQueue() *Queue {
	return &Queue{
		entries:       make(map[string]*entry),
		pollDelay:     defaultPollDelay,
		failBackoff:   defaultFailBackoff,
		sweepInterval: defaultSweepInterval,
		retention:     defaultRetention,
		stop:          make(chan struct{}),
	}
}

// Start launches the worker and sweep goroutines
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		q.wg.Add(2)
		go q.workerLoop()
		go q.sweepLoop()
	})
}

// Stop signals the worker to exit and waits for the in-flight job to finish
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })

	// Cancel the running job so shutdown does not wait a full job out
	q.mu.Lock()
	for _, e := range q.entries {
		if e.job.Status == StatusRunning && e.cancel != nil {
			e.cancel()
		}
	}
	q.mu.Unlock()

	q.wg.Wait()
}

// Enqueue registers a job and appends it to the FIFO queue. The job is
// visible as queued immediately, before any worker picks it up.
func (q *Queue) Enqueue(kind Kind, payload interface{}, tempFile string, run RunFunc) string {
	id := uuid.NewString()

	q.mu.Lock()
	q.entries[id] = &entry{
		job: Job{
			ID:        id,
			Kind:      kind,
			Status:    StatusQueued,
			CreatedAt: time.Now(),
			Payload:   payload,
			TempFile:  tempFile,
		},
		run: run,
	}
	q.fifo = append(q.fifo, id)
	q.mu.Unlock()

	return id
}

// GetJob returns a snapshot of one job
func (q *Queue) GetJob(id string) (Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.entries[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// GetActiveJobs returns all queued and running jobs, oldest first
func (q *Queue) GetActiveJobs() []Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var active []Job
	for _, e := range q.entries {
		if !e.job.Status.IsTerminal() {
			active = append(active, e.job)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

// GetAllJobs returns the full registry, active jobs first, finished jobs by
// most recent activity
func (q *Queue) GetAllJobs() []Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var active, finished []Job
	for _, e := range q.entries {
		if e.job.Status.IsTerminal() {
			finished = append(finished, e.job)
		} else {
			active = append(active, e.job)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	sort.Slice(finished, func(i, j int) bool {
		return latestActivity(finished[i]).After(latestActivity(finished[j]))
	})
	return append(active, finished...)
}

// latestActivity is the most recent of a job's creation and start times
func latestActivity(j Job) time.Time {
	if j.StartedAt.After(j.CreatedAt) {
		return j.StartedAt
	}
	return j.CreatedAt
}

// CancelJob requests cancellation of a job. A queued job is cancelled
// immediately and never runs; a running job is signalled cooperatively and
// true is returned optimistically. Terminal jobs return false.
func (q *Queue) CancelJob(id string) bool {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return false
	}

	switch e.job.Status {
	case StatusQueued:
		e.job.Status = StatusCancelled
		e.job.CompletedAt = time.Now()
		tempFile := e.job.TempFile
		e.job.TempFile = ""
		q.mu.Unlock()
		removeTempFile(tempFile)
		return true
	case StatusRunning:
		cancel := e.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		q.mu.Unlock()
		return false
	}
}

// workerLoop is the single consumer: it dequeues and runs one job at a time
func (q *Queue) workerLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		default:
		}

		id, ok := q.dequeue()
		if !ok {
			select {
			case <-q.stop:
				return
			case <-time.After(q.pollDelay):
			}
			continue
		}

		if failed := q.runJob(id); failed {
			select {
			case <-q.stop:
				return
			case <-time.After(q.failBackoff):
			}
		}
	}
}

// dequeue pops the first still-queued job id from the FIFO
func (q *Queue) dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.fifo) > 0 {
		id := q.fifo[0]
		q.fifo = q.fifo[1:]
		e, ok := q.entries[id]
		if !ok || e.job.Status != StatusQueued {
			// cancelled while queued, or already swept
			continue
		}
		return id, true
	}
	return "", false
}

// runJob executes one job body and records its terminal state. Returns true
// when the job failed, so the worker can back off.
func (q *Queue) runJob(id string) (failed bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	e.job.Status = StatusRunning
	e.job.StartedAt = time.Now()
	e.cancel = cancel
	run := e.run
	q.mu.Unlock()

	err := q.safeRun(ctx, run, &Tracker{q: q, id: id})

	q.mu.Lock()
	e.cancel = nil
	e.job.CompletedAt = time.Now()
	e.job.CurrentItem = ""
	var tempFile string
	switch {
	case err == nil:
		e.job.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		e.job.Status = StatusCancelled
		tempFile = e.job.TempFile
		e.job.TempFile = ""
	default:
		e.job.Status = StatusFailed
		e.job.Error = err.Error()
		tempFile = e.job.TempFile
		e.job.TempFile = ""
		failed = true
	}
	kind, status := e.job.Kind, e.job.Status
	q.mu.Unlock()

	removeTempFile(tempFile)
	log.Printf("[queue] job %s (%s) finished: %s", id, kind, status)
	return failed
}

// safeRun invokes the job body, converting a panic into a job failure so the
// worker loop never dies
func (q *Queue) safeRun(ctx context.Context, run RunFunc, t *Tracker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return run(ctx, t)
}

// sweepLoop periodically removes finished jobs past the retention threshold
func (q *Queue) sweepLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.sweep(time.Now())
		}
	}
}

// sweep removes registry entries completed before now minus retention,
// deleting their staged files best-effort
func (q *Queue) sweep(now time.Time) {
	cutoff := now.Add(-q.retention)

	q.mu.Lock()
	var tempFiles []string
	for id, e := range q.entries {
		if e.job.Status.IsTerminal() && !e.job.CompletedAt.IsZero() && e.job.CompletedAt.Before(cutoff) {
			if e.job.TempFile != "" {
				tempFiles = append(tempFiles, e.job.TempFile)
			}
			delete(q.entries, id)
		}
	}
	q.mu.Unlock()

	for _, f := range tempFiles {
		removeTempFile(f)
	}
}

// removeTempFile deletes a staged upload best-effort
func removeTempFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[queue] failed to remove temp file %s: %v", path, err)
	}
}

// Tracker lets a running job body update its registry entry
type Tracker struct {
	q  *Queue
	id string
}

// JobID returns the id of the tracked job
func (t *Tracker) JobID() string { return t.id }

// Snapshot returns the current state of the tracked job
func (t *Tracker) Snapshot() (Job, bool) { return t.q.GetJob(t.id) }

// update applies fn to the tracked job under the registry lock
func (t *Tracker) update(fn func(j *Job)) {
	t.q.mu.Lock()
	if e, ok := t.q.entries[t.id]; ok {
		fn(&e.job)
	}
	t.q.mu.Unlock()
}

// SetTotal records the total number of work items
func (t *Tracker) SetTotal(n int) { t.update(func(j *Job) { j.Total = n }) }

// AddTotal grows the total when items are discovered incrementally
func (t *Tracker) AddTotal(n int) { t.update(func(j *Job) { j.Total += n }) }

// SetCurrent records the in-flight item label for progress display
func (t *Tracker) SetCurrent(label string) { t.update(func(j *Job) { j.CurrentItem = label }) }

// Succeed counts one item as processed and succeeded
func (t *Tracker) Succeed() { t.update(func(j *Job) { j.Processed++; j.Succeeded++ }) }

// Fail counts one item as processed and failed
func (t *Tracker) Fail() { t.update(func(j *Job) { j.Processed++; j.Failed++ }) }

// Skip counts one item as processed and skipped (e.g. duplicates)
func (t *Tracker) Skip() { t.update(func(j *Job) { j.Processed++; j.Skipped++ }) }

// SetBytes records the consumed byte offset within a streamed source file
func (t *Tracker) SetBytes(n int64) { t.update(func(j *Job) { j.Bytes = n }) }
