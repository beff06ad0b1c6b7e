package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestQueue() *Queue {
	q := NewQueue()
	q.pollDelay = 5 * time.Millisecond
	q.failBackoff = 5 * time.Millisecond
	return q
}

// waitForStatus polls until the job reaches a terminal or expected status
func waitForStatus(t *testing.T, q *Queue, id string, want Status) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := q.GetJob(id)
		if !ok {
			t.Fatalf("job %s disappeared from registry", id)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := q.GetJob(id)
	t.Fatalf("job %s never reached %s, stuck at %s", id, want, job.Status)
	return Job{}
}

func TestEnqueueVisibleBeforeRun(t *testing.T) {
	q := newTestQueue()
	// Worker not started: the job must still be visible as queued

	id := q.Enqueue(KindSync, nil, "", func(ctx context.Context, tr *Tracker) error {
		return nil
	})

	job, ok := q.GetJob(id)
	if !ok {
		t.Fatal("enqueued job not found in registry")
	}
	if job.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}

	active := q.GetActiveJobs()
	if len(active) != 1 || active[0].ID != id {
		t.Fatalf("expected one active job %s, got %v", id, active)
	}
}

func TestJobsRunInFIFOOrder(t *testing.T) {
	q := newTestQueue()

	var order []string
	done := make(chan struct{})
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, q.Enqueue(KindImport, nil, "", func(ctx context.Context, tr *Tracker) error {
			order = append(order, tr.JobID())
			if len(order) == 3 {
				close(done)
			}
			return nil
		}))
	}

	q.Start()
	defer q.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs never finished")
	}

	// order is only written by the single worker, no race once done is closed
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("expected FIFO order %v, got %v", ids, order)
		}
	}
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	q := newTestQueue()

	tempFile := filepath.Join(t.TempDir(), "staged.zip")
	if err := os.WriteFile(tempFile, []byte("zip"), 0600); err != nil {
		t.Fatal(err)
	}

	ran := false
	blocker := make(chan struct{})
	q.Enqueue(KindSync, nil, "", func(ctx context.Context, tr *Tracker) error {
		<-blocker
		return nil
	})
	id := q.Enqueue(KindImport, nil, tempFile, func(ctx context.Context, tr *Tracker) error {
		ran = true
		return nil
	})

	if !q.CancelJob(id) {
		t.Fatal("cancel of a queued job should succeed")
	}
	job, _ := q.GetJob(id)
	if job.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if _, err := os.Stat(tempFile); !os.IsNotExist(err) {
		t.Fatal("staged file of a cancelled queued job should be deleted")
	}

	q.Start()
	close(blocker)
	waitForStatus(t, q, id, StatusCancelled)
	q.Stop()

	if ran {
		t.Fatal("cancelled queued job must never run")
	}
}

func TestCancelRunningJobKeepsProgress(t *testing.T) {
	q := newTestQueue()
	q.Start()
	defer q.Stop()

	started := make(chan struct{})
	id := q.Enqueue(KindSync, nil, "", func(ctx context.Context, tr *Tracker) error {
		close(started)
		for i := 0; i < 1000; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			tr.Succeed()
			time.Sleep(2 * time.Millisecond)
		}
		return nil
	})

	<-started
	if !q.CancelJob(id) {
		t.Fatal("cancel of a running job should be accepted")
	}

	job := waitForStatus(t, q, id, StatusCancelled)
	if job.Succeeded == 0 {
		t.Fatal("work done before cancellation must stay recorded")
	}
	if job.Error != "" {
		t.Fatalf("cancelled job should carry no error, got %q", job.Error)
	}
}

func TestCancelRunningJobDeletesStagedFile(t *testing.T) {
	q := newTestQueue()
	q.Start()
	defer q.Stop()

	tempFile := filepath.Join(t.TempDir(), "inflight.mbox")
	if err := os.WriteFile(tempFile, []byte("mbox"), 0600); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	id := q.Enqueue(KindImport, nil, tempFile, func(ctx context.Context, tr *Tracker) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	<-started
	if !q.CancelJob(id) {
		t.Fatal("cancel of a running job should be accepted")
	}

	waitForStatus(t, q, id, StatusCancelled)

	// The file is removed right after the terminal status is recorded
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(tempFile); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("staged file of a cancelled running job should be deleted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFailedJobDoesNotStopWorker(t *testing.T) {
	q := newTestQueue()
	q.Start()
	defer q.Stop()

	failID := q.Enqueue(KindImport, nil, "", func(ctx context.Context, tr *Tracker) error {
		return errors.New("container is corrupt")
	})
	okID := q.Enqueue(KindSync, nil, "", func(ctx context.Context, tr *Tracker) error {
		return nil
	})

	failed := waitForStatus(t, q, failID, StatusFailed)
	if failed.Error != "container is corrupt" {
		t.Fatalf("expected error message preserved, got %q", failed.Error)
	}
	waitForStatus(t, q, okID, StatusCompleted)
}

func TestPanickingJobIsContained(t *testing.T) {
	q := newTestQueue()
	q.Start()
	defer q.Stop()

	id := q.Enqueue(KindRestore, nil, "", func(ctx context.Context, tr *Tracker) error {
		panic("boom")
	})
	okID := q.Enqueue(KindSync, nil, "", func(ctx context.Context, tr *Tracker) error {
		return nil
	})

	job := waitForStatus(t, q, id, StatusFailed)
	if job.Error == "" {
		t.Fatal("panic must surface as the job error")
	}
	waitForStatus(t, q, okID, StatusCompleted)
}

func TestCancelTerminalJobIsRejected(t *testing.T) {
	q := newTestQueue()
	q.Start()

	id := q.Enqueue(KindSync, nil, "", func(ctx context.Context, tr *Tracker) error {
		return nil
	})
	waitForStatus(t, q, id, StatusCompleted)
	q.Stop()

	if q.CancelJob(id) {
		t.Fatal("cancel of a completed job must be rejected")
	}
}

func TestSweepRemovesOldFinishedJobs(t *testing.T) {
	q := newTestQueue()

	tempFile := filepath.Join(t.TempDir(), "old-upload.mbox")
	if err := os.WriteFile(tempFile, []byte("mbox"), 0600); err != nil {
		t.Fatal(err)
	}

	oldID := q.Enqueue(KindImport, nil, tempFile, nil)
	freshID := q.Enqueue(KindSync, nil, "", nil)
	activeID := q.Enqueue(KindSync, nil, "", nil)

	now := time.Now()
	q.mu.Lock()
	old := q.entries[oldID]
	old.job.Status = StatusCompleted
	old.job.CompletedAt = now.Add(-8 * 24 * time.Hour)
	fresh := q.entries[freshID]
	fresh.job.Status = StatusCompleted
	fresh.job.CompletedAt = now.Add(-time.Hour)
	q.mu.Unlock()

	q.sweep(now)

	if _, ok := q.GetJob(oldID); ok {
		t.Fatal("job finished beyond retention must be swept")
	}
	if _, err := os.Stat(tempFile); !os.IsNotExist(err) {
		t.Fatal("sweep must delete the staged file of a removed job")
	}
	if _, ok := q.GetJob(freshID); !ok {
		t.Fatal("recently finished job must survive the sweep")
	}
	if _, ok := q.GetJob(activeID); !ok {
		t.Fatal("active job must survive the sweep")
	}
}

func TestGetAllJobsOrdersActiveFirst(t *testing.T) {
	q := newTestQueue()

	doneID := q.Enqueue(KindSync, nil, "", nil)
	queuedID := q.Enqueue(KindSync, nil, "", nil)

	q.mu.Lock()
	e := q.entries[doneID]
	e.job.Status = StatusCompleted
	e.job.CompletedAt = time.Now()
	q.mu.Unlock()

	all := q.GetAllJobs()
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}
	if all[0].ID != queuedID {
		t.Fatal("active jobs must sort before finished jobs")
	}
}
