package manager

import (
	"testing"
	"time"

	"github.com/hochfrequenz/kueue/internal/protocol"
)

func noopSend(workerID uint64, msgType string, payload interface{}) error { return nil }

func TestAddJob_StartsPendingAndWaiting(t *testing.T) {
	m := New()
	sig := m.NewJobsSignal()
	job := m.AddJob([]string{"true"}, "/tmp", protocol.Resources{JobSlots: 1})

	if job.Status().Kind != protocol.JobPending {
		t.Fatalf("got status=%v, want pending", job.Status().Kind)
	}

	select {
	case <-sig:
	default:
		t.Error("expected new-jobs notification after AddJob")
	}
}

func TestPickJobForWorker_ExcludeOnly(t *testing.T) {
	m := New()
	job := m.AddJob([]string{"a"}, "/tmp", protocol.Resources{JobSlots: 1, CPUs: 8, RAMMB: 100})

	w := m.AddWorker("worker-1", noopSend)

	// Excluding the only waiting job yields nothing, and leaves it available
	// for a later call without the exclusion.
	if _, ok := m.PickJobForWorker(w.WorkerID, map[uint64]bool{job.JobID: true}); ok {
		t.Error("expected nothing to be picked while the job is excluded")
	}

	// The pick ignores the job's CPU/RAM requirements: the worker decides
	// fit against a fresh snapshot and defers what doesn't fit.
	picked, ok := m.PickJobForWorker(w.WorkerID, nil)
	if !ok {
		t.Fatal("expected the job to be picked")
	}
	if picked.JobID != job.JobID {
		t.Errorf("got job=%d, want %d", picked.JobID, job.JobID)
	}
	if picked.Status().Kind != protocol.JobOffered {
		t.Errorf("got status=%v, want offered", picked.Status().Kind)
	}

	if _, ok := m.PickJobForWorker(w.WorkerID, nil); ok {
		t.Error("expected the waiting set to be empty after the pick")
	}
}

func TestPickJobForWorker_FIFOOrder(t *testing.T) {
	m := New()
	first := m.AddJob([]string{"a"}, "/tmp", protocol.Resources{JobSlots: 1})
	m.AddJob([]string{"b"}, "/tmp", protocol.Resources{JobSlots: 1})

	w := m.AddWorker("worker-1", noopSend)
	m.UpdateWorkerResources(w.WorkerID, protocol.Resources{JobSlots: 1})

	job, ok := m.PickJobForWorker(w.WorkerID, nil)
	if !ok || job.JobID != first.JobID {
		t.Errorf("got job=%v, want first job %d", job, first.JobID)
	}
}

func TestReturnToWaiting_RestoresFIFOPosition(t *testing.T) {
	m := New()
	first := m.AddJob([]string{"a"}, "/tmp", protocol.Resources{JobSlots: 1})
	second := m.AddJob([]string{"b"}, "/tmp", protocol.Resources{JobSlots: 1})

	w := m.AddWorker("worker-1", noopSend)
	m.UpdateWorkerResources(w.WorkerID, protocol.Resources{JobSlots: 2})

	picked, _ := m.PickJobForWorker(w.WorkerID, nil)
	if picked.JobID != first.JobID {
		t.Fatalf("setup: expected first job picked")
	}

	m.ReturnToWaiting(first.JobID)
	if first.Status().Kind != protocol.JobPending {
		t.Errorf("got status=%v, want pending", first.Status().Kind)
	}

	next, ok := m.PickJobForWorker(w.WorkerID, nil)
	if !ok || next.JobID != first.JobID {
		t.Errorf("got job=%v, want first job %d restored to front", next, first.JobID)
	}
	_ = second
}

func TestConfirmRunningAndFinishJob(t *testing.T) {
	m := New()
	job := m.AddJob([]string{"a"}, "/tmp", protocol.Resources{JobSlots: 1})
	w := m.AddWorker("worker-1", noopSend)
	m.UpdateWorkerResources(w.WorkerID, protocol.Resources{JobSlots: 1})

	picked, _ := m.PickJobForWorker(w.WorkerID, nil)
	m.ConfirmRunning(picked.JobID, w.WorkerID, time.Now())
	if job.Status().Kind != protocol.JobRunning {
		t.Fatalf("got status=%v, want running", job.Status().Kind)
	}

	m.FinishJob(job.JobID, w.WorkerID, 0, 1.5, "")
	if job.Status().Kind != protocol.JobFinished {
		t.Errorf("got status=%v, want finished", job.Status().Kind)
	}
}

func TestCancelJob_Pending(t *testing.T) {
	m := New()
	job := m.AddJob([]string{"a"}, "/tmp", protocol.Resources{JobSlots: 1})

	workerID, wasRunning := m.CancelJob(job.JobID, "user requested")
	if workerID != 0 || wasRunning {
		t.Errorf("got workerID=%d wasRunning=%v for pending cancel", workerID, wasRunning)
	}
	if job.Status().Kind != protocol.JobCanceled {
		t.Errorf("got status=%v, want canceled", job.Status().Kind)
	}

	// Canceled job should no longer be schedulable.
	w := m.AddWorker("worker-1", noopSend)
	m.UpdateWorkerResources(w.WorkerID, protocol.Resources{JobSlots: 1})
	if _, ok := m.PickJobForWorker(w.WorkerID, nil); ok {
		t.Error("canceled job should not be picked")
	}
}

func TestRemoveWorker_RequeuesOfferedAndRunningToPending(t *testing.T) {
	m := New()
	offered := m.AddJob([]string{"a"}, "/tmp", protocol.Resources{JobSlots: 1})
	running := m.AddJob([]string{"b"}, "/tmp", protocol.Resources{JobSlots: 1})

	w := m.AddWorker("worker-1", noopSend)
	m.UpdateWorkerResources(w.WorkerID, protocol.Resources{JobSlots: 2})

	j1, _ := m.PickJobForWorker(w.WorkerID, nil)
	j2, _ := m.PickJobForWorker(w.WorkerID, nil)
	m.ConfirmRunning(j2.JobID, w.WorkerID, time.Now())
	_ = j1

	m.RemoveWorker(w.WorkerID)

	// A dead connection can never deliver UpdateJobStatus(Finished), so both
	// the still-offered and the in-flight running job are re-queued to
	// Pending rather than marked Failed.
	if offered.Status().Kind != protocol.JobPending {
		t.Errorf("offered job got status=%v, want pending after worker loss", offered.Status().Kind)
	}
	if running.Status().Kind != protocol.JobPending {
		t.Errorf("running job got status=%v, want pending after worker loss", running.Status().Kind)
	}

	// The removed worker is gone from the registry, so nothing can be
	// picked for it any more.
	if _, ok := m.PickJobForWorker(w.WorkerID, nil); ok {
		t.Fatal("worker was removed, should not be pickable anymore")
	}
}

func TestCleanJobs_RemovesTerminalJobsOnly(t *testing.T) {
	m := New()
	finished := m.AddJob([]string{"a"}, "/tmp", protocol.Resources{})
	failed := m.AddJob([]string{"b"}, "/tmp", protocol.Resources{})
	pending := m.AddJob([]string{"c"}, "/tmp", protocol.Resources{})
	finished.setStatus(protocol.JobStatus{Kind: protocol.JobFinished})
	failed.setStatus(protocol.JobStatus{Kind: protocol.JobFailed})

	removed := m.CleanJobs(false, nil)
	if removed != 2 {
		t.Errorf("got removed=%d, want 2 (finished and failed)", removed)
	}
	if _, ok := m.GetJob(pending.JobID); !ok {
		t.Error("non-terminal job should survive a non-all clean")
	}
}

func TestCleanJobs_AllForceCancelsNonTerminal(t *testing.T) {
	m := New()
	pending := m.AddJob([]string{"a"}, "/tmp", protocol.Resources{})

	removed := m.CleanJobs(true, nil)
	if removed != 1 {
		t.Errorf("got removed=%d, want 1 (the force-canceled pending job)", removed)
	}
	if _, ok := m.GetJob(pending.JobID); ok {
		t.Error("force-canceled job should have been removed")
	}
}

func TestCleanJobs_AllSendsKillJobForRunning(t *testing.T) {
	m := New()
	job := m.AddJob([]string{"a"}, "/tmp", protocol.Resources{})

	var killed uint64
	w := m.AddWorker("worker-1", func(workerID uint64, msgType string, payload interface{}) error {
		if msgType == protocol.TypeKillJob {
			killed = workerID
		}
		return nil
	})
	m.UpdateWorkerResources(w.WorkerID, protocol.Resources{JobSlots: 1})
	picked, _ := m.PickJobForWorker(w.WorkerID, nil)
	m.ConfirmRunning(picked.JobID, w.WorkerID, time.Now())

	m.CleanJobs(true, nil)

	if killed != w.WorkerID {
		t.Errorf("got killed worker=%d, want %d", killed, w.WorkerID)
	}
	if _, ok := m.GetJob(job.JobID); ok {
		t.Error("force-canceled running job should have been removed")
	}
}

func TestRunMaintenance_ReapsStaleWorkers(t *testing.T) {
	m := New()
	w := m.AddWorker("worker-1", noopSend)
	w.mu.Lock()
	w.lastSeenAt = time.Now().Add(-StaleAfter * 2)
	w.mu.Unlock()

	m.RunMaintenance()

	if _, ok := m.GetWorker(w.WorkerID); ok {
		t.Error("expected stale worker to be reaped")
	}
}
