// Package manager implements the Job Manager: the single source of truth for
// job and worker state, the FIFO waiting set, and the scheduling decision of
// which waiting job to offer to which worker. All mutation goes through one
// coarse mutex; critical sections are O(#waiting + #workers) and never do
// I/O — sends to workers happen through a SendFunc supplied by the caller
// and are invoked outside the lock.
package manager

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/kueue/internal/protocol"
)

// SendFunc pushes a message to a specific worker connection. Implementations
// live in internal/serverconn and must not block the manager's mutex.
type SendFunc func(workerID uint64, msgType string, payload interface{}) error

// Job is the manager's authoritative record for one unit of work.
type Job struct {
	JobID             uint64
	Cmd               []string
	Cwd               string
	RequiredResources protocol.Resources
	IssuedAt          time.Time

	mu        sync.Mutex
	status    protocol.JobStatus
	doneOnce  sync.Once
	doneCh    chan struct{}
	observers []chan protocol.JobStatus
	stdoutBuf strings.Builder
	stderrBuf strings.Builder
}

// AppendResults accumulates stdout/stderr text reported by the owning
// worker; either may be nil if that stream had nothing new to report.
func (j *Job) AppendResults(stdout, stderr *string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if stdout != nil {
		j.stdoutBuf.WriteString(*stdout)
	}
	if stderr != nil {
		j.stderrBuf.WriteString(*stderr)
	}
}

// Results returns everything accumulated so far via AppendResults.
func (j *Job) Results() (stdout, stderr string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stdoutBuf.String(), j.stderrBuf.String()
}

// Status returns a snapshot of the job's current status.
func (j *Job) Status() protocol.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) setStatus(s protocol.JobStatus) {
	j.mu.Lock()
	j.status = s
	terminal := isTerminalKind(s.Kind)
	observers := append([]chan protocol.JobStatus(nil), j.observers...)
	j.mu.Unlock()

	for _, ch := range observers {
		select {
		case ch <- s:
		default:
			// Slow/gone observer: drop the update rather than block the
			// manager on a client connection's pace.
		}
	}
	if terminal {
		j.doneOnce.Do(func() { close(j.doneCh) })
	}
}

// Subscribe registers for every subsequent status update on this job. The
// returned channel is buffered and non-blocking on the sender side; callers
// (internal/serverconn's ObserveJob handling) must call the returned cancel
// func once they stop reading, typically when the job reaches a terminal
// status or the client disconnects.
func (j *Job) Subscribe() (<-chan protocol.JobStatus, func()) {
	ch := make(chan protocol.JobStatus, 8)
	j.mu.Lock()
	j.observers = append(j.observers, ch)
	j.mu.Unlock()

	cancel := func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		for i, c := range j.observers {
			if c == ch {
				j.observers = append(j.observers[:i], j.observers[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// Done returns a channel that closes the first time this job reaches a
// terminal status (Finished, Canceled, or Failed), for ObserveJob to wait on.
func (j *Job) Done() <-chan struct{} {
	return j.doneCh
}

// Info builds the wire representation of the job.
func (j *Job) Info() protocol.JobInfo {
	return protocol.JobInfo{
		JobID:             j.JobID,
		Cmd:               j.Cmd,
		Cwd:               j.Cwd,
		RequiredResources: j.RequiredResources,
		Status:            j.Status(),
		IssuedAt:          j.IssuedAt,
	}
}

func (j *Job) isTerminal() bool {
	return isTerminalKind(j.Status().Kind)
}

func isTerminalKind(k protocol.JobStatusKind) bool {
	switch k {
	case protocol.JobFinished, protocol.JobCanceled, protocol.JobFailed:
		return true
	default:
		return false
	}
}

// Worker is the manager's server-side handle for a connected worker. It is
// intentionally separate from the TCP connection object in internal/serverconn
// so that the manager never touches net.Conn directly.
type Worker struct {
	WorkerID   uint64
	WorkerName string
	Send       SendFunc

	mu                 sync.Mutex
	systemInfo         protocol.SystemInfo
	availableResources protocol.Resources
	offeredJobs        map[uint64]bool
	runningJobs        map[uint64]bool
	lastSeenAt         time.Time
}

func newWorker(id uint64, name string, send SendFunc) *Worker {
	return &Worker{
		WorkerID:    id,
		WorkerName:  name,
		Send:        send,
		offeredJobs: make(map[uint64]bool),
		runningJobs: make(map[uint64]bool),
		lastSeenAt:  time.Now(),
	}
}

func (w *Worker) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeenAt = time.Now()
}

func (w *Worker) setSystemInfo(si protocol.SystemInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.systemInfo = si
}

func (w *Worker) setAvailableResources(r protocol.Resources) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.availableResources = r
}

func (w *Worker) info() protocol.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return protocol.WorkerInfo{
		WorkerID:           w.WorkerID,
		WorkerName:         w.WorkerName,
		SystemInfo:         w.systemInfo,
		AvailableResources: w.availableResources,
		OfferedJobs:        sortedKeys(w.offeredJobs),
		RunningJobs:        sortedKeys(w.runningJobs),
		LastSeenAt:         w.lastSeenAt,
	}
}

// Info builds the wire representation of this worker handle, for ShowWorker
// responses in internal/serverconn.
func (w *Worker) Info() protocol.WorkerInfo {
	return w.info()
}

func sortedKeys(m map[uint64]bool) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// StaleAfter is how long a worker may go without any message before a
// maintenance sweep reaps it, mirroring a weak reference whose upgrade has
// started failing.
const StaleAfter = 2 * time.Minute

// Manager owns all job and worker state.
type Manager struct {
	mu sync.Mutex

	nextJobID    uint64
	nextWorkerID uint64

	jobs    map[uint64]*Job
	waiting []uint64 // job IDs with JobPending status, kept sorted ascending (FIFO by job_id)

	workers map[uint64]*Worker

	newJobsCh chan struct{} // closed and replaced on every signal; see NewJobsSignal
}

// New creates an empty Job Manager.
func New() *Manager {
	return &Manager{
		jobs:      make(map[uint64]*Job),
		workers:   make(map[uint64]*Worker),
		newJobsCh: make(chan struct{}),
	}
}

// NewJobsSignal returns a channel that is closed exactly once whenever a job
// becomes available for scheduling (freshly issued, returned to waiting, or
// a worker reporting more available resources) — a broadcast, so every
// connected Worker Connection's drain loop wakes on the same event rather
// than racing to consume a single delivery. Because a closed channel cannot
// be reused, callers must call NewJobsSignal again after each wakeup to pick
// up the new one.
func (m *Manager) NewJobsSignal() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newJobsCh
}

func (m *Manager) notifyNewJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyNewJobsLocked()
}

// AddJob registers a new job in Pending status and returns it.
func (m *Manager) AddJob(cmd []string, cwd string, required protocol.Resources) *Job {
	m.mu.Lock()
	m.nextJobID++
	job := &Job{
		JobID:             m.nextJobID,
		Cmd:               cmd,
		Cwd:               cwd,
		RequiredResources: required,
		IssuedAt:          time.Now(),
		doneCh:            make(chan struct{}),
	}
	job.status = protocol.JobStatus{Kind: protocol.JobPending}
	m.jobs[job.JobID] = job
	m.waiting = append(m.waiting, job.JobID) // job IDs are monotonically increasing: already sorted
	m.mu.Unlock()

	m.notifyNewJobs()
	return job
}

// AddWorker registers a newly connected worker and returns its handle.
func (m *Manager) AddWorker(name string, send SendFunc) *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWorkerID++
	w := newWorker(m.nextWorkerID, name, send)
	m.workers[w.WorkerID] = w
	return w
}

// RemoveWorker drops a worker from the registry and repatriates every job it
// was holding, offered or running, back to Pending: a dead connection means
// no UpdateJobStatus(Finished) can ever arrive for a running job, so it is
// re-queued exactly like a deferred offer rather than marked Failed.
func (m *Manager) RemoveWorker(workerID uint64) {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.workers, workerID)

	w.mu.Lock()
	offered := sortedKeys(w.offeredJobs)
	running := sortedKeys(w.runningJobs)
	w.mu.Unlock()
	m.mu.Unlock()

	for _, jobID := range offered {
		m.returnToWaitingWithComment(jobID, "worker lost")
	}
	for _, jobID := range running {
		m.returnToWaitingWithComment(jobID, "worker lost")
	}
}

// GetJob looks up a job by ID.
func (m *Manager) GetJob(jobID uint64) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	return j, ok
}

// GetWorker looks up a worker by ID.
func (m *Manager) GetWorker(workerID uint64) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	return w, ok
}

// TouchWorker records that a worker is still alive (any inbound message
// counts), resetting the staleness clock used by RunMaintenance.
func (m *Manager) TouchWorker(workerID uint64) {
	if w, ok := m.GetWorker(workerID); ok {
		w.touch()
	}
}

// UpdateWorkerSystemInfo records a worker's latest hardware/load snapshot.
func (m *Manager) UpdateWorkerSystemInfo(workerID uint64, si protocol.SystemInfo) {
	if w, ok := m.GetWorker(workerID); ok {
		w.setSystemInfo(si)
	}
}

// UpdateWorkerResources records a worker's latest available-resources
// snapshot and wakes the scheduler, since more resources may now fit a
// waiting job.
func (m *Manager) UpdateWorkerResources(workerID uint64, r protocol.Resources) {
	if w, ok := m.GetWorker(workerID); ok {
		w.setAvailableResources(r)
		m.notifyNewJobs()
	}
}

// PickJobForWorker returns the smallest waiting job ID not in exclude. On a
// match the job transitions to Offered(workerID) and is removed from the
// waiting set. Whether the job's CPU/RAM requirements actually fit is not
// decided here: the worker checks the offer against a fresh local resource
// snapshot and defers what doesn't fit, which keeps the decision off the
// manager's possibly stale last-reported view.
func (m *Manager) PickJobForWorker(workerID uint64, exclude map[uint64]bool) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return nil, false
	}

	for i, jobID := range m.waiting {
		if exclude[jobID] {
			continue
		}
		job := m.jobs[jobID]
		if job == nil {
			continue
		}

		m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
		job.setStatus(protocol.JobStatus{Kind: protocol.JobOffered, WorkerID: workerID})

		w.mu.Lock()
		w.offeredJobs[jobID] = true
		w.mu.Unlock()

		return job, true
	}
	return nil, false
}

// ReturnToWaiting moves a job from Offered back to Pending, re-inserting it
// into the waiting set at its sorted (FIFO-by-job_id) position. Used when a
// worker defers or rejects an offered job.
func (m *Manager) ReturnToWaiting(jobID uint64) {
	m.returnToWaitingWithComment(jobID, "")
}

func (m *Manager) returnToWaitingWithComment(jobID uint64, comment string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return
	}
	if worker, ok := m.workers[job.Status().WorkerID]; ok {
		worker.mu.Lock()
		delete(worker.offeredJobs, jobID)
		delete(worker.runningJobs, jobID)
		worker.mu.Unlock()
	}

	job.setStatus(protocol.JobStatus{Kind: protocol.JobPending, Comment: comment})
	m.insertWaitingLocked(jobID)
	m.notifyNewJobsLocked()
}

func (m *Manager) insertWaitingLocked(jobID uint64) {
	i := sort.Search(len(m.waiting), func(i int) bool { return m.waiting[i] >= jobID })
	if i < len(m.waiting) && m.waiting[i] == jobID {
		return
	}
	m.waiting = append(m.waiting, 0)
	copy(m.waiting[i+1:], m.waiting[i:])
	m.waiting[i] = jobID
}

// notifyNewJobsLocked requires m.mu to already be held by the caller.
func (m *Manager) notifyNewJobsLocked() {
	close(m.newJobsCh)
	m.newJobsCh = make(chan struct{})
}

// ConfirmRunning transitions a job from Offered to Running.
func (m *Manager) ConfirmRunning(jobID, workerID uint64, startedAt time.Time) {
	job, ok := m.GetJob(jobID)
	if !ok {
		return
	}
	job.setStatus(protocol.JobStatus{Kind: protocol.JobRunning, WorkerID: workerID, StartedAt: startedAt})

	if w, ok := m.GetWorker(workerID); ok {
		w.mu.Lock()
		delete(w.offeredJobs, jobID)
		w.runningJobs[jobID] = true
		w.mu.Unlock()
	}
}

// TryConfirmOffer is ConfirmRunning guarded by a check that the job is
// still Offered(workerID): an AcceptJobOffer arriving after a concurrent
// client-initiated RemoveJob has already moved the job on (e.g. back to
// Pending or to Canceled) must not resurrect it. Returns false when the
// offer no longer matches, in which case the caller (the owning Worker
// Connection) replies WithdrawJobOffer instead of ConfirmJobOffer.
func (m *Manager) TryConfirmOffer(jobID, workerID uint64) bool {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	status := job.Status()
	if status.Kind != protocol.JobOffered || status.WorkerID != workerID {
		m.mu.Unlock()
		return false
	}
	w := m.workers[workerID]
	m.mu.Unlock()

	job.setStatus(protocol.JobStatus{Kind: protocol.JobRunning, WorkerID: workerID, StartedAt: time.Now()})
	if w != nil {
		w.mu.Lock()
		delete(w.offeredJobs, jobID)
		w.runningJobs[jobID] = true
		w.mu.Unlock()
	}
	return true
}

// FinishJob transitions a job to Finished with the given exit code, runtime,
// and optional diagnostic comment (used for synthesized failures such as
// "failed to start").
func (m *Manager) FinishJob(jobID, workerID uint64, returnCode int, runTimeSeconds float64, comment string) {
	job, ok := m.GetJob(jobID)
	if !ok {
		return
	}
	job.setStatus(protocol.JobStatus{
		Kind:           protocol.JobFinished,
		WorkerID:       workerID,
		ReturnCode:     returnCode,
		RunTimeSeconds: runTimeSeconds,
		Comment:        comment,
	})
	m.untrackRunning(workerID, jobID)
}

// ApplyWorkerStatus trusts a worker's self-reported status update for a job
// it holds (the worker is authoritative for status, timestamps, and return
// code) and merges it into the authoritative record. A
// terminal status additionally stops the job being tracked as
// offered/running against workerID.
func (m *Manager) ApplyWorkerStatus(jobID, workerID uint64, status protocol.JobStatus) {
	job, ok := m.GetJob(jobID)
	if !ok {
		return
	}
	job.setStatus(status)
	if isTerminalKind(status.Kind) {
		m.untrackRunning(workerID, jobID)
	}
}

// AppendJobResults accumulates stdout/stderr text the worker streamed back
// for jobID, a no-op if the job is unknown (e.g. already cleaned).
func (m *Manager) AppendJobResults(jobID uint64, stdout, stderr *string) {
	if job, ok := m.GetJob(jobID); ok {
		job.AppendResults(stdout, stderr)
	}
}

// JobResults returns the accumulated stdout/stderr text for jobID, for
// ShowJob responses.
func (m *Manager) JobResults(jobID uint64) (stdout, stderr string, ok bool) {
	job, found := m.GetJob(jobID)
	if !found {
		return "", "", false
	}
	stdout, stderr = job.Results()
	return stdout, stderr, true
}

func (m *Manager) untrackRunning(workerID, jobID uint64) {
	if w, ok := m.GetWorker(workerID); ok {
		w.mu.Lock()
		delete(w.runningJobs, jobID)
		delete(w.offeredJobs, jobID)
		w.mu.Unlock()
	}
}

// CancelJob cancels a job. A Pending job is canceled immediately. An
// Offered or Running job is marked Canceled here and the caller (serverconn)
// is responsible for sending KillJob to the owning worker when kill is true
// and the job is Running; the returned worker ID (0 if none) tells the
// caller who to notify.
func (m *Manager) CancelJob(jobID uint64, reason string) (workerID uint64, wasRunning bool) {
	job, ok := m.GetJob(jobID)
	if !ok {
		return 0, false
	}

	status := job.Status()
	switch status.Kind {
	case protocol.JobPending:
		m.removeFromWaiting(jobID)
	case protocol.JobOffered:
		m.removeFromWaiting(jobID)
		m.untrackRunning(status.WorkerID, jobID)
		workerID = status.WorkerID
	case protocol.JobRunning:
		m.untrackRunning(status.WorkerID, jobID)
		workerID = status.WorkerID
		wasRunning = true
	default:
		return 0, false
	}

	job.setStatus(protocol.JobStatus{Kind: protocol.JobCanceled, Reason: reason})
	return workerID, wasRunning
}

func (m *Manager) removeFromWaiting(jobID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range m.waiting {
		if id == jobID {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return
		}
	}
}

// RemoveJob implements a client-initiated removal. Pending jobs are deleted
// outright. Offered jobs are canceled and unassigned (a concurrent
// AcceptJobOffer from the worker holding it will see the status has moved on
// and reply with WithdrawJobOffer, see onAcceptJobOffer). A Running job is
// canceled only if kill is true, in which case the caller must still send
// KillJob to workerID (needsKill reports this; the manager does no I/O).
// Running with kill false is rejected since there is no way to detach from a
// child process that is already executing. Terminal jobs are deleted as-is,
// preserving whatever final status they already recorded.
func (m *Manager) RemoveJob(jobID uint64, kill bool) (info protocol.JobInfo, workerID uint64, needsKill bool, rejectReason string, removed bool) {
	job, ok := m.GetJob(jobID)
	if !ok {
		return protocol.JobInfo{}, 0, false, "job not found", false
	}

	switch job.Status().Kind {
	case protocol.JobPending:
		m.removeFromWaiting(jobID)
		job.setStatus(protocol.JobStatus{Kind: protocol.JobCanceled, Reason: "removed by client"})
		m.deleteJob(jobID)
		return job.Info(), 0, false, "", true

	case protocol.JobOffered:
		wid, _ := m.CancelJob(jobID, "removed by client")
		return job.Info(), wid, false, "", true

	case protocol.JobRunning:
		if !kill {
			return protocol.JobInfo{}, 0, false, "job is running; pass kill=true to remove it", false
		}
		wid, _ := m.CancelJob(jobID, "removed by client")
		return job.Info(), wid, true, "", true

	default: // terminal
		info := job.Info()
		m.deleteJob(jobID)
		return info, 0, false, "", true
	}
}

func (m *Manager) deleteJob(jobID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
}

// ListJobs returns up to limit jobs (0 means unlimited) matching filter,
// newest first, along with aggregate counts per status over all jobs. The
// average runtime and ETA come from AvgRuntimeAndETA.
func (m *Manager) ListJobs(filter protocol.JobFilter, limit int) ([]protocol.JobInfo, protocol.JobCounts) {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var counts protocol.JobCounts
	var matched []protocol.JobInfo
	for _, id := range ids {
		job, ok := m.GetJob(id)
		if !ok {
			continue
		}
		status := job.Status()
		switch status.Kind {
		case protocol.JobPending:
			counts.Pending++
		case protocol.JobOffered:
			counts.Offered++
		case protocol.JobRunning:
			counts.Running++
		case protocol.JobFinished:
			counts.Finished++
		case protocol.JobCanceled:
			counts.Canceled++
		case protocol.JobFailed:
			counts.Failed++
		}

		if !filterMatches(filter, status.Kind) {
			continue
		}
		if limit > 0 && len(matched) >= limit {
			continue
		}
		matched = append(matched, job.Info())
	}
	return matched, counts
}

func filterMatches(f protocol.JobFilter, kind protocol.JobStatusKind) bool {
	switch kind {
	case protocol.JobPending:
		return f.Pending
	case protocol.JobOffered:
		return f.Offered
	case protocol.JobRunning:
		return f.Running
	case protocol.JobFinished:
		return f.Finished
	case protocol.JobCanceled:
		return f.Canceled
	case protocol.JobFailed:
		return f.Failed
	default:
		return false
	}
}

// AvgRuntimeAndETA computes the average runtime (seconds) of finished jobs
// and a rough ETA for the remaining pending, offered and running jobs
// assuming they take the same average and run in parallel over the job
// slots workers last reported as available (TotalJobSlots, at least 1).
func (m *Manager) AvgRuntimeAndETA() (avgRuntimeSeconds int64, etaSeconds int64) {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var total float64
	var finished, remaining int
	for _, id := range ids {
		job, ok := m.GetJob(id)
		if !ok {
			continue
		}
		status := job.Status()
		switch status.Kind {
		case protocol.JobFinished:
			total += status.RunTimeSeconds
			finished++
		case protocol.JobPending, protocol.JobOffered, protocol.JobRunning:
			remaining++
		}
	}
	if finished == 0 || remaining == 0 {
		return int64(avg(total, finished)), 0
	}

	avgRuntimeSeconds = int64(avg(total, finished))
	slots := m.TotalJobSlots()
	if slots == 0 {
		slots = 1
	}
	etaSeconds = int64(float64(remaining) / float64(slots) * float64(avgRuntimeSeconds))
	return avgRuntimeSeconds, etaSeconds
}

func avg(total float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// ListWorkers returns all connected workers.
func (m *Manager) ListWorkers() []protocol.WorkerInfo {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
	infos := make([]protocol.WorkerInfo, len(workers))
	for i, w := range workers {
		infos[i] = w.info()
	}
	return infos
}

// TotalJobSlots sums the last-reported available (free) job slots across all
// workers.
func (m *Manager) TotalJobSlots() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, w := range m.workers {
		w.mu.Lock()
		total += w.availableResources.JobSlots
		w.mu.Unlock()
	}
	return total
}

// ListResources returns resources currently in use by running jobs and the
// total available resources across connected workers.
func (m *Manager) ListResources() (used, total protocol.Resources) {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, id := range ids {
		job, ok := m.GetJob(id)
		if !ok || job.Status().Kind != protocol.JobRunning {
			continue
		}
		used.JobSlots++
		used.CPUs += job.RequiredResources.CPUs
		used.RAMMB += job.RequiredResources.RAMMB
	}
	for _, w := range workers {
		w.mu.Lock()
		total.JobSlots += w.availableResources.JobSlots
		total.CPUs += w.availableResources.CPUs
		total.RAMMB += w.availableResources.RAMMB
		w.mu.Unlock()
	}
	return used, total
}

// CleanFunc is invoked once per job removed by CleanJobs, so callers can
// archive it (see internal/history) before it disappears from memory.
type CleanFunc func(protocol.JobInfo)

// CleanJobs drops terminal jobs (Finished, Canceled, Failed) from the
// manager. If all is true, every non-terminal job is additionally
// force-canceled first — Running jobs get a KillJob sent to their worker —
// and then removed along with the rest.
func (m *Manager) CleanJobs(all bool, onRemove CleanFunc) int {
	m.mu.Lock()
	var toRemove, toForceCancel []uint64
	for id, job := range m.jobs {
		if job.isTerminal() {
			toRemove = append(toRemove, id)
		} else if all {
			toForceCancel = append(toForceCancel, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toForceCancel {
		workerID, wasRunning := m.CancelJob(id, "cleaned")
		if wasRunning {
			if w, ok := m.GetWorker(workerID); ok {
				if job, ok := m.GetJob(id); ok {
					_ = w.Send(workerID, protocol.TypeKillJob, protocol.JobOfferMessage{Job: job.Info()})
				}
			}
		}
		toRemove = append(toRemove, id)
	}

	for _, id := range toRemove {
		job, ok := m.GetJob(id)
		if !ok {
			continue
		}
		if onRemove != nil {
			onRemove(job.Info())
		}
		m.mu.Lock()
		delete(m.jobs, id)
		m.mu.Unlock()
	}
	return len(toRemove)
}

// RunMaintenance reaps workers that have not been heard from within
// StaleAfter, returning their offered and running jobs to the waiting set
// exactly as RemoveWorker does for an explicit disconnect.
func (m *Manager) RunMaintenance() {
	m.mu.Lock()
	var stale []uint64
	now := time.Now()
	for id, w := range m.workers {
		w.mu.Lock()
		lastSeen := w.lastSeenAt
		w.mu.Unlock()
		if now.Sub(lastSeen) > StaleAfter {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.RemoveWorker(id)
	}
}

// DefaultMaintenanceSchedule runs RunMaintenance every five minutes.
const DefaultMaintenanceSchedule = "*/5 * * * *"

// StartMaintenance runs RunMaintenance on a standard 5-field cron schedule
// (e.g. DefaultMaintenanceSchedule) until the returned stop func is called.
func (m *Manager) StartMaintenance(schedule string) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, m.RunMaintenance); err != nil {
		return nil, fmt.Errorf("parse maintenance schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// String is used for log lines that report manager-wide state.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("jobs=%d waiting=%d workers=%d", len(m.jobs), len(m.waiting), len(m.workers))
}
