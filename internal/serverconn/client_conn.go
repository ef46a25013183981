package serverconn

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/hochfrequenz/kueue/internal/manager"
	"github.com/hochfrequenz/kueue/internal/protocol"
	"github.com/hochfrequenz/kueue/internal/wire"
)

// clientConn serves one connected client: operations mapped 1:1 from the
// client protocol onto manager.Manager calls, plus ObserveJob's
// forwarding of a job's subsequent status/result updates.
type clientConn struct {
	mgr            *manager.Manager
	stream         *wire.Stream
	onCleanJob     manager.CleanFunc
	onHistoryQuery func(limit int) ([]protocol.JobInfo, error)

	mu        sync.Mutex
	observers map[uint64]func() // jobID -> unsubscribe, for active ObserveJob requests
}

func newClientConn(mgr *manager.Manager, stream *wire.Stream, onCleanJob manager.CleanFunc, onHistoryQuery func(limit int) ([]protocol.JobInfo, error)) *clientConn {
	return &clientConn{
		mgr:            mgr,
		stream:         stream,
		onCleanJob:     onCleanJob,
		onHistoryQuery: onHistoryQuery,
		observers:      make(map[uint64]func()),
	}
}

func (cc *clientConn) send(msgType string, payload interface{}) error {
	return cc.stream.Send(protocol.Envelope{Type: msgType, Payload: payload})
}

func (cc *clientConn) run(ctx context.Context) {
	defer func() {
		cc.mu.Lock()
		for _, cancel := range cc.observers {
			cancel()
		}
		cc.mu.Unlock()
	}()

	incoming := make(chan protocol.EnvelopeRaw)
	readErr := make(chan error, 1)
	go func() {
		for {
			var env protocol.EnvelopeRaw
			if err := cc.stream.Receive(&env); err != nil {
				readErr <- err
				return
			}
			incoming <- env
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = cc.send(protocol.TypeBye, nil)
			return

		case err := <-readErr:
			if err != wire.ErrClosed {
				log.Printf("server: client read error: %v", err)
			}
			return

		case env := <-incoming:
			if cc.handleMessage(ctx, env) {
				return
			}
		}
	}
}

// handleMessage dispatches one client message. It returns true only for
// Bye. As with worker messages, a malformed payload is logged and ignored
// rather than killing the connection.
func (cc *clientConn) handleMessage(ctx context.Context, env protocol.EnvelopeRaw) (bye bool) {
	switch env.Type {
	case protocol.TypeIssueJob:
		var msg protocol.IssueJobMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: client: %v", err)
			return false
		}
		cc.onIssueJob(msg)

	case protocol.TypeListJobs:
		var msg protocol.ListJobsMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: client: %v", err)
			return false
		}
		cc.onListJobs(msg)

	case protocol.TypeShowJob:
		var msg protocol.ShowJobMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: client: %v", err)
			return false
		}
		cc.onShowJob(msg)

	case protocol.TypeObserveJob:
		var msg protocol.ObserveJobMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: client: %v", err)
			return false
		}
		cc.onObserveJob(ctx, msg.JobID)

	case protocol.TypeRemoveJob:
		var msg protocol.RemoveJobMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: client: %v", err)
			return false
		}
		cc.onRemoveJob(msg)

	case protocol.TypeCleanJobs:
		var msg protocol.CleanJobsMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: client: %v", err)
			return false
		}
		cc.onCleanJobs(msg)

	case protocol.TypeListWorkers:
		cc.onListWorkers()

	case protocol.TypeShowWorker:
		var msg protocol.ShowWorkerMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: client: %v", err)
			return false
		}
		cc.onShowWorker(msg)

	case protocol.TypeListResources:
		cc.onListResources()

	case protocol.TypeBye:
		return true

	default:
		log.Printf("server: client: unexpected message %q, ignoring", env.Type)
	}
	return false
}

func (cc *clientConn) onIssueJob(msg protocol.IssueJobMessage) {
	if len(msg.Cmd) == 0 {
		_ = cc.send(protocol.TypeRejectJob, protocol.RejectJobMessage{Reason: "cmd must not be empty"})
		return
	}
	job := cc.mgr.AddJob(msg.Cmd, msg.Cwd, msg.RequiredResources)
	_ = cc.send(protocol.TypeAcceptJob, protocol.AcceptJobMessage{Job: job.Info()})
}

func (cc *clientConn) onListJobs(msg protocol.ListJobsMessage) {
	if msg.History {
		cc.onListJobsFromHistory(msg)
		return
	}

	jobs, counts := cc.mgr.ListJobs(msg.Filter, int(msg.NumJobs))
	avg, eta := cc.mgr.AvgRuntimeAndETA()
	_ = cc.send(protocol.TypeJobList, protocol.JobListMessage{
		Jobs:              jobs,
		Counts:            counts,
		AvgRuntimeSeconds: avg,
		ETASeconds:        eta,
	})
}

// onListJobsFromHistory serves the archived-job side of Open Question (a):
// jobs already dropped from the manager's live map by a prior CleanJobs.
// Counts/avg/ETA are meaningless over an arbitrary historical slice, so they
// come back zeroed.
func (cc *clientConn) onListJobsFromHistory(msg protocol.ListJobsMessage) {
	if cc.onHistoryQuery == nil {
		_ = cc.send(protocol.TypeJobList, protocol.JobListMessage{})
		return
	}

	limit := int(msg.NumJobs)
	if limit <= 0 {
		limit = 100
	}
	jobs, err := cc.onHistoryQuery(limit)
	if err != nil {
		log.Printf("server: history query failed: %v", err)
		_ = cc.send(protocol.TypeRequestResponse, protocol.RequestResponseMessage{Success: false, Text: "history query failed"})
		return
	}
	_ = cc.send(protocol.TypeJobList, protocol.JobListMessage{Jobs: jobs})
}

func (cc *clientConn) onShowJob(msg protocol.ShowJobMessage) {
	job, ok := cc.mgr.GetJob(msg.JobID)
	if !ok {
		_ = cc.send(protocol.TypeRequestResponse, protocol.RequestResponseMessage{Success: false, Text: fmt.Sprintf("job %d not found", msg.JobID)})
		return
	}
	stdout, stderr, _ := cc.mgr.JobResults(msg.JobID)
	_ = cc.send(protocol.TypeJobInfo, protocol.JobInfoMessage{Job: job.Info(), Stdout: &stdout, Stderr: &stderr})
}

// onObserveJob subscribes to every subsequent status update for jobID and
// forwards each as JobUpdated until the job reaches a terminal state, the
// client disconnects (ctx done), or the subscription is replaced by a
// second ObserveJob for the same id.
func (cc *clientConn) onObserveJob(ctx context.Context, jobID uint64) {
	job, ok := cc.mgr.GetJob(jobID)
	if !ok {
		_ = cc.send(protocol.TypeRequestResponse, protocol.RequestResponseMessage{Success: false, Text: fmt.Sprintf("job %d not found", jobID)})
		return
	}

	updates, cancel := job.Subscribe()

	cc.mu.Lock()
	if old, exists := cc.observers[jobID]; exists {
		old()
	}
	cc.observers[jobID] = cancel
	cc.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			cc.mu.Lock()
			if cc.observers[jobID] != nil {
				delete(cc.observers, jobID)
			}
			cc.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case status, open := <-updates:
				if !open {
					return
				}
				info := job.Info()
				info.Status = status
				if err := cc.send(protocol.TypeJobUpdated, protocol.JobUpdatedMessage{Job: info}); err != nil {
					return
				}
				if isTerminalStatusKind(status.Kind) {
					return
				}
			}
		}
	}()
}

func isTerminalStatusKind(k protocol.JobStatusKind) bool {
	switch k {
	case protocol.JobFinished, protocol.JobCanceled, protocol.JobFailed:
		return true
	default:
		return false
	}
}

// onRemoveJob implements client-initiated job removal, forwarding a
// KillJob to the owning worker when the manager reports one is needed.
func (cc *clientConn) onRemoveJob(msg protocol.RemoveJobMessage) {
	info, workerID, needsKill, rejectReason, removed := cc.mgr.RemoveJob(msg.JobID, msg.Kill)
	if !removed {
		_ = cc.send(protocol.TypeRequestResponse, protocol.RequestResponseMessage{Success: false, Text: rejectReason})
		return
	}

	if needsKill && workerID != 0 {
		if w, ok := cc.mgr.GetWorker(workerID); ok {
			if err := w.Send(workerID, protocol.TypeKillJob, protocol.JobOfferMessage{Job: info}); err != nil {
				log.Printf("server: failed to send kill_job to worker %d: %v", workerID, err)
			}
		}
	}

	_ = cc.send(protocol.TypeRequestResponse, protocol.RequestResponseMessage{
		Success: true,
		Text:    fmt.Sprintf("removed job %d", msg.JobID),
	})
}

func (cc *clientConn) onCleanJobs(msg protocol.CleanJobsMessage) {
	removed := cc.mgr.CleanJobs(msg.All, cc.onCleanJob)
	_ = cc.send(protocol.TypeRequestResponse, protocol.RequestResponseMessage{
		Success: true,
		Text:    fmt.Sprintf("removed %d job(s)", removed),
	})
}

func (cc *clientConn) onListWorkers() {
	_ = cc.send(protocol.TypeWorkerList, protocol.WorkerListMessage{Workers: cc.mgr.ListWorkers()})
}

func (cc *clientConn) onShowWorker(msg protocol.ShowWorkerMessage) {
	w, ok := cc.mgr.GetWorker(msg.WorkerID)
	if !ok {
		_ = cc.send(protocol.TypeRequestResponse, protocol.RequestResponseMessage{Success: false, Text: fmt.Sprintf("worker %d not found", msg.WorkerID)})
		return
	}
	_ = cc.send(protocol.TypeWorkerInfo, protocol.WorkerInfoMessage{Worker: w.Info()})
}

func (cc *clientConn) onListResources() {
	used, total := cc.mgr.ListResources()
	_ = cc.send(protocol.TypeResourceList, protocol.ResourceListMessage{Used: &used, Total: &total})
}
