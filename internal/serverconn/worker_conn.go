package serverconn

import (
	"context"
	"log"
	"sync"

	"github.com/hochfrequenz/kueue/internal/manager"
	"github.com/hochfrequenz/kueue/internal/protocol"
	"github.com/hochfrequenz/kueue/internal/wire"
)

// workerConn serves one connected worker, owning the conversation with that
// worker and the view of which jobs are currently offered to or running on
// it.
type workerConn struct {
	mgr    *manager.Manager
	stream *wire.Stream
	worker *manager.Worker

	mu          sync.Mutex
	offeredHere map[uint64]bool
	runningHere map[uint64]bool
	// rejected is sticky for the whole session; deferred is cleared whenever
	// the worker reports more resources, since a deferred job may fit then.
	// A new connection starts with both empty.
	rejected      map[uint64]bool
	deferred      map[uint64]bool
	lastResources protocol.Resources
}

func newWorkerConn(mgr *manager.Manager, stream *wire.Stream, name string) *workerConn {
	wc := &workerConn{
		mgr:         mgr,
		stream:      stream,
		offeredHere: make(map[uint64]bool),
		runningHere: make(map[uint64]bool),
		rejected:    make(map[uint64]bool),
		deferred:    make(map[uint64]bool),
	}
	wc.worker = mgr.AddWorker(name, wc.sendTo)
	return wc
}

// sendTo implements manager.SendFunc; the workerID parameter is unused
// beyond matching the signature since a workerConn only ever sends to the
// one worker it owns.
func (wc *workerConn) sendTo(_ uint64, msgType string, payload interface{}) error {
	return wc.send(msgType, payload)
}

func (wc *workerConn) send(msgType string, payload interface{}) error {
	return wc.stream.Send(protocol.Envelope{Type: msgType, Payload: payload})
}

// run is the Worker Connection's main loop: on each iteration it waits for
// either an incoming worker message, the manager's NewJobsSignal, or
// cancellation.
func (wc *workerConn) run(ctx context.Context) {
	log.Printf("server: worker %d (%q) connected", wc.worker.WorkerID, wc.worker.WorkerName)
	defer func() {
		wc.mgr.RemoveWorker(wc.worker.WorkerID)
		log.Printf("server: worker %d (%q) disconnected", wc.worker.WorkerID, wc.worker.WorkerName)
	}()

	incoming := make(chan protocol.EnvelopeRaw)
	readErr := make(chan error, 1)
	go func() {
		for {
			var env protocol.EnvelopeRaw
			if err := wc.stream.Receive(&env); err != nil {
				readErr <- err
				return
			}
			incoming <- env
		}
	}()

	newJobs := wc.mgr.NewJobsSignal()
	wc.drainOffers()

	for {
		select {
		case <-ctx.Done():
			_ = wc.send(protocol.TypeBye, nil)
			return

		case err := <-readErr:
			if err != wire.ErrClosed {
				log.Printf("server: worker %d read error: %v", wc.worker.WorkerID, err)
			}
			return

		case <-newJobs:
			newJobs = wc.mgr.NewJobsSignal()
			wc.drainOffers()

		case env, ok := <-incoming:
			if !ok {
				return
			}
			if bye := wc.handleMessage(env); bye {
				return
			}
			// UpdateResources may have just changed what fits; re-read the
			// signal in case the manager coalesced it with our own drain.
			newJobs = wc.mgr.NewJobsSignal()
			wc.drainOffers()
		}
	}
}

func (wc *workerConn) excludeSnapshot() map[uint64]bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	cp := make(map[uint64]bool, len(wc.rejected)+len(wc.deferred))
	for id := range wc.rejected {
		cp[id] = true
	}
	for id := range wc.deferred {
		cp[id] = true
	}
	return cp
}

// drainOffers offers waiting jobs to this worker in FIFO order. The worker
// is a candidate only while its last report shows free job slots, and no
// more offers are kept in flight than those slots; whether CPU/RAM fit is
// the worker's call, made against a fresh snapshot when the offer arrives.
func (wc *workerConn) drainOffers() {
	for {
		wc.mu.Lock()
		freeSlots := wc.lastResources.JobSlots
		outstanding := uint64(len(wc.offeredHere))
		wc.mu.Unlock()
		if freeSlots == 0 || outstanding >= freeSlots {
			return
		}

		job, ok := wc.mgr.PickJobForWorker(wc.worker.WorkerID, wc.excludeSnapshot())
		if !ok {
			return
		}

		wc.mu.Lock()
		wc.offeredHere[job.JobID] = true
		wc.mu.Unlock()

		if err := wc.send(protocol.TypeOfferJob, protocol.JobOfferMessage{Job: job.Info()}); err != nil {
			log.Printf("server: worker %d: failed to send offer for job %d: %v", wc.worker.WorkerID, job.JobID, err)
			return
		}
	}
}

// handleMessage dispatches one message by kind. It returns true only for
// Bye, telling run to close the connection; any other message, including
// one whose payload fails to decode, is logged and otherwise ignored so a
// single malformed message never kills the connection.
func (wc *workerConn) handleMessage(env protocol.EnvelopeRaw) (bye bool) {
	wc.mgr.TouchWorker(wc.worker.WorkerID)

	switch env.Type {
	case protocol.TypeUpdateSystemInfo:
		var msg protocol.UpdateSystemInfoMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: worker %d: %v", wc.worker.WorkerID, err)
			return false
		}
		wc.mgr.UpdateWorkerSystemInfo(wc.worker.WorkerID, msg.SystemInfo)

	case protocol.TypeUpdateResources:
		var msg protocol.UpdateResourcesMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: worker %d: %v", wc.worker.WorkerID, err)
			return false
		}
		wc.mu.Lock()
		increased := msg.Resources.JobSlots > wc.lastResources.JobSlots ||
			msg.Resources.CPUs > wc.lastResources.CPUs ||
			msg.Resources.RAMMB > wc.lastResources.RAMMB
		wc.lastResources = msg.Resources
		if increased {
			// Deferred offers were turned down for lack of room at the time;
			// with more resources available they are fair game again.
			// Rejections stay sticky for the session.
			wc.deferred = make(map[uint64]bool)
		}
		wc.mu.Unlock()
		wc.mgr.UpdateWorkerResources(wc.worker.WorkerID, msg.Resources)

	case protocol.TypeAcceptJobOffer:
		var msg protocol.JobOfferMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: worker %d: %v", wc.worker.WorkerID, err)
			return false
		}
		wc.onAcceptJobOffer(msg.Job.JobID)

	case protocol.TypeDeferJobOffer:
		var msg protocol.JobOfferMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: worker %d: %v", wc.worker.WorkerID, err)
			return false
		}
		wc.onTurnDown(msg.Job.JobID, false)

	case protocol.TypeRejectJobOffer:
		var msg protocol.JobOfferMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: worker %d: %v", wc.worker.WorkerID, err)
			return false
		}
		wc.onTurnDown(msg.Job.JobID, true)

	case protocol.TypeUpdateJobStatus:
		var msg protocol.UpdateJobStatusMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: worker %d: %v", wc.worker.WorkerID, err)
			return false
		}
		wc.mgr.ApplyWorkerStatus(msg.Job.JobID, wc.worker.WorkerID, msg.Job.Status)

	case protocol.TypeUpdateJobResults:
		var msg protocol.UpdateJobResultsMessage
		if err := decodePayload(env, &msg); err != nil {
			log.Printf("server: worker %d: %v", wc.worker.WorkerID, err)
			return false
		}
		wc.mgr.AppendJobResults(msg.JobID, msg.Stdout, msg.Stderr)

	case protocol.TypeBye:
		return true

	default:
		log.Printf("server: worker %d: unexpected message %q, ignoring", wc.worker.WorkerID, env.Type)
	}
	return false
}

// onAcceptJobOffer honors an AcceptJobOffer only if the job is still
// Offered to this worker; a concurrent client-side RemoveJob may have
// already withdrawn it, in which case the reply is WithdrawJobOffer rather
// than ConfirmJobOffer.
func (wc *workerConn) onAcceptJobOffer(jobID uint64) {
	wc.mu.Lock()
	delete(wc.offeredHere, jobID)
	wc.runningHere[jobID] = true
	wc.mu.Unlock()

	if !wc.mgr.TryConfirmOffer(jobID, wc.worker.WorkerID) {
		wc.mu.Lock()
		delete(wc.runningHere, jobID)
		wc.mu.Unlock()
		// The accept must still be answered even if the job was removed
		// outright in the meantime; the worker only needs the id to drop its
		// pending acceptance.
		withdrawn := protocol.JobInfo{JobID: jobID}
		if job, ok := wc.mgr.GetJob(jobID); ok {
			withdrawn = job.Info()
		}
		_ = wc.send(protocol.TypeWithdrawJobOffer, protocol.JobOfferMessage{Job: withdrawn})
		return
	}

	if job, ok := wc.mgr.GetJob(jobID); ok {
		_ = wc.send(protocol.TypeConfirmJobOffer, protocol.JobOfferMessage{Job: job.Info()})
	}
}

// onTurnDown handles both DeferJobOffer and RejectJobOffer: the job returns
// to Pending and the id is excluded so the same worker isn't immediately
// re-offered something it just turned down. A rejection is sticky for the
// session; a deferral only holds until the worker reports more resources.
func (wc *workerConn) onTurnDown(jobID uint64, sticky bool) {
	wc.mu.Lock()
	delete(wc.offeredHere, jobID)
	if sticky {
		wc.rejected[jobID] = true
	} else {
		wc.deferred[jobID] = true
	}
	wc.mu.Unlock()

	wc.mgr.ReturnToWaiting(jobID)
}
