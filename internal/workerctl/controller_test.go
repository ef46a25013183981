package workerctl

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hochfrequenz/kueue/internal/protocol"
	"github.com/hochfrequenz/kueue/internal/resources"
	"github.com/hochfrequenz/kueue/internal/wire"
)

func receiveEnvelope(t *testing.T, conn net.Conn) protocol.EnvelopeRaw {
	t.Helper()
	s := wire.New(conn)
	var env protocol.EnvelopeRaw
	if err := s.Receive(&env); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return env
}

func TestOnOfferJob_RejectsMissingCwd(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	c := New(context.Background(), Config{Budget: resources.Budget{JobSlots: 1}})
	stream := wire.New(serverConn)

	job := protocol.JobInfo{JobID: 1, Cmd: []string{"true"}, Cwd: "/no/such/dir"}

	go c.onOfferJob(stream, job)

	env := receiveEnvelope(t, clientConn)
	if env.Type != protocol.TypeRejectJobOffer {
		t.Errorf("got type=%q, want %q", env.Type, protocol.TypeRejectJobOffer)
	}
}

func TestOnOfferJob_DefersWhenNoSlots(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	c := New(context.Background(), Config{Budget: resources.Budget{JobSlots: 0}})
	stream := wire.New(serverConn)

	job := protocol.JobInfo{JobID: 1, Cmd: []string{"true"}, Cwd: os.TempDir()}
	go c.onOfferJob(stream, job)

	env := receiveEnvelope(t, clientConn)
	if env.Type != protocol.TypeDeferJobOffer {
		t.Errorf("got type=%q, want %q", env.Type, protocol.TypeDeferJobOffer)
	}
}

func TestOnOfferJob_AcceptsWhenRoomAndFits(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	c := New(context.Background(), Config{Budget: resources.Budget{JobSlots: 1, CPUs: 4, RAMMB: 4000}})
	stream := wire.New(serverConn)

	job := protocol.JobInfo{
		JobID:             1,
		Cmd:               []string{"true"},
		Cwd:               os.TempDir(),
		RequiredResources: protocol.Resources{JobSlots: 1, CPUs: 1, RAMMB: 100},
	}
	go c.onOfferJob(stream, job)

	env := receiveEnvelope(t, clientConn)
	if env.Type != protocol.TypeAcceptJobOffer {
		t.Fatalf("got type=%q, want %q", env.Type, protocol.TypeAcceptJobOffer)
	}

	c.mu.Lock()
	_, ok := c.accepted[1]
	c.mu.Unlock()
	if !ok {
		t.Error("expected job to be tracked as accepted")
	}
	if c.pool.Available() != 0 {
		t.Errorf("got pool available=%d, want 0 after acceptance", c.pool.Available())
	}
}

func TestOnConfirmJobOffer_SendsResourcesImmediately(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	c := New(context.Background(), Config{Budget: resources.Budget{JobSlots: 1, CPUs: 4, RAMMB: 4000}})
	stream := wire.New(serverConn)

	job := protocol.JobInfo{
		JobID:             1,
		Cmd:               []string{"true"},
		Cwd:               os.TempDir(),
		RequiredResources: protocol.Resources{JobSlots: 1, CPUs: 1, RAMMB: 100},
	}
	c.accepted[1] = &acceptedJob{job: job, acceptedAt: time.Now()}

	go c.onConfirmJobOffer(stream, job)

	// The worker must push an UpdateResources the moment the offer is
	// confirmed, before waiting on the child to finish.
	env := receiveEnvelope(t, clientConn)
	if env.Type != protocol.TypeUpdateResources {
		t.Fatalf("got type=%q, want %q sent immediately on confirm", env.Type, protocol.TypeUpdateResources)
	}

	c.mu.Lock()
	_, accepted := c.accepted[1]
	_, running := c.running[1]
	c.mu.Unlock()
	if accepted {
		t.Error("expected job to no longer be tracked as accepted after confirm")
	}
	if !running {
		t.Error("expected job to be tracked as running after confirm")
	}
}

func TestOnWithdrawJobOffer_ReleasesSlot(t *testing.T) {
	c := New(context.Background(), Config{Budget: resources.Budget{JobSlots: 1}})
	c.pool.Acquire()
	c.accepted[1] = &acceptedJob{job: protocol.JobInfo{JobID: 1}, acceptedAt: time.Now()}

	c.onWithdrawJobOffer(1)

	if c.pool.Available() != 1 {
		t.Errorf("got available=%d, want 1 after withdraw", c.pool.Available())
	}
	if _, ok := c.accepted[1]; ok {
		t.Error("expected accepted job to be removed")
	}
}

func TestSweepExpiredAccepted_ReleasesSlots(t *testing.T) {
	c := New(context.Background(), Config{Budget: resources.Budget{JobSlots: 2}, AcceptConfirmTimeout: 10 * time.Millisecond})
	c.pool.Acquire()
	c.accepted[1] = &acceptedJob{job: protocol.JobInfo{JobID: 1}, acceptedAt: time.Now().Add(-time.Second)}

	c.sweepExpiredAccepted()

	if _, ok := c.accepted[1]; ok {
		t.Error("expected expired accepted job to be dropped")
	}
	if c.pool.Available() != 2 {
		t.Errorf("got available=%d, want 2 after sweep releases the slot", c.pool.Available())
	}
}

func TestOnKillJob_CancelsRunningContext(t *testing.T) {
	c := New(context.Background(), Config{Budget: resources.Budget{JobSlots: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	c.running[1] = &runningJob{job: protocol.JobInfo{JobID: 1}, cancel: cancel}

	c.onKillJob(1)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("expected KillJob to cancel the running job's context")
	}

	// The job stays tracked as running until runJob itself reports completion.
	if _, ok := c.running[1]; !ok {
		t.Error("expected job to remain tracked as running until it actually finishes")
	}
}

func TestCalculateBackoff_CapsAtMax(t *testing.T) {
	if got := calculateBackoff(0, initialBackoff, maxBackoff); got != initialBackoff {
		t.Errorf("got %v, want %v", got, initialBackoff)
	}
	if got := calculateBackoff(1, initialBackoff, maxBackoff); got != initialBackoff*backoffFactor {
		t.Errorf("got %v, want %v", got, initialBackoff*backoffFactor)
	}
	if got := calculateBackoff(20, initialBackoff, maxBackoff); got != maxBackoff {
		t.Errorf("got %v, want capped at %v", got, maxBackoff)
	}
}

func TestRunJob_KilledJobReportsCanceled(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	c := New(context.Background(), Config{Budget: resources.Budget{JobSlots: 1}})
	stream := wire.New(serverConn)

	job := protocol.JobInfo{
		JobID:  1,
		Cmd:    []string{"sh", "-c", "sleep 30"},
		Cwd:    os.TempDir(),
		Status: protocol.JobStatus{Kind: protocol.JobRunning, WorkerID: 3},
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running[1] = &runningJob{job: job, cancel: cancel}

	go func() {
		time.Sleep(50 * time.Millisecond)
		c.onKillJob(1)
	}()
	go c.runJob(stream, ctx, job)

	env := receiveEnvelope(t, clientConn)
	if env.Type != protocol.TypeUpdateJobStatus {
		t.Fatalf("got type=%q, want %q", env.Type, protocol.TypeUpdateJobStatus)
	}
	var msg protocol.UpdateJobStatusMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Job.Status.Kind != protocol.JobCanceled {
		t.Errorf("got status=%v, want canceled for a killed job", msg.Job.Status.Kind)
	}
	if msg.Job.Status.WorkerID != 3 {
		t.Errorf("got worker_id=%d, want 3 preserved from the running status", msg.Job.Status.WorkerID)
	}
}
