package workerctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/kueue/internal/auth"
	"github.com/hochfrequenz/kueue/internal/protocol"
	"github.com/hochfrequenz/kueue/internal/resources"
	"github.com/hochfrequenz/kueue/internal/wire"
)

// Backoff defaults for reconnection, used when Config leaves the
// corresponding knobs zero.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

func calculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > max {
			return max
		}
	}
	return delay
}

// systemInfoInterval and resourceUpdateInterval govern how often the
// controller pushes fresh hardware/load and availability snapshots to the
// server without being prompted.
const (
	systemInfoInterval     = 30 * time.Second
	resourceUpdateInterval = 5 * time.Second
	acceptSweepInterval    = 5 * time.Second
)

// Config configures a Controller.
type Config struct {
	ServerAddr           string
	WorkerName           string
	Secret               string
	Budget               resources.Budget
	AcceptConfirmTimeout time.Duration

	// ReconnectInitial and ReconnectMax bound the exponential backoff
	// between reconnection attempts; zero values fall back to the package
	// defaults.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

func (c Config) reconnectBounds() (initial, max time.Duration) {
	initial, max = c.ReconnectInitial, c.ReconnectMax
	if initial <= 0 {
		initial = initialBackoff
	}
	if max <= 0 {
		max = maxBackoff
	}
	return initial, max
}

type acceptedJob struct {
	job        protocol.JobInfo
	acceptedAt time.Time
}

type runningJob struct {
	job    protocol.JobInfo
	cancel context.CancelFunc
}

// Controller is the Worker Controller: it owns the connection to the
// server, the job-slot pool, and every job this worker has accepted or is
// currently running.
type Controller struct {
	config   Config
	pool     *Pool
	executor *Executor
	probe    resources.Probe

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stream   *wire.Stream
	accepted map[uint64]*acceptedJob
	running  map[uint64]*runningJob

	jobs errgroup.Group // fans out one goroutine per running job; see runJob

	notifyJobStatus chan struct{}
	notifyResources chan struct{}
}

// New creates a worker controller. The context's lifetime bounds the
// controller's run loop; jobs it spawns are not canceled with it (see
// onConfirmJobOffer).
func New(ctx context.Context, config Config) *Controller {
	ctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		config:          config,
		pool:            NewPool(int(config.Budget.JobSlots)),
		executor:        NewExecutor(),
		ctx:             ctx,
		cancel:          cancel,
		accepted:        make(map[uint64]*acceptedJob),
		running:         make(map[uint64]*runningJob),
		notifyJobStatus: make(chan struct{}, 1),
		notifyResources: make(chan struct{}, 1),
	}
	// Every slot acquisition or release shifts local capacity; coalesce
	// that into the same notifyResources signal the run loop drains to
	// push a fresh snapshot, instead of waiting for the next periodic tick.
	c.pool.SetOnSlotsChanged(func(int) { c.signalResourcesChanged() })
	return c
}

func (c *Controller) signalResourcesChanged() {
	select {
	case c.notifyResources <- struct{}{}:
	default:
	}
}

// Stop ends the run loop. Running children are not auto-killed on shutdown
// (an orphaned child keeps running); callers that want a graceful drain
// should call Wait after Stop.
func (c *Controller) Stop() {
	c.cancel()
}

// Wait blocks until every job goroutine spawned by onConfirmJobOffer has
// returned, i.e. every child this worker started has exited and reported
// its final status.
func (c *Controller) Wait() error {
	return c.jobs.Wait()
}

// RunWithReconnect connects to the server and runs until the context is
// canceled, reconnecting with exponential backoff on any connection loss.
func (c *Controller) RunWithReconnect() {
	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		stream, err := c.connect()
		if err != nil {
			initial, max := c.config.reconnectBounds()
			delay := calculateBackoff(attempt, initial, max)
			log.Printf("worker: connect failed: %v, retrying in %v", err, delay)
			attempt++
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		log.Printf("worker: connected to %s", c.config.ServerAddr)
		if avail, err := resources.Available(c.ctx, c.config.Budget, c.allocated()); err == nil {
			log.Printf("worker: local resources: %s", resources.Describe(avail))
		}

		c.mu.Lock()
		c.stream = stream
		c.mu.Unlock()

		if err := c.run(stream); err != nil {
			log.Printf("worker: disconnected: %v", err)
		}
		stream.Conn().Close()

		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Controller) connect() (*wire.Stream, error) {
	conn, err := net.DialTimeout("tcp", c.config.ServerAddr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	stream := wire.New(conn)

	if err := stream.Send(protocol.Envelope{Type: protocol.TypeHelloFromWorker, Payload: protocol.HelloFromWorkerMessage{
		WorkerName: c.config.WorkerName,
	}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	var welcome protocol.EnvelopeRaw
	if err := stream.Receive(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("receive welcome: %w", err)
	}
	if welcome.Type != protocol.TypeWelcomeWorker {
		conn.Close()
		return nil, fmt.Errorf("unexpected message %q while waiting for welcome", welcome.Type)
	}

	var challengeEnv protocol.EnvelopeRaw
	if err := stream.Receive(&challengeEnv); err != nil {
		conn.Close()
		return nil, fmt.Errorf("receive auth challenge: %w", err)
	}
	var challenge protocol.AuthChallengeMessage
	if err := decodePayload(challengeEnv, &challenge); err != nil {
		conn.Close()
		return nil, err
	}

	response := auth.Respond(c.config.Secret, challenge.Salt)
	if err := stream.Send(protocol.Envelope{Type: protocol.TypeAuthResponse, Payload: protocol.AuthResponseMessage{Response: response}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth response: %w", err)
	}

	var acceptedEnv protocol.EnvelopeRaw
	if err := stream.Receive(&acceptedEnv); err != nil {
		conn.Close()
		return nil, fmt.Errorf("receive auth result: %w", err)
	}
	var acceptedMsg protocol.AuthAcceptedMessage
	if err := decodePayload(acceptedEnv, &acceptedMsg); err != nil {
		conn.Close()
		return nil, err
	}
	if !acceptedMsg.Accepted {
		conn.Close()
		return nil, fmt.Errorf("authentication rejected by server")
	}

	return stream, nil
}

func decodePayload(env protocol.EnvelopeRaw, v interface{}) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %q payload: %w", env.Type, err)
	}
	return nil
}

func (c *Controller) run(stream *wire.Stream) error {
	incoming := make(chan protocol.EnvelopeRaw)
	readErr := make(chan error, 1)
	go func() {
		for {
			var env protocol.EnvelopeRaw
			if err := stream.Receive(&env); err != nil {
				readErr <- err
				return
			}
			incoming <- env
		}
	}()

	systemInfoTicker := time.NewTicker(systemInfoInterval)
	defer systemInfoTicker.Stop()
	resourceTicker := time.NewTicker(resourceUpdateInterval)
	defer resourceTicker.Stop()
	sweepTicker := time.NewTicker(acceptSweepInterval)
	defer sweepTicker.Stop()

	c.sendSystemInfo(stream)
	c.sendResources(stream)

	for {
		select {
		case <-c.ctx.Done():
			// Graceful shutdown announces itself; running children are left
			// alone and keep executing past this process's exit.
			c.send(stream, protocol.TypeBye, nil)
			return nil
		case err := <-readErr:
			return err
		case env := <-incoming:
			if err := c.handleMessage(stream, env); err != nil {
				return err
			}
		case <-systemInfoTicker.C:
			c.sendSystemInfo(stream)
		case <-resourceTicker.C:
			c.sendResources(stream)
		case <-sweepTicker.C:
			c.sweepExpiredAccepted()
		case <-c.notifyResources:
			c.sendResources(stream)
		case <-c.notifyJobStatus:
			// Status changes are sent synchronously from the job goroutine
			// (see runJob); this case only drains the coalescing signal so
			// a send never blocks a job finishing concurrently with other
			// work in this loop.
		}
	}
}

func (c *Controller) handleMessage(stream *wire.Stream, env protocol.EnvelopeRaw) error {
	switch env.Type {
	case protocol.TypeOfferJob:
		var msg protocol.JobOfferMessage
		if err := decodePayload(env, &msg); err != nil {
			return err
		}
		c.onOfferJob(stream, msg.Job)

	case protocol.TypeConfirmJobOffer:
		var msg protocol.JobOfferMessage
		if err := decodePayload(env, &msg); err != nil {
			return err
		}
		c.onConfirmJobOffer(stream, msg.Job)

	case protocol.TypeWithdrawJobOffer:
		var msg protocol.JobOfferMessage
		if err := decodePayload(env, &msg); err != nil {
			return err
		}
		c.onWithdrawJobOffer(msg.Job.JobID)

	case protocol.TypeKillJob:
		var msg protocol.JobOfferMessage
		if err := decodePayload(env, &msg); err != nil {
			return err
		}
		c.onKillJob(msg.Job.JobID)

	case protocol.TypeBye:
		return fmt.Errorf("server closed connection")
	}
	return nil
}

// onOfferJob rejects the offer outright if the working directory doesn't
// exist (a filesystem validation failure, not an error worth logging
// loudly), otherwise accepts if a job slot is free and the job fits the
// freshly computed available CPU/RAM, or defers if either doesn't hold. The
// job slot is reserved for the lifetime of the acceptance (through running
// to completion) via c.pool, and released in onWithdrawJobOffer,
// sweepExpiredAccepted, or runJob's completion path.
func (c *Controller) onOfferJob(stream *wire.Stream, job protocol.JobInfo) {
	if info, err := os.Stat(job.Cwd); err != nil || !info.IsDir() {
		c.send(stream, protocol.TypeRejectJobOffer, protocol.JobOfferMessage{Job: job})
		return
	}

	// The snapshot is taken before this job's own slot is reserved, so it
	// reflects only the jobs already accepted or running.
	available, err := resources.Available(c.ctx, c.config.Budget, c.allocated())
	if err != nil {
		log.Printf("worker: failed to compute available resources: %v", err)
		c.send(stream, protocol.TypeDeferJobOffer, protocol.JobOfferMessage{Job: job})
		return
	}

	if !job.RequiredResources.Fits(available) || !c.pool.Acquire() {
		c.send(stream, protocol.TypeDeferJobOffer, protocol.JobOfferMessage{Job: job})
		return
	}

	c.mu.Lock()
	c.accepted[job.JobID] = &acceptedJob{job: job, acceptedAt: time.Now()}
	c.mu.Unlock()

	c.send(stream, protocol.TypeAcceptJobOffer, protocol.JobOfferMessage{Job: job})
}

func (c *Controller) onWithdrawJobOffer(jobID uint64) {
	c.mu.Lock()
	_, ok := c.accepted[jobID]
	delete(c.accepted, jobID)
	c.mu.Unlock()
	if ok {
		c.pool.Release()
	}
}

func (c *Controller) onConfirmJobOffer(stream *wire.Stream, job protocol.JobInfo) {
	c.mu.Lock()
	_, wasAccepted := c.accepted[job.JobID]
	delete(c.accepted, job.JobID)
	c.mu.Unlock()
	if !wasAccepted {
		return // offer already expired or withdrawn; nothing to confirm
	}

	// Deliberately not derived from c.ctx: controller shutdown must not kill
	// running children (they continue, possibly orphaned). Only an explicit
	// KillJob cancels this context.
	jobCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.running[job.JobID] = &runningJob{job: job, cancel: cancel}
	c.mu.Unlock()

	// The server must see the new load right away, not after the next
	// periodic tick; it factors into whether this worker is offered more
	// work while the job runs.
	c.sendResources(stream)

	c.jobs.Go(func() error {
		c.runJob(stream, jobCtx, job)
		return nil
	})
}

func (c *Controller) onKillJob(jobID uint64) {
	c.mu.Lock()
	rj, ok := c.running[jobID]
	c.mu.Unlock()
	if ok {
		rj.cancel() // signal only; stays in c.running until runJob reports its result
	}
}

func (c *Controller) runJob(stream *wire.Stream, ctx context.Context, job protocol.JobInfo) {
	result := c.executor.RunJob(ctx, Job{ID: job.JobID, Cmd: job.Cmd, Cwd: job.Cwd}, nil)

	c.mu.Lock()
	delete(c.running, job.JobID)
	c.mu.Unlock()
	c.pool.Release()

	stdout := result.Stdout
	stderr := result.Stderr

	// A job whose context was canceled was killed on the server's request;
	// it reports Canceled rather than Finished so the server's authoritative
	// record keeps the cancellation.
	updatedStatus := protocol.JobStatus{
		Kind:           protocol.JobFinished,
		WorkerID:       job.Status.WorkerID,
		ReturnCode:     result.ExitCode,
		RunTimeSeconds: result.RunTimeSeconds,
		Comment:        result.Comment,
	}
	if ctx.Err() != nil {
		updatedStatus = protocol.JobStatus{
			Kind:     protocol.JobCanceled,
			WorkerID: job.Status.WorkerID,
			Reason:   "killed on server request",
		}
	}
	job.Status = updatedStatus

	c.send(stream, protocol.TypeUpdateJobStatus, protocol.UpdateJobStatusMessage{Job: job})
	c.send(stream, protocol.TypeUpdateJobResults, protocol.UpdateJobResultsMessage{
		JobID: job.JobID, Stdout: &stdout, Stderr: &stderr,
	})

	select {
	case c.notifyJobStatus <- struct{}{}:
	default:
	}
}

func (c *Controller) sweepExpiredAccepted() {
	if c.config.AcceptConfirmTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	expired := 0
	for id, a := range c.accepted {
		if now.Sub(a.acceptedAt) > c.config.AcceptConfirmTimeout {
			log.Printf("worker: dropping accepted job %d: no confirmation within %v", id, c.config.AcceptConfirmTimeout)
			delete(c.accepted, id)
			expired++
		}
	}
	for i := 0; i < expired; i++ {
		c.pool.Release()
	}
}

// allocated sums committed job-slots (from the pool) plus the CPU/RAM of
// every accepted and running job (which the pool does not track).
func (c *Controller) allocated() resources.Allocated {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := resources.Allocated{JobSlots: uint64(c.pool.MaxJobs() - c.pool.Available())}
	for _, j := range c.accepted {
		a.CPUs += j.job.RequiredResources.CPUs
		a.RAMMB += j.job.RequiredResources.RAMMB
	}
	for _, j := range c.running {
		a.CPUs += j.job.RequiredResources.CPUs
		a.RAMMB += j.job.RequiredResources.RAMMB
	}
	return a
}

func (c *Controller) sendSystemInfo(stream *wire.Stream) {
	si, err := c.probe.SystemInfo(c.ctx)
	if err != nil {
		log.Printf("worker: failed to read system info: %v", err)
		return
	}
	c.send(stream, protocol.TypeUpdateSystemInfo, protocol.UpdateSystemInfoMessage{SystemInfo: si})
}

func (c *Controller) sendResources(stream *wire.Stream) {
	available, err := resources.Available(c.ctx, c.config.Budget, c.allocated())
	if err != nil {
		log.Printf("worker: failed to compute available resources: %v", err)
		return
	}
	c.send(stream, protocol.TypeUpdateResources, protocol.UpdateResourcesMessage{Resources: available})
}

func (c *Controller) send(stream *wire.Stream, msgType string, payload interface{}) {
	if err := stream.Send(protocol.Envelope{Type: msgType, Payload: payload}); err != nil {
		log.Printf("worker: failed to send %s: %v", msgType, err)
	}
}
