// Package workerctl implements the worker-side controller: connecting to
// the server, negotiating job offers, spawning and supervising child
// processes, and reporting resources and job status back.
package workerctl

import "sync"

// Pool is a counting semaphore over a fixed number of job slots, backed by
// a buffered channel rather than a plain mutex-guarded counter: each
// buffered token is one free slot, so Acquire/Release reduce to a
// non-blocking receive/send instead of hand-rolled bookkeeping.
type Pool struct {
	tokens  chan struct{}
	maxJobs int

	mu             sync.Mutex
	onSlotsChanged func(available int)
}

// NewPool creates a pool with the given capacity, all slots initially free.
func NewPool(maxJobs int) *Pool {
	p := &Pool{
		tokens:  make(chan struct{}, maxJobs),
		maxJobs: maxJobs,
	}
	for i := 0; i < maxJobs; i++ {
		p.tokens <- struct{}{}
	}
	return p
}

// SetOnSlotsChanged registers a callback fired after every successful
// Acquire or Release, with the resulting available-slot count. Callers use
// this to push a fresh resource snapshot the instant local capacity moves,
// rather than waiting for the next periodic tick.
func (p *Pool) SetOnSlotsChanged(callback func(available int)) {
	p.mu.Lock()
	p.onSlotsChanged = callback
	p.mu.Unlock()
}

// Acquire tries to claim a job slot. Returns true if successful.
func (p *Pool) Acquire() bool {
	select {
	case <-p.tokens:
		p.notify()
		return true
	default:
		return false
	}
}

// Release returns a job slot to the pool. A Release with no matching
// Acquire is a no-op rather than overflowing past capacity.
func (p *Pool) Release() {
	select {
	case p.tokens <- struct{}{}:
		p.notify()
	default:
	}
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	return len(p.tokens)
}

// MaxJobs returns the pool capacity.
func (p *Pool) MaxJobs() int {
	return p.maxJobs
}

func (p *Pool) notify() {
	p.mu.Lock()
	callback := p.onSlotsChanged
	p.mu.Unlock()
	if callback != nil {
		callback(len(p.tokens))
	}
}
