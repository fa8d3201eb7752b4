// Package lockregistry implements the distributed named lock: mutual
// exclusion by string name, held for the lifetime of a client-server
// stream. See SPEC_FULL.md §4.1.
package lockregistry

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edirooss/azsync-server/internal/rpctransport"
)

// entry is a named mutex plus the bookkeeping needed to reclaim it once
// nobody references it. refs counts current acquirers and waiters; the
// entry is removed from the registry's table once refs drops to zero,
// under the registry-wide lock, per SPEC_FULL.md §5's race note.
type entry struct {
	name string
	mu   sync.Mutex // the exported lock itself
	refs int        // acquirers + waiters referencing this entry
}

// Stats mirrors the observability counters named in SPEC_FULL.md §4.1.
type Stats struct {
	Requests      uint64 `json:"requests"`
	AlreadyLocked uint64 `json:"already_locked"`
	TryFailed     uint64 `json:"try_failed"`
	Acquired      uint64 `json:"acquired"`
	Released      uint64 `json:"released"`
	Timeout       uint64 `json:"timeout"`
	Unexpected    uint64 `json:"unexpected"`
	Failed        uint64 `json:"failed"`
	FailedTimeout uint64 `json:"failed_timeout"`
	Exceptions    uint64 `json:"exceptions"`
}

// Counters is satisfied by internal/metrics; Registry calls it on every
// state transition instead of hand-rolling atomics for every field.
type Counters interface {
	IncRequests()
	IncAlreadyLocked()
	IncTryFailed()
	IncAcquired()
	IncReleased()
	IncTimeout()
	IncUnexpected()
	IncFailed()
	IncFailedTimeout()
	IncExceptions()
}

type noopCounters struct{}

func (noopCounters) IncRequests()      {}
func (noopCounters) IncAlreadyLocked() {}
func (noopCounters) IncTryFailed()     {}
func (noopCounters) IncAcquired()      {}
func (noopCounters) IncReleased()      {}
func (noopCounters) IncTimeout()       {}
func (noopCounters) IncUnexpected()    {}
func (noopCounters) IncFailed()        {}
func (noopCounters) IncFailedTimeout() {}
func (noopCounters) IncExceptions()    {}

// Registry maps lock name to entry. It is the server-side implementation of
// RPCLock in the source (azsync/lock.py).
type Registry struct {
	log      *zap.Logger
	counters Counters

	mu      sync.Mutex // registry-wide short lock (SPEC_FULL.md §5 level 1)
	entries map[string]*entry
	sf      singleflight.Group

	statsMu sync.Mutex
	stats   Stats
}

// New creates an empty lock registry. counters may be nil, in which case
// counters are tracked only via Stats().
func New(log *zap.Logger, counters Counters) *Registry {
	if counters == nil {
		counters = noopCounters{}
	}
	return &Registry{
		log:      log.Named("lockregistry"),
		counters: counters,
		entries:  make(map[string]*entry),
	}
}

// getOrCreate returns the entry for name, creating it if absent, and bumps
// its refcount. Callers must call release(e) exactly once when they stop
// referencing it (either because they never acquired the mutex, or because
// they released it).
func (r *Registry) getOrCreate(name string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		// singleflight collapses concurrent first-touches for the same name
		// onto one allocation; since we're already under r.mu the call
		// resolves synchronously, it only exists to dedupe trace/metrics,
		// not as a substitute for the mutex.
		v, _, _ := r.sf.Do(name, func() (any, error) {
			return &entry{name: name}, nil
		})
		e = v.(*entry)
		r.entries[name] = e
	}
	e.refs++
	return e
}

// release decrements e's refcount and drops it from the table if it was
// the last reference, re-validating under r.mu so a racing getOrCreate
// cannot observe a half-reclaimed entry.
func (r *Registry) release(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		if cur, ok := r.entries[e.name]; ok && cur == e {
			delete(r.entries, e.name)
		}
	}
}

// IsLocked reports whether a lock for name exists and is currently held.
// Absence of an entry is reported as false. This is the request/reply half
// of the RPC surface (SPEC_FULL.md §6, lock.is_locked).
func (r *Registry) IsLocked(name string) bool {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if e.mu.TryLock() {
		e.mu.Unlock()
		return false
	}
	return true
}

// AcquireResult is sent once as the first (and, on denial, only) value of
// a get_lock stream.
type AcquireResult struct {
	Acquired bool `json:"acquired"`
}

// GetLock implements the get_lock server stream: SPEC_FULL.md §4.1 steps
// 1-5. stream.Send(AcquireResult{...}) is called at most once with the
// outcome; nothing is sent if ctx ends while waiting for the mutex. If
// acquired, GetLock blocks holding the mutex until ctx is canceled (client
// close, heartbeat timeout, or caller-driven stop), then releases and
// returns.
func (r *Registry) GetLock(ctx context.Context, stream *rpctransport.Stream, name string, try bool) {
	r.incRequests()
	e := r.getOrCreate(name)

	acquired := false
	locked := e.mu.TryLock()
	if locked {
		acquired = true
	} else {
		r.incAlreadyLocked()
		if try {
			r.incTryFailed()
			r.release(e)
			_ = stream.Send(AcquireResult{Acquired: false})
			return
		}
	}

	if !acquired {
		// Blocking path: wait for the mutex, but give up if the stream
		// closes first (client went away before we ever acquired).
		acquired = r.waitForLock(ctx, e)
		if !acquired {
			r.release(e)
			if isTimeoutCause(ctx) {
				r.incFailedTimeout()
			} else {
				r.incFailed()
			}
			return
		}
	}

	r.incAcquired()
	r.log.Debug("acquired", zap.String("name", name))
	if err := stream.Send(AcquireResult{Acquired: true}); err != nil {
		r.releaseAfterHold(e, name, err)
		return
	}

	<-ctx.Done()
	r.releaseAfterHold(e, name, stream.Err())
}

// waitForLock blocks on e.mu.Lock() but returns early (false) if ctx ends
// first. It never leaves the mutex held when it returns false.
func (r *Registry) waitForLock(ctx context.Context, e *entry) bool {
	got := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(got)
	}()
	select {
	case <-got:
		return true
	case <-ctx.Done():
		// The goroutine above may still land the lock after we give up;
		// drain it asynchronously so we don't leak a held mutex forever.
		go func() {
			<-got
			e.mu.Unlock()
		}()
		return false
	}
}

func (r *Registry) releaseAfterHold(e *entry, name string, closeErr error) {
	e.mu.Unlock()
	r.release(e)
	switch {
	case errors.Is(closeErr, rpctransport.ErrHeartbeatTimeout):
		r.incTimeout()
		r.log.Info("timed out", zap.String("name", name))
	case errors.Is(closeErr, rpctransport.ErrStreamClosed), closeErr == nil:
		r.incReleased()
		r.log.Debug("released", zap.String("name", name))
	default:
		r.incUnexpected()
		r.log.Warn("released without a recognised cause", zap.String("name", name), zap.Error(closeErr))
	}
}

func isTimeoutCause(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), rpctransport.ErrHeartbeatTimeout)
}

// Stats returns a snapshot of the registry's observability counters.
func (r *Registry) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// RecordException increments the exceptions counter. Handlers call this
// from a recover() guard around GetLock/IsLocked so a panic inside the
// registry is counted without crashing the process (SPEC_FULL.md §7,
// InternalError).
func (r *Registry) RecordException() {
	r.statsMu.Lock()
	r.stats.Exceptions++
	r.statsMu.Unlock()
	r.counters.IncExceptions()
}

// Active returns the number of currently-live lock entries (held or
// waited-on), for the stats surface's "active" field.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) incRequests() {
	r.statsMu.Lock()
	r.stats.Requests++
	r.statsMu.Unlock()
	r.counters.IncRequests()
}
func (r *Registry) incAlreadyLocked() {
	r.statsMu.Lock()
	r.stats.AlreadyLocked++
	r.statsMu.Unlock()
	r.counters.IncAlreadyLocked()
}
func (r *Registry) incTryFailed() {
	r.statsMu.Lock()
	r.stats.TryFailed++
	r.statsMu.Unlock()
	r.counters.IncTryFailed()
}
func (r *Registry) incAcquired() {
	r.statsMu.Lock()
	r.stats.Acquired++
	r.statsMu.Unlock()
	r.counters.IncAcquired()
}
func (r *Registry) incReleased() {
	r.statsMu.Lock()
	r.stats.Released++
	r.statsMu.Unlock()
	r.counters.IncReleased()
}
func (r *Registry) incTimeout() {
	r.statsMu.Lock()
	r.stats.Timeout++
	r.statsMu.Unlock()
	r.counters.IncTimeout()
}
func (r *Registry) incUnexpected() {
	r.statsMu.Lock()
	r.stats.Unexpected++
	r.statsMu.Unlock()
	r.counters.IncUnexpected()
}
func (r *Registry) incFailed() {
	r.statsMu.Lock()
	r.stats.Failed++
	r.statsMu.Unlock()
	r.counters.IncFailed()
}
func (r *Registry) incFailedTimeout() {
	r.statsMu.Lock()
	r.stats.FailedTimeout++
	r.statsMu.Unlock()
	r.counters.IncFailedTimeout()
}
