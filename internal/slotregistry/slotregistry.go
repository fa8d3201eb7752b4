// Package slotregistry implements the distributed slot keeper: a per-named
// object cap on concurrently active slots, while any number of workers may
// share an already-open slot. See SPEC_FULL.md §4.2.
package slotregistry

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edirooss/azsync-server/internal/replication"
	"github.com/edirooss/azsync-server/internal/rpctransport"
)

// object is one SlotObject: its capacity tracker plus the refcount needed
// to know when no acquirer anywhere still references it.
type object struct {
	id    string
	slots *objectSlots
	refs  int
}

// ObjectSnapshot is the serialisable view of a SlotObject (SPEC_FULL.md
// §3): derived, never stored, recomputed on every publish.
type ObjectSnapshot struct {
	ID       string `json:"id"`
	MaxSlots int64  `json:"max_slots"`
	Slots    int    `json:"slots"`
	Workers  int    `json:"workers"`
}

// Stats mirrors the observability counters named in SPEC_FULL.md §4.2.
type Stats struct {
	Requests       uint64 `json:"requests"`
	Full           uint64 `json:"full"`
	CreatedSlots   uint64 `json:"created_slots"`
	CreatedWorkers uint64 `json:"created_workers"`
	Empty          uint64 `json:"empty"`
	Acquired       uint64 `json:"acquired"`
	Released       uint64 `json:"released"`
	Timeout        uint64 `json:"timeout"`
	Unexpected     uint64 `json:"unexpected"`
}

// Counters is satisfied by internal/metrics.
type Counters interface {
	IncRequests()
	IncFull()
	IncCreatedSlots()
	IncCreatedWorkers()
	IncEmpty()
	IncAcquired()
	IncReleased()
	IncTimeout()
	IncUnexpected()
}

type noopCounters struct{}

func (noopCounters) IncRequests()       {}
func (noopCounters) IncFull()           {}
func (noopCounters) IncCreatedSlots()   {}
func (noopCounters) IncCreatedWorkers() {}
func (noopCounters) IncEmpty()          {}
func (noopCounters) IncAcquired()       {}
func (noopCounters) IncReleased()       {}
func (noopCounters) IncTimeout()        {}
func (noopCounters) IncUnexpected()     {}

// Registry is the server-side implementation of SlotKeeper
// (azsync/slotkeeper.py).
type Registry struct {
	log      *zap.Logger
	counters Counters
	master   *replication.Master

	mu      sync.Mutex // registry-wide short lock (SPEC_FULL.md §5 level 1)
	objects map[string]*object
	sf      singleflight.Group

	statsMu sync.Mutex
	stats   Stats
}

// New creates an empty slot registry publishing to bus under topic. bus may
// be a local or Redis-backed Bus (internal/replication); counters may be
// nil.
func New(log *zap.Logger, bus replication.Bus, topic string, counters Counters) *Registry {
	if counters == nil {
		counters = noopCounters{}
	}
	r := &Registry{
		log:      log.Named("slotregistry"),
		counters: counters,
		objects:  make(map[string]*object),
	}
	r.master = replication.NewMaster(log, bus, topic, r, nil)
	return r
}

// Master exposes the replication publisher for wiring the sync stream
// handler (SPEC_FULL.md §6, slotkeeper/<name>/sync).
func (r *Registry) Master() *replication.Master { return r.master }

// InitialSnapshot implements replication.Snapshotter: the full current
// state, as of the moment a new subscriber attaches.
func (r *Registry) InitialSnapshot() []any {
	r.mu.Lock()
	objs := make([]*object, 0, len(r.objects))
	for _, o := range r.objects {
		objs = append(objs, o)
	}
	r.mu.Unlock()

	out := make([]any, 0, len(objs))
	for _, o := range objs {
		out = append(out, r.serialize(o))
	}
	return out
}

func (r *Registry) serialize(o *object) ObjectSnapshot {
	slots, workers := o.slots.snapshot()
	return ObjectSnapshot{
		ID:       o.id,
		MaxSlots: o.slots.capacity(),
		Slots:    slots,
		Workers:  workers,
	}
}

func (r *Registry) getOrCreate(id string, maxSlots int64) *object {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[id]
	if !ok {
		v, _, _ := r.sf.Do(id, func() (any, error) {
			return &object{id: id, slots: newObjectSlots(maxSlots)}, nil
		})
		o = v.(*object)
		r.objects[id] = o
		r.incCreatedSlots()
	}
	o.refs++
	return o
}

func (r *Registry) release(o *object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o.refs--
	if o.refs == 0 {
		// The source never deletes SlotObjects (SPEC_FULL.md §3); we keep
		// that behavior and simply stop refcounting once empty, so a
		// reacquire of the same id reuses the existing capacity tracker
		// rather than forgetting the configured max_slots.
	}
}

// AcquireResult is sent once as the first (and, on denial, only) value of
// an acquire stream.
type AcquireResult struct {
	Acquired bool `json:"acquired"`
}

// Acquire implements the acquire server stream: SPEC_FULL.md §4.2 steps
// 1-6.
func (r *Registry) Acquire(ctx context.Context, stream *rpctransport.Stream, objID string, maxSlots int64, slotID string) {
	r.incRequests()
	o := r.getOrCreate(objID, maxSlots)
	defer r.release(o)

	if recorded := o.slots.capacity(); recorded != maxSlots {
		r.log.Debug("max_slots differs from object's recorded capacity; recorded value is authoritative",
			zap.String("obj_id", objID), zap.Int64("recorded", recorded), zap.Int64("requested", maxSlots))
	}

	workerToken := uuid.NewString()
	var res acquireResult
	if err := r.master.Mutate(ctx, func() (string, any) {
		res = o.slots.acquire(slotID, workerToken)
		if !res.got {
			return "", nil
		}
		return "update", r.serialize(o)
	}); err != nil {
		r.log.Warn("publish failed", zap.String("obj_id", objID), zap.Error(err))
	}
	if !res.got {
		r.incFull()
		_ = stream.Send(AcquireResult{Acquired: false})
		return
	}
	if res.createdSlot {
		r.incCreatedWorkers()
	}

	r.incAcquired()
	r.log.Debug("acquired", zap.String("obj_id", objID), zap.String("slot_id", slotID))

	cleanup := func(closeErr error) {
		var emptied bool
		// ctx is usually already done here; the release update is
		// published regardless.
		if err := r.master.Mutate(context.WithoutCancel(ctx), func() (string, any) {
			emptied = o.slots.release(slotID, workerToken)
			return "update", r.serialize(o)
		}); err != nil {
			r.log.Warn("publish failed", zap.String("obj_id", objID), zap.Error(err))
		}
		if emptied {
			r.incEmpty()
		}
		r.classifyClose(objID, closeErr)
	}

	if err := stream.Send(AcquireResult{Acquired: true}); err != nil {
		cleanup(err)
		return
	}

	<-ctx.Done()
	cleanup(stream.Err())
}

func (r *Registry) classifyClose(objID string, closeErr error) {
	switch {
	case errors.Is(closeErr, rpctransport.ErrHeartbeatTimeout):
		r.incTimeout()
		r.log.Info("timed out", zap.String("obj_id", objID))
	case errors.Is(closeErr, rpctransport.ErrStreamClosed), closeErr == nil:
		r.incReleased()
		r.log.Debug("released", zap.String("obj_id", objID))
	default:
		r.incUnexpected()
		r.log.Warn("released without a recognised cause", zap.String("obj_id", objID), zap.Error(closeErr))
	}
}

// Stats returns a snapshot of the registry's observability counters.
func (r *Registry) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// ObjectCount reports the number of known SlotObjects, for the admin
// stats surface.
func (r *Registry) ObjectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

func (r *Registry) incRequests() {
	r.statsMu.Lock()
	r.stats.Requests++
	r.statsMu.Unlock()
	r.counters.IncRequests()
}
func (r *Registry) incFull() {
	r.statsMu.Lock()
	r.stats.Full++
	r.statsMu.Unlock()
	r.counters.IncFull()
}
func (r *Registry) incCreatedSlots() {
	r.statsMu.Lock()
	r.stats.CreatedSlots++
	r.statsMu.Unlock()
	r.counters.IncCreatedSlots()
}
func (r *Registry) incCreatedWorkers() {
	r.statsMu.Lock()
	r.stats.CreatedWorkers++
	r.statsMu.Unlock()
	r.counters.IncCreatedWorkers()
}
func (r *Registry) incEmpty() {
	r.statsMu.Lock()
	r.stats.Empty++
	r.statsMu.Unlock()
	r.counters.IncEmpty()
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
