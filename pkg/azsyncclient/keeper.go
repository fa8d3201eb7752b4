package azsyncclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/edirooss/azsync-server/internal/replication"
)

// ObjectView is the Keeper's local mirror of one SlotObject: a live handle
// whose fields OnUpdate mutates in place as replication frames arrive, so a
// pointer returned by GetSlotkeeper keeps reflecting the object's state for
// as long as the caller holds it. Its fields are guarded by mu and must be
// read through Snapshot, never accessed directly.
type ObjectView struct {
	id string

	mu       sync.Mutex
	maxSlots int64
	slots    int
	workers  int
}

// ObjectViewSnapshot is a point-in-time copy of an ObjectView's fields.
type ObjectViewSnapshot struct {
	ID       string `json:"id"`
	MaxSlots int64  `json:"max_slots"`
	Slots    int    `json:"slots"`
	Workers  int    `json:"workers"`
}

// Snapshot returns a point-in-time copy of v's fields, safe to call
// concurrently with OnUpdate.
func (v *ObjectView) Snapshot() ObjectViewSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return ObjectViewSnapshot{ID: v.id, MaxSlots: v.maxSlots, Slots: v.slots, Workers: v.workers}
}

func (v *ObjectView) apply(maxSlots int64, slots, workers int) {
	v.mu.Lock()
	v.maxSlots = maxSlots
	v.slots = slots
	v.workers = workers
	v.mu.Unlock()
}

// Keeper is a viewer-side mirror of a slot-keeper's object table
// (SPEC_FULL.md §4.3 viewer side, §4.4 get_slotkeeper).
type Keeper struct {
	client     *Client
	name       string
	instanceID string

	mu      sync.Mutex
	objects map[string]*ObjectView
	waiters map[string][]chan struct{} // objID -> channels to close on next update/del

	viewer *replication.Viewer
}

// NewKeeper returns a Keeper for the named slot-keeper instance. Call Run
// in its own goroutine to start the replication pull loop.
func NewKeeper(log *zap.Logger, c *Client, name, instanceID string) *Keeper {
	k := &Keeper{
		client:     c,
		name:       name,
		instanceID: instanceID,
		objects:    make(map[string]*ObjectView),
		waiters:    make(map[string][]chan struct{}),
	}
	k.viewer = replication.NewViewer(log, k.dial, k)
	return k
}

// Run blocks the pull loop until ctx is canceled.
func (k *Keeper) Run(ctx context.Context) { k.viewer.Run(ctx) }

// WaitLive blocks until the mirror has completed its first init.
func (k *Keeper) WaitLive(ctx context.Context) error { return k.viewer.WaitLive(ctx) }

func (k *Keeper) dial(ctx context.Context) (<-chan replication.RawFrame, func(), error) {
	path := fmt.Sprintf("/rpc/slotkeeper/%s/sync", url.PathEscape(k.name))
	q := url.Values{"instance_id": {k.instanceID}}
	s, err := k.client.openStream(ctx, path, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan replication.RawFrame)
	go func() {
		defer close(out)
		for {
			f, err := s.next()
			if err != nil {
				return
			}
			// Keepalive frames carry no sequence id or action and are not
			// replication values.
			if f.Seq == 0 && f.Action == "" {
				continue
			}
			data := []byte(f.Data)
			if f.Action == "del" {
				// A del's payload is a JSON string; RawFrame carries the bare id.
				var id string
				if err := decodeData(f.Data, &id); err == nil {
					data = []byte(id)
				}
			}
			select {
			case out <- replication.RawFrame{Seq: f.Seq, Action: f.Action, Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { s.Close() }, nil
}

// OnUpdate implements replication.ViewerCallbacks. It mutates the existing
// ObjectView in place rather than replacing the map entry, so a pointer
// handed out earlier by GetSlotkeeper keeps reflecting live state instead
// of being left pointing at a stale snapshot (SPEC_FULL.md §4.4).
func (k *Keeper) OnUpdate(data []byte) {
	var wire ObjectViewSnapshot
	if err := decodeData(data, &wire); err != nil {
		return
	}
	k.mu.Lock()
	v, ok := k.objects[wire.ID]
	if !ok {
		v = &ObjectView{id: wire.ID}
		k.objects[wire.ID] = v
	}
	waiters := k.waiters[wire.ID]
	delete(k.waiters, wire.ID)
	k.mu.Unlock()

	v.apply(wire.MaxSlots, wire.Slots, wire.Workers)

	for _, ch := range waiters {
		close(ch)
	}
}

// OnDelete implements replication.ViewerCallbacks.
func (k *Keeper) OnDelete(id string) {
	k.mu.Lock()
	delete(k.objects, id)
	waiters := k.waiters[id]
	delete(k.waiters, id)
	k.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// KnownIDs implements replication.ViewerCallbacks.
func (k *Keeper) KnownIDs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	ids := make([]string, 0, len(k.objects))
	for id := range k.objects {
		ids = append(ids, id)
	}
	return ids
}

// OnMissingIDs implements replication.ViewerCallbacks: objects this mirror
// knew about that the fresh init no longer lists are dropped.
func (k *Keeper) OnMissingIDs(ids []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, id := range ids {
		delete(k.objects, id)
	}
}

// waitForUpdate blocks until the next OnUpdate/OnDelete for objID, or ctx
// ends. Used by Slot.Acquire/Release's best-effort post-mutation wait.
func (k *Keeper) waitForUpdate(ctx context.Context, objID string) error {
	ch := make(chan struct{})
	k.mu.Lock()
	k.waiters[objID] = append(k.waiters[objID], ch)
	k.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetSlotkeeper waits for the mirror to complete its first init, then
// returns the live-updating entry for id, pre-inserting a zero-occupancy
// placeholder if it isn't known yet (SPEC_FULL.md §4.4). A mismatch between
// maxSlots and the mirror's recorded value is logged as a warning only.
func (k *Keeper) GetSlotkeeper(ctx context.Context, log *zap.Logger, id string, maxSlots int64) (*ObjectView, error) {
	if err := k.WaitLive(ctx); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.objects[id]
	if !ok {
		v = &ObjectView{id: id}
		v.apply(maxSlots, 0, 0)
		k.objects[id] = v
		return v, nil
	}
	if recorded := v.Snapshot().MaxSlots; recorded != maxSlots && log != nil {
		log.Warn("max_slots differs from slotkeeper's recorded capacity",
			zap.String("obj_id", id), zap.Int64("recorded", recorded), zap.Int64("requested", maxSlots))
	}
	return v, nil
}
