package slotregistry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"

	"github.com/edirooss/azsync-server/internal/replication"
	"github.com/edirooss/azsync-server/internal/rpctransport"
)

func newTestStream(t *testing.T, path string) (*rpctransport.Stream, context.CancelFunc) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	s, err := rpctransport.NewStream(rec, req, 0)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	return s, cancel
}

func newTestRegistry() *Registry {
	return New(zap.NewNop(), replication.NewLocalBus(), "test-topic", nil)
}

func TestAcquire_CapEnforced(t *testing.T) {
	r := newTestRegistry()

	s1, cancel1 := newTestStream(t, "/rpc/slotkeeper/acquire?obj_id=o1&max_slots=1&slot_id=a")
	defer cancel1()
	done1 := make(chan struct{})
	go func() {
		r.Acquire(s1.Context(), s1, "o1", 1, "a")
		close(done1)
	}()
	time.Sleep(20 * time.Millisecond)

	// A second, distinct slot on the same object should be rejected: cap
	// is 1 and slot "a" is already open.
	s2, cancel2 := newTestStream(t, "/rpc/slotkeeper/acquire?obj_id=o1&max_slots=1&slot_id=b")
	defer cancel2()
	r.Acquire(s2.Context(), s2, "o1", 1, "b")

	stats := r.Stats()
	if stats.Full != 1 {
		t.Errorf("expected one rejection for a full object, got %d: %s", stats.Full, spew.Sdump(stats))
	}

	cancel1()
	<-done1
}

func TestAcquire_WorkersShareASlot(t *testing.T) {
	r := newTestRegistry()

	s1, cancel1 := newTestStream(t, "/rpc/slotkeeper/acquire?obj_id=o2&max_slots=1&slot_id=shared")
	defer cancel1()
	done1 := make(chan struct{})
	go func() {
		r.Acquire(s1.Context(), s1, "o2", 1, "shared")
		close(done1)
	}()
	time.Sleep(20 * time.Millisecond)

	// Same slot_id, same object: this is a second worker joining an
	// already-open slot, not a new slot, so it must succeed even though
	// max_slots is 1.
	s2, cancel2 := newTestStream(t, "/rpc/slotkeeper/acquire?obj_id=o2&max_slots=1&slot_id=shared")
	done2 := make(chan struct{})
	go func() {
		r.Acquire(s2.Context(), s2, "o2", 1, "shared")
		close(done2)
	}()
	time.Sleep(20 * time.Millisecond)

	stats := r.Stats()
	if stats.Acquired != 2 {
		t.Errorf("expected both workers to acquire the shared slot, got %d: %s", stats.Acquired, spew.Sdump(stats))
	}
	if stats.Full != 0 {
		t.Errorf("expected no rejection when joining an already-open slot, got %d", stats.Full)
	}

	cancel1()
	<-done1
	cancel2()
	<-done2

	if r.ObjectCount() == 0 {
		t.Error("object should remain known after its slots empty out (SlotObjects are never deleted)")
	}
}

func TestAcquire_ReleaseFreesSlotForNewContender(t *testing.T) {
	r := newTestRegistry()

	s1, cancel1 := newTestStream(t, "/rpc/slotkeeper/acquire?obj_id=o3&max_slots=1&slot_id=a")
	done1 := make(chan struct{})
	go func() {
		r.Acquire(s1.Context(), s1, "o3", 1, "a")
		close(done1)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel1()
	<-done1

	s2, cancel2 := newTestStream(t, "/rpc/slotkeeper/acquire?obj_id=o3&max_slots=1&slot_id=b")
	defer cancel2()
	done2 := make(chan struct{})
	go func() {
		r.Acquire(s2.Context(), s2, "o3", 1, "b")
		close(done2)
	}()
	cancel2()
	<-done2

	stats := r.Stats()
	if stats.Full != 0 {
		t.Errorf("expected the new slot to succeed once the first emptied out, got %d rejections", stats.Full)
	}
}

func TestInitialSnapshot_ReflectsOccupancy(t *testing.T) {
	r := newTestRegistry()

	s1, cancel1 := newTestStream(t, "/rpc/slotkeeper/acquire?obj_id=o4&max_slots=2&slot_id=a")
	defer cancel1()
	done1 := make(chan struct{})
	go func() {
		r.Acquire(s1.Context(), s1, "o4", 2, "a")
		close(done1)
	}()
	time.Sleep(20 * time.Millisecond)

	snap := r.InitialSnapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one object in the snapshot, got %d", len(snap))
	}
	obj, ok := snap[0].(ObjectSnapshot)
	if !ok {
		t.Fatalf("expected an ObjectSnapshot, got %T", snap[0])
	}
	if obj.ID != "o4" || obj.MaxSlots != 2 || obj.Slots != 1 || obj.Workers != 1 {
		t.Errorf("unexpected snapshot: %s", spew.Sdump(obj))
	}

	cancel1()
	<-done1
}
