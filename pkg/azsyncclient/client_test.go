package azsyncclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"

	"github.com/edirooss/azsync-server/internal/httpapi"
	"github.com/edirooss/azsync-server/internal/lockregistry"
	"github.com/edirooss/azsync-server/internal/replication"
	"github.com/edirooss/azsync-server/internal/slotregistry"
)

// newTestServer wires a real httpapi router over both registries, so the
// client bindings are exercised against the actual wire protocol rather
// than a hand-rolled stand-in.
func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	log := zap.NewNop()
	lockReg := lockregistry.New(log, nil)
	slotReg := slotregistry.New(log, replication.NewLocalBus(), "test-keeper", nil)

	router := httpapi.New(httpapi.Config{
		Log:              log,
		Lock:             lockReg,
		Slot:             slotReg,
		KeeperName:       "test-keeper",
		HeartbeatTimeout: 0,
		Admin:            httpapi.AdminCredentials{Username: "admin", Password: "admin"},
		SessionKey:       []byte("0123456789abcdef0123456789abcdef"),
		Dev:              true,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL)
}

func TestLock_AcquireReleaseRoundTrip(t *testing.T) {
	srv, c := newTestServer(t)
	_ = srv

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l := c.Lock("res")
	ok, err := l.Acquire(ctx, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected the uncontended lock to be acquired")
	}

	locked, err := c.IsLocked(ctx, "res")
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if !locked {
		t.Error("expected IsLocked to report true while the stream is open")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Release is client-side stream close; give the server a moment to
	// observe it before re-checking.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		locked, err = c.IsLocked(ctx, "res")
		if err != nil {
			t.Fatalf("IsLocked: %v", err)
		}
		if !locked {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if locked {
		t.Error("expected the lock to be released shortly after Release()")
	}
}

func TestLock_TryFailsWhenHeld(t *testing.T) {
	srv, c := newTestServer(t)
	_ = srv

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	holder := c.Lock("contended")
	ok, err := holder.Acquire(ctx, false)
	if err != nil || !ok {
		t.Fatalf("holder Acquire: ok=%v err=%v", ok, err)
	}
	defer holder.Release()

	contender := c.Lock("contended")
	ok, err = contender.Acquire(ctx, true)
	if err != nil {
		t.Fatalf("contender Acquire: %v", err)
	}
	if ok {
		t.Error("expected a try-acquire against a held lock to fail")
	}
}

func TestSlot_AcquireCapEnforced(t *testing.T) {
	srv, c := newTestServer(t)
	_ = srv

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1 := c.Slot("obj-1", 1)
	ok, err := s1.Acquire(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("first slot Acquire: ok=%v err=%v", ok, err)
	}
	defer s1.Release(ctx)

	s2 := c.Slot("obj-1", 1)
	ok, err = s2.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("second slot Acquire: %v", err)
	}
	if ok {
		t.Error("expected the second distinct slot to be rejected once the object is full")
	}
}

func TestKeeper_MirrorsSlotkeeperOccupancy(t *testing.T) {
	srv, c := newTestServer(t)
	_ = srv

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keeper := NewKeeper(zap.NewNop(), c, "test-keeper", "instance-1")
	go keeper.Run(ctx)

	slot := c.Slot("obj-mirror", 3).WithKeeper(keeper)
	ok, err := slot.Acquire(ctx, "worker-1")
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	defer slot.Release(ctx)

	view, err := keeper.GetSlotkeeper(ctx, nil, "obj-mirror", 3)
	if err != nil {
		t.Fatalf("GetSlotkeeper: %v", err)
	}
	snap := view.Snapshot()
	if snap.Slots != 1 || snap.Workers != 1 {
		t.Errorf("expected the mirror to reflect one open slot with one worker, got %s", spew.Sdump(snap))
	}
}
