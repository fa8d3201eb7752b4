package replication

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"

	"github.com/edirooss/azsync-server/internal/rpctransport"
)

type stubSnapshotter struct{ snap []any }

func (s stubSnapshotter) InitialSnapshot() []any { return s.snap }

func newTestStream(t *testing.T) (*rpctransport.Stream, *httptest.ResponseRecorder, context.CancelFunc) {
	t.Helper()
	req := httptest.NewRequest("GET", "/rpc/slotkeeper/keeper1/sync?instance_id=x", nil)
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	s, err := rpctransport.NewStream(rec, req, 0)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	return s, rec, cancel
}

type wireLine struct {
	Seq    uint64          `json:"seq"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func readLines(t *testing.T, body *bytes.Buffer) []wireLine {
	t.Helper()
	var out []wireLine
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var l wireLine
		if err := json.Unmarshal(line, &l); err != nil {
			t.Fatalf("decoding frame %q: %v", line, err)
		}
		out = append(out, l)
	}
	return out
}

func TestMaster_SubscribeSendsInitThenUpdates(t *testing.T) {
	bus := NewLocalBus()
	snap := stubSnapshotter{snap: []any{map[string]string{"id": "a"}}}
	m := NewMaster(zap.NewNop(), bus, "topic-a", snap, nil)

	s, rec, cancel := newTestStream(t)
	subDone := make(chan error, 1)
	go func() { subDone <- m.Subscribe(s.Context(), s) }()

	// Wait until the subscriber is registered before publishing, otherwise
	// the publish could race ahead of Subscribe's registration.
	for i := 0; i < 200 && m.SubscriberCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if m.SubscriberCount() != 1 {
		t.Fatal("subscriber never registered")
	}

	if err := m.Mutate(context.Background(), func() (string, any) {
		return "update", map[string]string{"id": "a", "v": "2"}
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	cancel()
	select {
	case <-subDone:
	case <-time.After(time.Second):
		t.Fatal("Subscribe never returned after cancel")
	}

	lines := readLines(t, rec.Body)
	if len(lines) < 2 {
		t.Fatalf("expected at least an init and an update frame, got %s", spew.Sdump(lines))
	}
	if lines[0].Seq != 1 || lines[0].Action != "init" {
		t.Errorf("expected frame 0 to be seq=1 init, got %s", spew.Sdump(lines[0]))
	}
	if lines[1].Seq != 2 || lines[1].Action != "update" {
		t.Errorf("expected frame 1 to be seq=2 update, got %s", spew.Sdump(lines[1]))
	}
}

type recordingCallbacks struct {
	mu      sync.Mutex
	updates [][]byte
	deletes []string
	known   []string
	missing [][]string
}

func (c *recordingCallbacks) OnUpdate(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, append([]byte(nil), data...))
}
func (c *recordingCallbacks) OnDelete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, id)
}
func (c *recordingCallbacks) KnownIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.known...)
}
func (c *recordingCallbacks) OnMissingIDs(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missing = append(c.missing, ids)
}

func TestViewer_InitThenUpdateThenDelete(t *testing.T) {
	cb := &recordingCallbacks{}
	frames := make(chan RawFrame, 8)
	dial := func(ctx context.Context) (<-chan RawFrame, func(), error) {
		return frames, func() {}, nil
	}
	v := NewViewer(zap.NewNop(), dial, cb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go v.Run(ctx)

	frames <- RawFrame{Seq: 1, Action: "init", Data: []byte(`[{"id":"a"},{"id":"b"}]`)}

	if err := v.WaitLive(ctx); err != nil {
		t.Fatalf("WaitLive: %v", err)
	}

	frames <- RawFrame{Seq: 2, Action: "update", Data: []byte(`{"id":"a","v":2}`)}
	frames <- RawFrame{Seq: 3, Action: "del", Data: []byte("b")}

	deadline := time.After(time.Second)
	for {
		cb.mu.Lock()
		got := len(cb.updates) >= 3 && len(cb.deletes) == 1
		cb.mu.Unlock()
		if got {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("callbacks incomplete: %s", spew.Sdump(cb))
		case <-time.After(5 * time.Millisecond):
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.deletes[0] != "b" {
		t.Errorf("expected delete of id b, got %v", cb.deletes)
	}
}

func TestViewer_SeqGapTriggersReconnect(t *testing.T) {
	cb := &recordingCallbacks{}

	var mu sync.Mutex
	dialCount := 0
	dial := func(ctx context.Context) (<-chan RawFrame, func(), error) {
		mu.Lock()
		dialCount++
		n := dialCount
		mu.Unlock()

		ch := make(chan RawFrame, 4)
		if n == 1 {
			// Wrong starting sequence: the viewer always expects 1 first.
			ch <- RawFrame{Seq: 2, Action: "init", Data: []byte(`[]`)}
		} else {
			ch <- RawFrame{Seq: 1, Action: "init", Data: []byte(`[]`)}
		}
		return ch, func() {}, nil
	}

	v := NewViewer(zap.NewNop(), dial, cb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go v.Run(ctx)

	if err := v.WaitLive(ctx); err != nil {
		t.Fatalf("WaitLive: %v", err)
	}

	mu.Lock()
	n := dialCount
	mu.Unlock()
	if n < 2 {
		t.Errorf("expected the viewer to redial after the sequence fault, got %d dials", n)
	}
}

func TestViewer_InitReportsMissingIDs(t *testing.T) {
	cb := &recordingCallbacks{known: []string{"stale"}}
	frames := make(chan RawFrame, 4)
	dial := func(ctx context.Context) (<-chan RawFrame, func(), error) {
		return frames, func() {}, nil
	}
	v := NewViewer(zap.NewNop(), dial, cb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go v.Run(ctx)

	frames <- RawFrame{Seq: 1, Action: "init", Data: []byte(`[{"id":"fresh"}]`)}
	if err := v.WaitLive(ctx); err != nil {
		t.Fatalf("WaitLive: %v", err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.missing) != 1 || len(cb.missing[0]) != 1 || cb.missing[0][0] != "stale" {
		t.Errorf("expected OnMissingIDs([\"stale\"]), got %s", spew.Sdump(cb.missing))
	}
}
