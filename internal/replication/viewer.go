package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// reconnectBackoff is the short sleep between resync attempts after any
// fault (SPEC_FULL.md §4.3 step 5).
const reconnectBackoff = 100 * time.Millisecond

// ViewerCallbacks are the owner's hooks into a Viewer's pull loop,
// equivalent to the source's on_update/on_delete/known_ids/on_missing_ids.
type ViewerCallbacks interface {
	OnUpdate(data []byte)
	OnDelete(id string)
	KnownIDs() []string
	OnMissingIDs(ids []string)
}

// Dialer opens one subscription attempt against a replication topic and
// returns a channel of raw frames plus a close func. It abstracts the
// transport (an HTTP sync stream in production, an in-process channel in
// tests) behind the shape the Viewer state machine needs.
type Dialer func(ctx context.Context) (<-chan RawFrame, func(), error)

// RawFrame is what a Dialer hands the Viewer: the wire triple before any
// decoding of Data into a concrete type.
type RawFrame struct {
	Seq    uint64
	Action string
	Data   []byte // raw JSON for "update"/"init" elements; the id for "del"
}

// Viewer runs the pull side of the replication protocol: connect, expect a
// seq=1 init, apply updates/deletes in order, detect sequence gaps, and
// reconnect with backoff on any fault (SPEC_FULL.md §4.3 viewer side).
type Viewer struct {
	log     *zap.Logger
	dial    Dialer
	cb      ViewerCallbacks
	started bool

	mu   sync.Mutex
	live chan struct{} // closed (and replaced) to implement an edge-triggered "became live" signal
}

// NewViewer constructs a Viewer. Call Run in its own goroutine to start
// the pull loop; Run blocks until ctx is canceled.
func NewViewer(log *zap.Logger, dial Dialer, cb ViewerCallbacks) *Viewer {
	return &Viewer{
		log:  log.Named("replication.viewer"),
		dial: dial,
		cb:   cb,
		live: make(chan struct{}),
	}
}

// WaitLive blocks until a fresh init has been fully applied, or ctx ends.
// It returns promptly if the mirror is already live at call time.
func (v *Viewer) WaitLive(ctx context.Context) error {
	v.mu.Lock()
	ch := v.live
	v.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *Viewer) markLive() {
	v.mu.Lock()
	select {
	case <-v.live:
		// already live; nothing to do until the next markNotLive
	default:
		close(v.live)
	}
	v.mu.Unlock()
}

func (v *Viewer) markNotLive() {
	v.mu.Lock()
	select {
	case <-v.live:
		v.live = make(chan struct{})
	default:
	}
	v.mu.Unlock()
}

// Run is the pull loop (SPEC_FULL.md §4.3 viewer side, steps 1-5). It
// never returns until ctx is canceled; every fault just triggers a
// reconnect after reconnectBackoff.
func (v *Viewer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		v.markNotLive()
		if err := v.runOnce(ctx); err != nil {
			v.log.Warn("replication pull faulted, resyncing", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (v *Viewer) runOnce(ctx context.Context) error {
	frames, closeFn, err := v.dial(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	var nextSeq uint64 = 1
	state := "init"

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return fmt.Errorf("replication: stream ended")
			}
			if f.Seq != nextSeq {
				return fmt.Errorf("replication: out of sync, want seq %d got %d", nextSeq, f.Seq)
			}
			nextSeq++

			switch f.Action {
			case "init":
				if state != "init" {
					return fmt.Errorf("replication: unexpected init in state %q", state)
				}
				if err := v.applyInit(f.Data); err != nil {
					return err
				}
				state = "live"
				v.markLive()
			case "update":
				if state != "live" {
					return fmt.Errorf("replication: update before init")
				}
				v.cb.OnUpdate(f.Data)
			case "del":
				if state != "live" {
					return fmt.Errorf("replication: del before init")
				}
				v.cb.OnDelete(string(f.Data))
			default:
				return fmt.Errorf("replication: invalid action %q in state %q", f.Action, state)
			}
		}
	}
}

// applyInit decodes a JSON array of raw per-object payloads, applies each
// via OnUpdate, and reports ids present locally but absent from the
// snapshot via OnMissingIDs (SPEC_FULL.md §4.3 step 2). The payload type is
// fixed to a JSON array of JSON objects per §9's open question.
func (v *Viewer) applyInit(raw []byte) error {
	elems, err := splitJSONArray(raw)
	if err != nil {
		return err
	}

	notFound := make(map[string]struct{})
	for _, id := range v.cb.KnownIDs() {
		notFound[id] = struct{}{}
	}
	for _, elem := range elems {
		id, err := extractJSONID(elem)
		if err != nil {
			return err
		}
		delete(notFound, id)
		v.cb.OnUpdate(elem)
	}
	if len(notFound) > 0 {
		missing := make([]string, 0, len(notFound))
		for id := range notFound {
			missing = append(missing, id)
		}
		v.cb.OnMissingIDs(missing)
	}
	return nil
}
