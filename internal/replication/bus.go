// Package replication implements StateReplicator: a generic publish/
// subscribe snapshot+delta stream, used by slotregistry to push object
// updates to every connected viewer. See SPEC_FULL.md §4.3.
package replication

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event is a raw publish — an action ("update" or "del") plus its payload —
// fanned out to every server process hosting this replication topic before
// any per-subscriber sequence number is assigned. Sequence numbers are
// strictly per-subscriber (SPEC_FULL.md §4.3), so they are never carried on
// the bus itself.
type Event struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Bus fans out Events published under a topic to every local subscriber,
// optionally bridging across processes. A single authoritative Master
// still owns all mutation and ordering; the bus only carries already-
// decided events, never competes for write ownership, so it introduces no
// consensus concern (SPEC_FULL.md Non-goals).
type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error)
}

// localBus fans out in-process only, via plain Go channels. It is the
// default bus and what every unit test uses.
type localBus struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewLocalBus returns a Bus that only ever reaches subscribers within this
// process.
func NewLocalBus() Bus {
	return &localBus{subs: make(map[string]map[chan Event]struct{})}
}

func (b *localBus) Publish(_ context.Context, topic string, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
			// A slow local subscriber is the replicator's problem, not the
			// bus's: the replicator enforces its own bounded queue and
			// drop-on-overflow policy per subscriber (SPEC_FULL.md §9). The
			// bus channel itself is generously sized so this default case
			// should only trigger under pathological local stalls.
		}
	}
	return nil
}

func (b *localBus) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	ch := make(chan Event, 256)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Event]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs[topic], ch)
		b.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		unsub()
	}()
	return ch, unsub, nil
}

// redisBus bridges replication events across server processes via Redis
// Pub/Sub, so a viewer connected to any replica of a horizontally-scaled
// deployment observes the one authoritative master's updates. This is
// fan-out only: Redis never arbitrates writes, so it does not introduce
// the multi-master consensus the spec explicitly excludes.
type redisBus struct {
	rdb *redis.Client
}

// NewRedisBus returns a Bus backed by the given Redis client's Pub/Sub.
func NewRedisBus(rdb *redis.Client) Bus {
	return &redisBus{rdb: rdb}
}

func (b *redisBus) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, busChannel(topic), payload).Err()
}

func (b *redisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	sub := b.rdb.Subscribe(ctx, busChannel(topic))
	out := make(chan Event, 256)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	unsub := func() { _ = sub.Close() }
	return out, unsub, nil
}

func busChannel(topic string) string { return "azsync:replication:" + topic }
