package replication

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/edirooss/azsync-server/internal/rpctransport"
)

// Snapshotter is implemented by the owning registry (SlotRegistry) and
// supplies the full current state as of the moment a new subscriber
// attaches (SPEC_FULL.md §4.3 step 1).
type Snapshotter interface {
	// InitialSnapshot returns one JSON-serializable value per live object.
	InitialSnapshot() []any
}

// subscriberQueueCap bounds a subscriber's outbound queue. On overflow the
// subscriber is dropped rather than allowed to pin memory indefinitely
// (SPEC_FULL.md §9); it will reconnect and receive a fresh init.
const subscriberQueueCap = 1024

// Master is the publishing side of a replication topic: SlotRegistry makes
// every mutation through Mutate, and every attached subscriber stream
// receives the resulting sequence of (seq, action, data) frames.
type Master struct {
	log   *zap.Logger
	bus   Bus
	topic string
	snap  Snapshotter

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}

	dropped Counters
}

// Counters is satisfied by internal/metrics for the
// replication_subscriber_dropped_total counter named in SPEC_FULL.md §4.3.
type Counters interface {
	IncSubscriberDropped()
}

type noopCounters struct{}

func (noopCounters) IncSubscriberDropped() {}

// subscriber is one attached viewer's live queue.
type subscriber struct {
	seq   uint64
	queue chan Event
	drop  chan struct{} // closed once, when the queue overflows
}

// NewMaster creates the publishing side of a replication topic. bus may be
// a local bus (single process) or a Redis-backed bus (multi-replica
// fan-out of the one authoritative master).
func NewMaster(log *zap.Logger, bus Bus, topic string, snap Snapshotter, counters Counters) *Master {
	if counters == nil {
		counters = noopCounters{}
	}
	return &Master{
		log:         log.Named("replication." + topic),
		bus:         bus,
		topic:       topic,
		snap:        snap,
		subscribers: make(map[*subscriber]struct{}),
		dropped:     counters,
	}
}

// Mutate runs fn under the same lock Subscribe holds while it computes a
// new subscriber's initial snapshot and registers it on the bus, then
// publishes the (action, data) fn returns. fn performs the corresponding
// state mutation and must be cheap and non-blocking.
//
// This single lock is what the source gets for free from its one
// self._lock serializing add() and _push_loop: without it, a mutation
// landing between a new subscriber's bus registration and its snapshot
// read would show up in both the snapshot and a subsequent buffered
// update, a duplicate delivery that breaks SPEC_FULL.md §4.3 step 1's
// either/or atomicity and §5's no-losses-no-duplicates guarantee. fn
// returning an empty action skips the publish entirely (nothing changed).
func (m *Master) Mutate(ctx context.Context, fn func() (action string, data any)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, data := fn()
	if action == "" {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, m.topic, Event{Action: action, Data: raw})
}

// Subscribe attaches a new viewer stream. It registers on the bus and
// computes the initial snapshot inside the same critical section Mutate
// uses, so a concurrent mutation is guaranteed to land entirely before or
// entirely after this subscriber's registration: never split across the
// snapshot and a buffered update (SPEC_FULL.md §4.3 step 1). It then
// drains frames to stream until ctx is done or the subscriber is dropped
// for a full queue.
func (m *Master) Subscribe(ctx context.Context, stream *rpctransport.Stream) error {
	sub := &subscriber{
		queue: make(chan Event, subscriberQueueCap),
		drop:  make(chan struct{}),
	}

	m.mu.Lock()
	busEvents, unsubBus, err := m.bus.Subscribe(ctx, m.topic)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	snapshot := m.snap.InitialSnapshot()
	m.subscribers[sub] = struct{}{}
	m.mu.Unlock()

	defer unsubBus()
	defer func() {
		m.mu.Lock()
		delete(m.subscribers, sub)
		m.mu.Unlock()
	}()

	// Forward every subsequent bus event into this subscriber's own bounded
	// queue. Sequence numbers are assigned in the loop below as frames leave
	// the queue, not at enqueue time; pump is the queue's only writer and
	// this loop its only reader, so frames go out in bus order.
	go m.pump(ctx, sub, busEvents)

	sub.seq = 1
	if err := stream.SendFrame(sub.seq, "init", snapshot); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return stream.Err()
		case <-sub.drop:
			m.dropped.IncSubscriberDropped()
			return rpctransport.ErrUnexpectedClose
		case ev, ok := <-sub.queue:
			if !ok {
				return nil
			}
			sub.seq++
			var data any = json.RawMessage(ev.Data)
			if err := stream.SendFrame(sub.seq, ev.Action, data); err != nil {
				return err
			}
		}
	}
}

// pump copies bus events into sub's bounded queue, dropping the subscriber
// if it can't keep up.
func (m *Master) pump(ctx context.Context, sub *subscriber, busEvents <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-busEvents:
			if !ok {
				return
			}
			select {
			case sub.queue <- ev:
			default:
				select {
				case <-sub.drop:
				default:
					close(sub.drop)
				}
				return
			}
		}
	}
}

// SubscriberCount reports the number of currently attached viewers, for
// the admin stats surface.
func (m *Master) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}
