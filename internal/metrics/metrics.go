// Package metrics exposes the lock and slot registries' observability
// counters (SPEC_FULL.md §4.1, §4.2, §4.3) as Prometheus collectors,
// grounded on dittofs's interface-for-observability pattern
// (pkg/cache.CacheMetrics): the registries depend only on small Counters
// interfaces, and this package is the one concrete implementation that
// wires them to github.com/prometheus/client_golang.
//
// Per-name/per-object labels are deliberately not exposed: lock names and
// slot object ids are caller-controlled strings, and labeling by them
// would give an external client unbounded control over Prometheus
// cardinality. All counters here are process-wide aggregates.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter this service exports. Construct one with
// NewRegistry and register it with a prometheus.Registerer.
type Registry struct {
	lock *lockMetrics
	slot *slotMetrics
	repl *replMetrics
}

// NewRegistry builds and registers all collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		lock: newLockMetrics(),
		slot: newSlotMetrics(),
		repl: newReplMetrics(),
	}
	reg.MustRegister(
		r.lock.requests, r.lock.alreadyLocked, r.lock.tryFailed, r.lock.acquired,
		r.lock.released, r.lock.timeout, r.lock.unexpected, r.lock.failed,
		r.lock.failedTimeout, r.lock.exceptions,
		r.slot.requests, r.slot.full, r.slot.createdSlots, r.slot.createdWorkers,
		r.slot.empty, r.slot.acquired, r.slot.released, r.slot.timeout, r.slot.unexpected,
		r.repl.subscriberDropped,
	)
	return r
}

// Lock returns the lockregistry.Counters implementation.
func (r *Registry) Lock() *lockMetrics { return r.lock }

// Slot returns the slotregistry.Counters implementation.
func (r *Registry) Slot() *slotMetrics { return r.slot }

// Replication returns the replication.Counters implementation.
func (r *Registry) Replication() *replMetrics { return r.repl }

type lockMetrics struct {
	requests      prometheus.Counter
	alreadyLocked prometheus.Counter
	tryFailed     prometheus.Counter
	acquired      prometheus.Counter
	released      prometheus.Counter
	timeout       prometheus.Counter
	unexpected    prometheus.Counter
	failed        prometheus.Counter
	failedTimeout prometheus.Counter
	exceptions    prometheus.Counter
}

func newLockMetrics() *lockMetrics {
	mk := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "azsync",
			Subsystem: "lock",
			Name:      name,
			Help:      help,
		})
	}
	return &lockMetrics{
		requests:      mk("requests_total", "get_lock calls received"),
		alreadyLocked: mk("already_locked_total", "arrivals that found the entry already held"),
		tryFailed:     mk("try_failed_total", "non-blocking arrivals denied"),
		acquired:      mk("acquired_total", "mutexes acquired"),
		released:      mk("released_total", "normal (client-initiated) releases"),
		timeout:       mk("timeout_total", "heartbeat timeouts while holding"),
		unexpected:    mk("unexpected_total", "releases with no recognised cause"),
		failed:        mk("failed_total", "stream closed before acquiring"),
		failedTimeout: mk("failed_timeout_total", "heartbeat timeout while waiting"),
		exceptions:    mk("exceptions_total", "handler panics recovered"),
	}
}

func (m *lockMetrics) IncRequests()      { m.requests.Inc() }
func (m *lockMetrics) IncAlreadyLocked() { m.alreadyLocked.Inc() }
func (m *lockMetrics) IncTryFailed()     { m.tryFailed.Inc() }
func (m *lockMetrics) IncAcquired()      { m.acquired.Inc() }
func (m *lockMetrics) IncReleased()      { m.released.Inc() }
func (m *lockMetrics) IncTimeout()       { m.timeout.Inc() }
func (m *lockMetrics) IncUnexpected()    { m.unexpected.Inc() }
func (m *lockMetrics) IncFailed()        { m.failed.Inc() }
func (m *lockMetrics) IncFailedTimeout() { m.failedTimeout.Inc() }
func (m *lockMetrics) IncExceptions()    { m.exceptions.Inc() }

type slotMetrics struct {
	requests       prometheus.Counter
	full           prometheus.Counter
	createdSlots   prometheus.Counter
	createdWorkers prometheus.Counter
	empty          prometheus.Counter
	acquired       prometheus.Counter
	released       prometheus.Counter
	timeout        prometheus.Counter
	unexpected     prometheus.Counter
}

func newSlotMetrics() *slotMetrics {
	mk := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "azsync",
			Subsystem: "slotkeeper",
			Name:      name,
			Help:      help,
		})
	}
	return &slotMetrics{
		requests:       mk("requests_total", "acquire calls received"),
		full:           mk("full_total", "acquires denied because the object was at capacity"),
		createdSlots:   mk("created_slots_total", "SlotObjects created"),
		createdWorkers: mk("created_workers_total", "SlotEntries created"),
		empty:          mk("empty_total", "SlotEntries emptied and removed"),
		acquired:       mk("acquired_total", "slots acquired"),
		released:       mk("released_total", "normal releases"),
		timeout:        mk("timeout_total", "heartbeat timeouts while holding"),
		unexpected:     mk("unexpected_total", "releases with no recognised cause"),
	}
}

func (m *slotMetrics) IncRequests()       { m.requests.Inc() }
func (m *slotMetrics) IncFull()           { m.full.Inc() }
func (m *slotMetrics) IncCreatedSlots()   { m.createdSlots.Inc() }
func (m *slotMetrics) IncCreatedWorkers() { m.createdWorkers.Inc() }
func (m *slotMetrics) IncEmpty()          { m.empty.Inc() }
func (m *slotMetrics) IncAcquired()       { m.acquired.Inc() }
func (m *slotMetrics) IncReleased()       { m.released.Inc() }
func (m *slotMetrics) IncTimeout()        { m.timeout.Inc() }
func (m *slotMetrics) IncUnexpected()     { m.unexpected.Inc() }

type replMetrics struct {
	subscriberDropped prometheus.Counter
}

func newReplMetrics() *replMetrics {
	return &replMetrics{
		subscriberDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "azsync",
			Subsystem: "replication",
			Name:      "subscriber_dropped_total",
			Help:      "subscribers dropped for a full outbound queue",
		}),
	}
}

func (m *replMetrics) IncSubscriberDropped() { m.subscriberDropped.Inc() }
