package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgfeed/pkg/async"
)

// DispatcherConfig configures the event fan-out
type DispatcherConfig struct {
	// Shards is the number of ordered delivery lanes
	Shards int

	// QueueSize is the per lane buffer
	QueueSize int

	// HandlerTimeout bounds one sink invocation
	HandlerTimeout time.Duration
}

// DefaultDispatcherConfig returns the default dispatcher configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Shards:         8,
		QueueSize:      256,
		HandlerTimeout: 30 * time.Second,
	}
}

// FailureObserver is told about sink failures, e.g. to count them
type FailureObserver func(sink string, evt DomainEvent, err error)

type namedSink struct {
	name string
	sink Sink
}

// Dispatcher hands every emitted event to all registered sinks off the
// caller's goroutine. Events sharing an entity id are delivered to each sink in
// emission order, which keeps change signals FIFO per entity.
type Dispatcher struct {
	pool      *async.KeyedPool
	log       logrus.FieldLogger
	onFailure FailureObserver

	mu    sync.RWMutex
	sinks []namedSink
}

// NewDispatcher creates a dispatcher and starts its workers
func NewDispatcher(ctx context.Context, cfg DispatcherConfig, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	def := DefaultDispatcherConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}

	return &Dispatcher{
		pool: async.NewKeyedPool(ctx, cfg.Shards, cfg.QueueSize, "event dispatch", cfg.HandlerTimeout),
		log:  log,
	}
}

// Register adds a sink. Sinks registered after an event was emitted do not
// receive it.
func (d *Dispatcher) Register(name string, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, namedSink{name: name, sink: sink})
}

// OnFailure installs a callback for sink errors
func (d *Dispatcher) OnFailure(fn FailureObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFailure = fn
}

// Emit queues evt for every sink. It waits only for queue space.
func (d *Dispatcher) Emit(ctx context.Context, evt DomainEvent) {
	d.mu.RLock()
	sinks := make([]namedSink, len(d.sinks))
	copy(sinks, d.sinks)
	onFailure := d.onFailure
	d.mu.RUnlock()

	entry := d.log.WithFields(logrus.Fields{
		"event_id":   evt.ID,
		"event_type": evt.Type,
		"org_id":     evt.OrganizationID,
	})

	err := d.pool.Submit(evt.EntityKind+":"+evt.EntityID, func(ctx context.Context) error {
		for _, s := range sinks {
			if err := s.sink.Handle(ctx, evt); err != nil {
				entry.WithField("sink", s.name).WithError(err).Warn("Event sink failed")
				if onFailure != nil {
					onFailure(s.name, evt, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		entry.WithError(err).Error("Dropping domain event")
	}
}

// Close stops accepting events and waits up to timeout for queued events
func (d *Dispatcher) Close(timeout time.Duration) error {
	return d.pool.Shutdown(timeout)
}
