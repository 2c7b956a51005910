package changebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrSubscriberOverflow closes a Disconnect subscription whose queue
	// filled up
	ErrSubscriberOverflow = errors.New("changebus: subscriber queue overflow")

	// ErrSubscriptionClosed is returned by Next after Close
	ErrSubscriptionClosed = errors.New("changebus: subscription closed")

	// ErrBusClosed is returned by Publish after the bus is closed
	ErrBusClosed = errors.New("changebus: bus closed")
)

// OverflowPolicy decides what a full subscriber queue does with a new signal
type OverflowPolicy int

const (
	// DropOldest discards the oldest queued signal and makes the next
	// delivery a resync signal
	DropOldest OverflowPolicy = iota

	// Disconnect closes the subscription with ErrSubscriberOverflow
	Disconnect
)

func (p OverflowPolicy) String() string {
	if p == Disconnect {
		return "disconnect"
	}
	return "drop_oldest"
}

// Config configures a Bus
type Config struct {
	// QueueSize is the default per-subscriber queue depth
	QueueSize int

	// CoalesceWindow collapses bursts for one entity into a single delivery
	// at the end of the window. Zero delivers immediately.
	CoalesceWindow time.Duration
}

// DefaultConfig returns the default bus configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:      64,
		CoalesceWindow: 200 * time.Millisecond,
	}
}

// SubscribeOptions configures one subscription
type SubscribeOptions struct {
	QueueSize int
	Overflow  OverflowPolicy
}

// Bus is an in-process, organization-scoped signal fan-out
type Bus struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics Metrics

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool

	windowMu sync.Mutex
	window   map[string]*windowEntry
}

type windowEntry struct {
	latest ChangeSignal
	timer  *time.Timer
}

// NewBus creates a bus. A nil metrics discards counters.
func NewBus(cfg Config, log logrus.FieldLogger, metrics Metrics) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.CoalesceWindow < 0 {
		cfg.CoalesceWindow = 0
	}
	if log == nil {
		log = logrus.New()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Bus{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		topics:  make(map[string]map[*Subscription]struct{}),
		window:  make(map[string]*windowEntry),
	}
}

// Publish hands sig to every subscriber of orgID. It never blocks on a
// subscriber.
func (b *Bus) Publish(_ context.Context, orgID string, sig ChangeSignal) error {
	if sig.OrganizationID == "" {
		sig.OrganizationID = orgID
	}
	if sig.OrganizationID != orgID {
		return fmt.Errorf("signal for %s published on %s", sig.OrganizationID, orgID)
	}
	if err := sig.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	b.metrics.SignalPublished(string(sig.EntityKind))

	if b.cfg.CoalesceWindow == 0 || sig.EntityKind == KindResync {
		b.deliver(sig)
		return nil
	}

	key := orgID + "|" + sig.Key()
	b.windowMu.Lock()
	defer b.windowMu.Unlock()
	if entry, ok := b.window[key]; ok {
		entry.latest = sig
		b.metrics.SignalCoalesced()
		return nil
	}
	entry := &windowEntry{latest: sig}
	entry.timer = time.AfterFunc(b.cfg.CoalesceWindow, func() {
		b.windowMu.Lock()
		latest := entry.latest
		delete(b.window, key)
		b.windowMu.Unlock()
		b.deliver(latest)
	})
	b.window[key] = entry
	return nil
}

func (b *Bus) deliver(sig ChangeSignal) {
	var overflowed []*Subscription

	b.mu.RLock()
	for sub := range b.topics[sig.OrganizationID] {
		if sub.push(sig) {
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range overflowed {
		b.log.WithFields(logrus.Fields{
			"org_id":   sub.orgID,
			"capacity": sub.capacity,
		}).Warn("disconnecting subscriber after queue overflow")
		b.remove(sub)
	}
}

// Subscribe opens a subscription to orgID's signals
func (b *Bus) Subscribe(orgID string, opts SubscribeOptions) *Subscription {
	if opts.QueueSize <= 0 {
		opts.QueueSize = b.cfg.QueueSize
	}
	sub := &Subscription{
		bus:      b,
		orgID:    orgID,
		capacity: opts.QueueSize,
		policy:   opts.Overflow,
		queue:    make([]ChangeSignal, 0, opts.QueueSize),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.shut(ErrBusClosed)
		return sub
	}
	subs, ok := b.topics[orgID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[orgID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Subscribers returns the number of open subscriptions for orgID
func (b *Bus) Subscribers(orgID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[orgID])
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.orgID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.orgID)
		}
	}
}

// Close closes every subscription and discards signals still waiting in a
// coalesce window
func (b *Bus) Close() {
	b.windowMu.Lock()
	for key, entry := range b.window {
		entry.timer.Stop()
		delete(b.window, key)
	}
	b.windowMu.Unlock()

	b.mu.Lock()
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, subs := range topics {
		for sub := range subs {
			sub.shut(ErrBusClosed)
		}
	}
}

// Subscription is one subscriber's bounded view of an organization topic
type Subscription struct {
	bus      *Bus
	orgID    string
	capacity int
	policy   OverflowPolicy

	mu      sync.Mutex
	queue   []ChangeSignal
	resync  bool
	dropped uint64
	err     error

	notify chan struct{}
	done   chan struct{}
}

// OrganizationID returns the subscribed organization
func (s *Subscription) OrganizationID() string {
	return s.orgID
}

// push enqueues sig and reports whether the subscription overflowed under
// the Disconnect policy
func (s *Subscription) push(sig ChangeSignal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return false
	}

	key := sig.Key()
	for i := range s.queue {
		if s.queue[i].Key() == key {
			s.queue[i] = sig
			s.bus.metrics.SignalCoalesced()
			s.wake()
			return false
		}
	}

	if len(s.queue) >= s.capacity {
		if s.policy == Disconnect {
			s.bus.metrics.SignalDropped(Disconnect.String())
			s.closeLocked(ErrSubscriberOverflow)
			return true
		}
		s.queue = s.queue[1:]
		s.dropped++
		s.resync = true
		s.bus.metrics.SignalDropped(DropOldest.String())
	}

	s.queue = append(s.queue, sig)
	s.wake()
	return false
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a signal is available, ctx ends, or the subscription
// closes. Queued signals are still returned after an overflow disconnect.
func (s *Subscription) Next(ctx context.Context) (ChangeSignal, error) {
	for {
		s.mu.Lock()
		if s.resync {
			s.resync = false
			s.mu.Unlock()
			return Resync(s.orgID), nil
		}
		if len(s.queue) > 0 {
			sig := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return sig, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return ChangeSignal{}, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ChangeSignal{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Pending returns the number of queued signals
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns how many signals overflow discarded
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Err returns why the subscription closed, or nil while open
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the subscription closes
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes immediately and discards queued signals
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.mu.Lock()
	s.queue = nil
	s.resync = false
	s.mu.Unlock()
	s.shut(ErrSubscriptionClosed)
}

func (s *Subscription) shut(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(err)
}

func (s *Subscription) closeLocked(err error) {
	if s.err != nil {
		return
	}
	s.err = err
	close(s.done)
}
