// Package publication implements the provider-side publication manager:
// tracks inbound subscriptions, schedules periodic and keep-alive
// publications, applies on-change coalescing and broadcast filter chains,
// and hands finished publication envelopes to the router.
package publication

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/carmesh/cc/ccerr"
	"github.com/carmesh/cc/envelope"
	"github.com/carmesh/cc/future"
	"github.com/carmesh/cc/multicast"
	"github.com/carmesh/cc/scheduler"
	"github.com/carmesh/cc/subscription"
)

// Router is the narrow slice of router.Router that the publication manager
// needs: handing off a finished envelope for delivery.
type Router interface {
	Route(ctx context.Context, env *envelope.Envelope) future.Token
}

// ValueSource fetches the current value of an attribute or broadcast by
// name, used for periodic and keep-alive publications where no fresh
// on-change value is available.
type ValueSource interface {
	CurrentValue(name string) ([]byte, error)
}

// Filter evaluates one broadcast filter. A panic inside a filter's
// evaluation is treated as false.
type Filter func(broadcastName string, values [][]byte) bool

var partitionPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// ErrInvalidPartition is returned by FireBroadcast when a partition
// segment is not `[A-Za-z0-9]+`, `+`, or (in the final position) `*`.
var ErrInvalidPartition = fmt.Errorf("publication: invalid partition")

type providerSubscription struct {
	subscriptionID string
	providerID     string
	subscriberID   string
	name           string
	qos            subscription.Qos

	mu                    sync.Mutex
	lastPublicationTimeMs int64
	pendingValue          []byte
	hasPending            bool
	pendingTimer          scheduler.Handle
	periodicTimer         scheduler.Handle
	stopped               bool
}

// Manager is the provider-side publication manager.
type Manager struct {
	mu   sync.Mutex
	subs map[string]*providerSubscription

	router Router
	source ValueSource
	sched  *scheduler.Scheduler
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithScheduler(s *scheduler.Scheduler) Option { return func(m *Manager) { m.sched = s } }

func WithValueSource(v ValueSource) Option { return func(m *Manager) { m.source = v } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(router Router, opts ...Option) *Manager {
	m := &Manager{
		subs:   make(map[string]*providerSubscription),
		router: router,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sched == nil {
		m.sched = scheduler.New()
	}
	m.logger = m.logger.With("component", "publication")
	return m
}

// Add validates qos and registers a new provider-side subscription. For
// PeriodicQos and OnChangeWithKeepAliveQos it schedules the recurring
// publish task; plain OnChangeQos subscriptions only publish when
// NotifyChange is called.
func (m *Manager) Add(subscriptionID, providerID, subscriberID, name string, qos subscription.Qos) error {
	now := m.now()
	if now.UnixMilli() >= qos.ExpiryDateMs() {
		return subscription.ErrAlreadyExpired
	}

	ps := &providerSubscription{
		subscriptionID: subscriptionID,
		providerID:     providerID,
		subscriberID:   subscriberID,
		name:           name,
		qos:            qos,
	}

	m.mu.Lock()
	m.subs[subscriptionID] = ps
	m.mu.Unlock()

	switch q := qos.(type) {
	case *subscription.PeriodicQos:
		m.schedulePeriodic(ps, q.PeriodMs())
	case *subscription.OnChangeWithKeepAliveQos:
		m.scheduleKeepAlive(ps, q.MaxIntervalMs())
	}
	return nil
}

func (m *Manager) schedulePeriodic(ps *providerSubscription, periodMs int64) {
	ps.mu.Lock()
	ps.periodicTimer = m.sched.Schedule(time.Duration(periodMs)*time.Millisecond, func(ctx context.Context) {
		m.publishCurrentValue(ps)
		ps.mu.Lock()
		stopped := ps.stopped
		ps.mu.Unlock()
		if !stopped {
			m.schedulePeriodic(ps, periodMs)
		}
	})
	ps.mu.Unlock()
}

func (m *Manager) scheduleKeepAlive(ps *providerSubscription, maxIntervalMs int64) {
	ps.mu.Lock()
	ps.periodicTimer = m.sched.Schedule(time.Duration(maxIntervalMs)*time.Millisecond, func(ctx context.Context) {
		ps.mu.Lock()
		sinceLast := m.now().UnixMilli() - ps.lastPublicationTimeMs
		stopped := ps.stopped
		ps.mu.Unlock()
		if !stopped && sinceLast >= maxIntervalMs {
			m.publishCurrentValue(ps)
		}
		if !stopped {
			m.scheduleKeepAlive(ps, maxIntervalMs)
		}
	})
	ps.mu.Unlock()
}

func (m *Manager) publishCurrentValue(ps *providerSubscription) {
	if m.source == nil {
		return
	}
	value, err := m.source.CurrentValue(ps.name)
	if err != nil {
		m.logger.Warn("value source failed, dropping this publication only", "subscription", ps.subscriptionID, "err", err)
		return
	}
	m.publish(ps, value)
}

// NotifyChange is called by the provider when an on-change-subscribed
// attribute or broadcast produces a new value. If less than MinIntervalMs
// has elapsed since the last publication, the value is coalesced: only the
// most recently supplied value is retained and published once the interval
// elapses.
func (m *Manager) NotifyChange(subscriptionID string, value []byte) {
	m.mu.Lock()
	ps, ok := m.subs[subscriptionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	onChange, ok := ps.qos.(interface{ MinIntervalMs() int64 })
	minInterval := int64(0)
	if ok {
		minInterval = onChange.MinIntervalMs()
	}

	ps.mu.Lock()
	since := m.now().UnixMilli() - ps.lastPublicationTimeMs
	if minInterval > 0 && since < minInterval {
		ps.pendingValue = value
		ps.hasPending = true
		if !ps.timerPending() {
			delay := time.Duration(minInterval-since) * time.Millisecond
			ps.pendingTimer = m.sched.Schedule(delay, func(ctx context.Context) {
				m.flushPending(ps)
			})
		}
		ps.mu.Unlock()
		return
	}
	ps.mu.Unlock()

	m.publish(ps, value)
}

func (ps *providerSubscription) timerPending() bool {
	return ps.hasPending && ps.pendingTimer != (scheduler.Handle{})
}

func (m *Manager) flushPending(ps *providerSubscription) {
	ps.mu.Lock()
	if !ps.hasPending {
		ps.mu.Unlock()
		return
	}
	value := ps.pendingValue
	ps.hasPending = false
	ps.pendingTimer = scheduler.Handle{}
	ps.mu.Unlock()

	m.publish(ps, value)
}

func (m *Manager) publish(ps *providerSubscription, value []byte) {
	ps.mu.Lock()
	if ps.stopped {
		ps.mu.Unlock()
		return
	}
	ps.lastPublicationTimeMs = m.now().UnixMilli()
	ps.mu.Unlock()

	env, err := envelope.New(envelope.TypePublication,
		envelope.WithSender(ps.providerID),
		envelope.WithRecipient(ps.subscriberID),
		envelope.WithTTLAfter(time.Duration(ps.qos.PublicationTtlMs())*time.Millisecond),
		envelope.WithCustomHeader("subscriptionId", ps.subscriptionID),
		envelope.WithPayload(value),
	)
	if err != nil {
		m.logger.Warn("failed to build publication envelope, dropping this publication only", "subscription", ps.subscriptionID, "err", err)
		return
	}

	m.router.Route(context.Background(), env)
}

// Remove stops subscriptionID's periodic/keep-alive tasks and forgets it.
func (m *Manager) Remove(subscriptionID string) {
	m.mu.Lock()
	ps, ok := m.subs[subscriptionID]
	if ok {
		delete(m.subs, subscriptionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	ps.mu.Lock()
	ps.stopped = true
	if ps.periodicTimer != (scheduler.Handle{}) {
		ps.periodicTimer.Cancel()
	}
	if ps.pendingTimer != (scheduler.Handle{}) {
		ps.pendingTimer.Cancel()
	}
	ps.mu.Unlock()
}

// FireBroadcast validates partitions, evaluates the filter chain, and
// delivers a multicast-type envelope via the router. Each partition must
// be `[A-Za-z0-9]+`, `+`, or a trailing `*` (only in the final position);
// anything else is a provider-runtime error raised synchronously to the
// firing call.
func (m *Manager) FireBroadcast(ctx context.Context, providerID, name string, partitions []string, values [][]byte, filters ...Filter) error {
	for i, p := range partitions {
		if p == "+" {
			continue
		}
		if p == "*" {
			if i != len(partitions)-1 {
				return fmt.Errorf("%w: %q must be the final partition", ErrInvalidPartition, p)
			}
			continue
		}
		if !partitionPattern.MatchString(p) {
			return fmt.Errorf("%w: %q", ErrInvalidPartition, p)
		}
	}

	if !m.evaluateFilters(name, values, filters) {
		return nil
	}

	multicastID := multicast.BuildID(providerID, name, partitions...)
	payload := strings.Join(joinValues(values), "\x1f")

	env, err := envelope.New(envelope.TypeMulticast,
		envelope.WithSender(providerID),
		envelope.WithRecipient(multicastID),
		envelope.WithTTLAfter(time.Minute),
		envelope.WithPayload([]byte(payload)),
	)
	if err != nil {
		return ccerr.Wrap(ccerr.KindProviderRuntime, "failed to build broadcast envelope", err)
	}

	m.router.Route(ctx, env)
	return nil
}

func (m *Manager) evaluateFilters(name string, values [][]byte, filters []Filter) (result bool) {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if !m.safeEvaluate(f, name, values) {
			return false
		}
	}
	return true
}

// safeEvaluate treats a panicking filter the same as one that returns
// false.
func (m *Manager) safeEvaluate(f Filter, name string, values [][]byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("broadcast filter panicked, treating as false", "broadcast", name, "recover", r)
			ok = false
		}
	}()
	return f(name, values)
}

func joinValues(values [][]byte) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// Shutdown stops the manager's scheduler, including one supplied via
// WithScheduler; callers sharing a scheduler should call it only once all
// sharing components are done.
func (m *Manager) Shutdown() {
	m.sched.Stop()
}

// ProviderSubscriptionSnapshot captures one provider-side subscription for
// persistence, independent of its in-memory QoS representation.
type ProviderSubscriptionSnapshot struct {
	SubscriptionID        string
	ProviderID            string
	SubscriberID          string
	Name                  string
	Qos                   subscription.Qos
	LastPublicationTimeMs int64
}

// Snapshot returns a defensive copy of every active provider-side
// subscription, for persistence.
func (m *Manager) Snapshot() []ProviderSubscriptionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProviderSubscriptionSnapshot, 0, len(m.subs))
	for _, ps := range m.subs {
		ps.mu.Lock()
		out = append(out, ProviderSubscriptionSnapshot{
			SubscriptionID:        ps.subscriptionID,
			ProviderID:            ps.providerID,
			SubscriberID:          ps.subscriberID,
			Name:                  ps.name,
			Qos:                   ps.qos,
			LastPublicationTimeMs: ps.lastPublicationTimeMs,
		})
		ps.mu.Unlock()
	}
	return out
}

// Restore re-registers every still-valid snapshot entry, exactly as Add
// would, reconstructing whatever periodic or keep-alive timer its QoS
// requires. Entries whose QoS has already expired are discarded.
func (m *Manager) Restore(snaps []ProviderSubscriptionSnapshot) {
	now := m.now().UnixMilli()
	for _, s := range snaps {
		if now >= s.Qos.ExpiryDateMs() {
			continue
		}

		ps := &providerSubscription{
			subscriptionID:        s.SubscriptionID,
			providerID:            s.ProviderID,
			subscriberID:          s.SubscriberID,
			name:                  s.Name,
			qos:                   s.Qos,
			lastPublicationTimeMs: s.LastPublicationTimeMs,
		}

		m.mu.Lock()
		m.subs[s.SubscriptionID] = ps
		m.mu.Unlock()

		switch q := s.Qos.(type) {
		case *subscription.PeriodicQos:
			m.schedulePeriodic(ps, q.PeriodMs())
		case *subscription.OnChangeWithKeepAliveQos:
			m.scheduleKeepAlive(ps, q.MaxIntervalMs())
		}
	}
}
