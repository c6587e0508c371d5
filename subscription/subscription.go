package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/carmesh/cc/scheduler"
	"github.com/google/uuid"
)

// Callback receives publications and missed-publication alerts for one
// subscription. Implementations must not block for long: the subscription
// manager invokes OnReceive on its own goroutine per publication, but a
// slow callback still delays that publication's own completion.
type Callback interface {
	OnReceive(payload []byte)
	OnPublicationMissed(subscriptionID string)
}

// State tracks one active subscription: created on RegisterSubscription,
// mutated by incoming publications and the missed-publication runnable,
// destroyed on UnregisterSubscription or QoS expiry.
type State struct {
	SubscriptionID        string
	ProviderID            string
	SubscriberID          string
	Qos                   Qos
	LastPublicationTimeMs int64
	Stopped               bool
	AlertAfterIntervalMs  int64
}

// Manager is the consumer-side subscription manager.
type Manager struct {
	mu    sync.Mutex
	state map[string]*State
	cb    map[string]Callback

	sched *scheduler.Scheduler
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithScheduler(s *scheduler.Scheduler) Option { return func(m *Manager) { m.sched = s } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(opts ...Option) *Manager {
	m := &Manager{
		state: make(map[string]*State),
		cb:    make(map[string]Callback),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sched == nil {
		m.sched = scheduler.New()
	}
	return m
}

// ErrAlreadyExpired is returned by RegisterSubscription when qos's expiry
// date has already passed.
var ErrAlreadyExpired = fmt.Errorf("subscription: qos already expired")

// RegisterSubscription records a new subscription, assigning
// subscriptionID a UUID if it is empty. It rejects qos values whose expiry
// date has already elapsed. When qos's AlertAfterIntervalMs is nonzero, a
// MissedPublicationRunnable is scheduled at now + AlertAfterIntervalMs.
func (m *Manager) RegisterSubscription(subscriptionID, providerID, subscriberID string, qos Qos, cb Callback) (string, error) {
	now := m.now()
	if now.UnixMilli() >= qos.ExpiryDateMs() {
		return "", ErrAlreadyExpired
	}
	if subscriptionID == "" {
		subscriptionID = uuid.NewString()
	}

	st := &State{
		SubscriptionID:        subscriptionID,
		ProviderID:            providerID,
		SubscriberID:          subscriberID,
		Qos:                   qos,
		LastPublicationTimeMs: now.UnixMilli(),
		AlertAfterIntervalMs:  qos.AlertAfterIntervalMs(),
	}

	m.mu.Lock()
	m.state[subscriptionID] = st
	m.cb[subscriptionID] = cb
	m.mu.Unlock()

	if st.AlertAfterIntervalMs > 0 {
		m.sched.Schedule(time.Duration(st.AlertAfterIntervalMs)*time.Millisecond, func(ctx context.Context) {
			m.runMissedPublicationCheck(subscriptionID)
		})
	}

	return subscriptionID, nil
}

// HandlePublication updates the subscription's last-publication time and
// invokes the user callback with payload, on its own goroutine so a slow
// callback cannot stall the dispatcher. Unknown or stopped subscriptions
// are silently ignored.
func (m *Manager) HandlePublication(subscriptionID string, payload []byte) {
	m.mu.Lock()
	st, ok := m.state[subscriptionID]
	cb := m.cb[subscriptionID]
	if ok {
		if st.Stopped {
			ok = false
		} else {
			st.LastPublicationTimeMs = m.now().UnixMilli()
		}
	}
	m.mu.Unlock()

	if !ok || cb == nil {
		return
	}
	go cb.OnReceive(payload)
}

// UnregisterSubscription marks subscriptionID stopped. If it has no
// pending missed-publication timer, it is removed immediately; otherwise
// the next runnable firing finalizes cleanup, avoiding a race between
// cancellation and an in-flight timer.
func (m *Manager) UnregisterSubscription(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[subscriptionID]
	if !ok {
		return
	}
	st.Stopped = true
	if st.AlertAfterIntervalMs <= 0 {
		delete(m.state, subscriptionID)
		delete(m.cb, subscriptionID)
	}
}

// Lookup returns a defensive copy of the current state for subscriptionID.
func (m *Manager) Lookup(subscriptionID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[subscriptionID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

func (m *Manager) runMissedPublicationCheck(subscriptionID string) {
	m.mu.Lock()
	st, ok := m.state[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	nowMs := m.now().UnixMilli()
	if st.Stopped || nowMs >= st.Qos.ExpiryDateMs() {
		delete(m.state, subscriptionID)
		delete(m.cb, subscriptionID)
		m.mu.Unlock()
		return
	}

	since := nowMs - st.LastPublicationTimeMs
	alertAfter := st.AlertAfterIntervalMs
	cb := m.cb[subscriptionID]
	m.mu.Unlock()

	if since < alertAfter {
		m.sched.Schedule(time.Duration(alertAfter-since)*time.Millisecond, func(ctx context.Context) {
			m.runMissedPublicationCheck(subscriptionID)
		})
		return
	}

	if cb != nil {
		cb.OnPublicationMissed(subscriptionID)
	}
	m.sched.Schedule(time.Duration(alertAfter)*time.Millisecond, func(ctx context.Context) {
		m.runMissedPublicationCheck(subscriptionID)
	})
}

// Shutdown stops the manager's scheduler, including one supplied via
// WithScheduler; callers sharing a scheduler should call it only once all
// sharing components are done.
func (m *Manager) Shutdown() {
	m.sched.Stop()
}

// Snapshot returns a defensive copy of every non-stopped subscription's
// state, for persistence.
func (m *Manager) Snapshot() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.state))
	for _, st := range m.state {
		if st.Stopped {
			continue
		}
		out = append(out, *st)
	}
	return out
}

// Restore re-registers every still-valid state from a previous Snapshot,
// resolving each one's Callback via cbFor. Entries whose QoS has already
// expired are discarded; cbFor returning nil discards the entry as well,
// since a subscription with no callback can never be delivered to.
func (m *Manager) Restore(states []State, cbFor func(subscriptionID string) Callback) {
	now := m.now().UnixMilli()
	for _, st := range states {
		if now >= st.Qos.ExpiryDateMs() {
			continue
		}
		cb := cbFor(st.SubscriptionID)
		if cb == nil {
			continue
		}

		copied := st
		m.mu.Lock()
		m.state[st.SubscriptionID] = &copied
		m.cb[st.SubscriptionID] = cb
		m.mu.Unlock()

		if copied.AlertAfterIntervalMs > 0 {
			subscriptionID := st.SubscriptionID
			m.sched.Schedule(time.Duration(copied.AlertAfterIntervalMs)*time.Millisecond, func(ctx context.Context) {
				m.runMissedPublicationCheck(subscriptionID)
			})
		}
	}
}
