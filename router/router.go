// Package router implements the message router: the component that
// composes the envelope, address, routing table, stub registry, scheduler,
// message queue, and multicast directory into the single entry point every
// transport receiver and every local proxy/provider sends envelopes
// through.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/ccerr"
	"github.com/carmesh/cc/envelope"
	"github.com/carmesh/cc/future"
	"github.com/carmesh/cc/msgqueue"
	"github.com/carmesh/cc/multicast"
	"github.com/carmesh/cc/routingtable"
	"github.com/carmesh/cc/scheduler"
	"github.com/carmesh/cc/stub"
)

// AccessControl is the minimal hook point for permission checks: given an
// inbound or outbound envelope, decide whether it may proceed. The
// cluster-controller's accesscontrol package implements this; tests and
// simple deployments may pass nil to permit everything.
type AccessControl interface {
	Permit(env *envelope.Envelope) bool
}

// ErrDifferentAddress is returned by AddNextHop when participantId is
// already routed to a different address than the one supplied.
var ErrDifferentAddress = errors.New("router: participant already routed to a different address")

const defaultRetryDelay = time.Second

// Router is safe for concurrent use. Construct with New.
type Router struct {
	table        *routingtable.Table
	stubs        *stub.Registry
	sched        *scheduler.Scheduler
	queue        *msgqueue.Queue
	multicastDir *multicast.Directory
	logger       *slog.Logger
	now          func() time.Time
	retryDelay   time.Duration
	accessCtl    AccessControl
	parentResolve func(participantID string) bool

	mu      sync.Mutex
	pending map[string]*pendingSend // keyed by envelope id
	missed  int64                   // access-control denial counter
}

type pendingSend struct {
	participantID string
	complete      func(error)
	watchdog      scheduler.Handle
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

func WithScheduler(s *scheduler.Scheduler) Option { return func(r *Router) { r.sched = s } }

func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

func WithDefaultRetryDelay(d time.Duration) Option { return func(r *Router) { r.retryDelay = d } }

func WithAccessControl(ac AccessControl) Option { return func(r *Router) { r.accessCtl = ac } }

// WithParentResolver lets a child cluster-controller defer unresolved
// lookups to a parent router instead of failing them outright.
func WithParentResolver(fn func(participantID string) bool) Option {
	return func(r *Router) { r.parentResolve = fn }
}

// WithQueueLimits configures the per-recipient message queue's quotas.
func WithQueueLimits(perParticipant, total int) Option {
	return func(r *Router) {
		var opts []msgqueue.Option
		if perParticipant > 0 {
			opts = append(opts, msgqueue.WithPerParticipantLimit(perParticipant))
		}
		if total > 0 {
			opts = append(opts, msgqueue.WithTotalLimit(total))
		}
		opts = append(opts, msgqueue.WithDropNotifier(r.onQueueDrop))
		r.queue = msgqueue.New(opts...)
	}
}

// New constructs a Router around stubs. The routing table is always created
// fresh; a scheduler and a message queue are created if not supplied via
// options. Callers that need to share a scheduler across
// multiple components (e.g. with the publication manager) should pass one
// in via WithScheduler.
func New(stubs *stub.Registry, opts ...Option) *Router {
	r := &Router{
		table:        routingtable.New(),
		stubs:        stubs,
		multicastDir: multicast.NewDirectory(),
		logger:       slog.Default(),
		now:          time.Now,
		retryDelay:   defaultRetryDelay,
		pending:      make(map[string]*pendingSend),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sched == nil {
		r.sched = scheduler.New()
	}
	if r.queue == nil {
		r.queue = msgqueue.New(msgqueue.WithDropNotifier(r.onQueueDrop))
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Table exposes the underlying routing table, e.g. for persistence
// snapshot/restore.
func (r *Router) Table() *routingtable.Table { return r.table }

// MulticastDirectory exposes the underlying multicast receiver directory,
// e.g. for persistence snapshot/restore.
func (r *Router) MulticastDirectory() *multicast.Directory { return r.multicastDir }

// AddNextHop registers addr as the next hop for participantID. Idempotent:
// calling it again with the same address only increments the refcount; a
// different address for an already-routed participant fails with
// ErrDifferentAddress. On success, drains anything queued for
// participantID.
func (r *Router) AddNextHop(participantID string, addr address.Address, isGloballyVisible bool, expiryMs int64, sticky bool) error {
	if existing, ok := r.table.Lookup(participantID); ok {
		if !existing.Address.Equal(addr) {
			return fmt.Errorf("%w: participant %s", ErrDifferentAddress, participantID)
		}
	}
	r.table.Add(participantID, addr, isGloballyVisible, expiryMs, sticky)
	r.drainQueue(participantID)
	return nil
}

// RemoveNextHop decrements the refcount for participantID, removing the
// entry at zero unless it is sticky.
func (r *Router) RemoveNextHop(participantID string) {
	r.table.Remove(participantID)
}

// ResolveNextHop reports whether participantID can currently be resolved,
// locally or via a configured parent router.
func (r *Router) ResolveNextHop(participantID string) bool {
	if _, ok := r.table.Lookup(participantID); ok {
		return true
	}
	if r.parentResolve != nil {
		return r.parentResolve(participantID)
	}
	return false
}

// AddMulticastReceiver registers subscriberID to receive multicasts
// published by providerID matching the name/partition pattern encoded in
// multicastID.
func (r *Router) AddMulticastReceiver(multicastID, subscriberID, providerID string) error {
	pattern := multicast.StripProviderID(multicastID)
	if pattern == "" {
		pattern = multicastID
	}
	return r.multicastDir.AddReceiver(providerID, pattern, subscriberID)
}

// RemoveMulticastReceiver is the symmetric inverse of AddMulticastReceiver.
func (r *Router) RemoveMulticastReceiver(multicastID, subscriberID, providerID string) {
	pattern := multicast.StripProviderID(multicastID)
	if pattern == "" {
		pattern = multicastID
	}
	r.multicastDir.RemoveReceiver(providerID, pattern, subscriberID)
}

// Route accepts an inbound or outbound envelope and returns a Token that
// completes once the envelope has either been delivered, definitively
// failed (a queue quota overflow completes it with a NotSent error), or
// been silently dropped by access control.
// Route never blocks; retries and queuing happen in the background.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) future.Token {
	if r.accessCtl != nil && !r.accessCtl.Permit(env) {
		r.mu.Lock()
		r.missed++
		r.mu.Unlock()
		r.logger.Warn("access control denied envelope", "id", env.ID(), "sender", env.Sender(), "recipient", env.Recipient())
		return future.Resolved(nil)
	}

	if env.IsExpired(r.now()) {
		r.logger.Warn("dropping already-expired envelope", "id", env.ID())
		return future.Resolved(ccerr.New(ccerr.KindExpired, "envelope expired before routing"))
	}

	if env.Type() == envelope.TypeMulticast {
		return r.routeMulticast(ctx, env)
	}
	return r.routeUnicast(ctx, env)
}

func (r *Router) routeUnicast(ctx context.Context, env *envelope.Envelope) future.Token {
	tok, complete := future.New()

	entry, ok := r.table.Lookup(env.Recipient())
	if !ok {
		r.enqueueAndWatch(env, complete)
		return tok
	}

	r.attemptTransmit(ctx, entry, env, complete)
	return tok
}

func (r *Router) enqueueAndWatch(env *envelope.Envelope, complete func(error)) {
	r.mu.Lock()
	ps := &pendingSend{participantID: env.Recipient(), complete: complete}
	ps.watchdog = r.sched.ScheduleAt(time.UnixMilli(env.TTLMs()), func(ctx context.Context) {
		r.expireQueued(env)
	})
	r.pending[env.ID()] = ps
	r.mu.Unlock()

	r.queue.Enqueue(env.Recipient(), env)
}

func (r *Router) expireQueued(env *envelope.Envelope) {
	if !r.queue.Remove(env.Recipient(), env.ID()) {
		return
	}
	r.completePending(env.ID(), ccerr.New(ccerr.KindTimeout, "envelope expired while queued"))
}

func (r *Router) onQueueDrop(dropped *envelope.Envelope) {
	r.completePending(dropped.ID(), ccerr.New(ccerr.KindNotSent, "dropped from queue: quota exceeded"))
}

func (r *Router) completePending(envelopeID string, err error) {
	r.mu.Lock()
	ps, ok := r.pending[envelopeID]
	if ok {
		delete(r.pending, envelopeID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ps.watchdog.Cancel()
	ps.complete(err)
}

// drainQueue flushes everything queued for participantID now that a next
// hop is available.
func (r *Router) drainQueue(participantID string) {
	for _, env := range r.queue.DrainAll(participantID) {
		r.mu.Lock()
		ps, ok := r.pending[env.ID()]
		if ok {
			delete(r.pending, env.ID())
		}
		r.mu.Unlock()
		if !ok {
			continue
		}
		ps.watchdog.Cancel()

		entry, ok := r.table.Lookup(participantID)
		if !ok {
			// Lost the hop again between drain and lookup; re-queue.
			r.enqueueAndWatch(env, ps.complete)
			continue
		}
		r.attemptTransmit(context.Background(), entry, env, ps.complete)
	}
}

func (r *Router) attemptTransmit(ctx context.Context, entry routingtable.Entry, env *envelope.Envelope, complete func(error)) {
	if env.IsExpired(r.now()) {
		r.logger.Warn("dropping expired envelope before transmit", "id", env.ID())
		complete(ccerr.New(ccerr.KindTimeout, "envelope expired before transmit"))
		return
	}

	s, err := r.stubs.Get(entry.Address)
	if err != nil {
		r.logger.Error("no stub available", "id", env.ID(), "address", entry.Address, "err", err)
		complete(ccerr.Wrap(ccerr.KindRuntime, "no stub available for address", err))
		return
	}

	var failedMu sync.Mutex
	failed := false
	onFailure := func(err error) {
		failedMu.Lock()
		failed = true
		failedMu.Unlock()
		r.handleTransmitFailure(entry, env, complete, err)
	}

	if err := s.Transmit(ctx, env, onFailure); err != nil {
		r.handleTransmitFailure(entry, env, complete, err)
		return
	}
	failedMu.Lock()
	failedBeforeReturn := failed
	failedMu.Unlock()
	if !failedBeforeReturn {
		complete(nil)
	}
}

func (r *Router) handleTransmitFailure(entry routingtable.Entry, env *envelope.Envelope, complete func(error), err error) {
	var ce *ccerr.ClusterError
	if errors.As(err, &ce) && ce.Kind == ccerr.KindDelayWithRetry {
		delay := ce.RetryAfter
		if delay <= 0 {
			delay = r.retryDelay
		}
		nextAttempt := r.now().Add(delay)
		if nextAttempt.UnixMilli() >= env.TTLMs() {
			r.logger.Warn("giving up retrying envelope past TTL", "id", env.ID())
			complete(ccerr.New(ccerr.KindTimeout, "retry would exceed envelope TTL"))
			return
		}
		r.sched.ScheduleAt(nextAttempt, func(ctx context.Context) {
			r.attemptTransmit(ctx, entry, env, complete)
		})
		return
	}

	r.logger.Warn("permanent transmit failure", "id", env.ID(), "err", err)
	complete(err)
}

func (r *Router) routeMulticast(ctx context.Context, env *envelope.Envelope) future.Token {
	providerID := multicast.ExtractProviderID(env.Recipient())
	name := multicast.StripProviderID(env.Recipient())

	for _, subscriberID := range r.multicastDir.Receivers(providerID, name) {
		clone := env.CloneForRecipient(subscriberID)
		entry, ok := r.table.Lookup(subscriberID)
		if !ok {
			r.logger.Warn("multicast subscriber unresolvable", "subscriber", subscriberID, "multicast", env.Recipient())
			continue
		}
		s, err := r.stubs.Get(entry.Address)
		if err != nil {
			r.logger.Warn("multicast: no stub for subscriber", "subscriber", subscriberID, "err", err)
			continue
		}
		if err := s.Transmit(ctx, clone, func(err error) {
			r.logger.Warn("multicast delivery failed", "subscriber", subscriberID, "err", err)
		}); err != nil {
			r.logger.Warn("multicast delivery failed", "subscriber", subscriberID, "err", err)
		}
	}

	if !env.ReceivedFromGlobal() {
		if providerEntry, ok := r.table.Lookup(providerID); ok && providerEntry.IsGloballyVisible {
			s, err := r.stubs.Get(providerEntry.Address)
			if err == nil {
				if err := s.Transmit(ctx, env, func(err error) {
					r.logger.Warn("global multicast re-publish failed", "multicast", env.Recipient(), "err", err)
				}); err != nil {
					r.logger.Warn("global multicast re-publish failed", "multicast", env.Recipient(), "err", err)
				}
			}
		}
	}

	return future.Resolved(nil)
}

// AccessControlDenials reports how many envelopes have been dropped by the
// access-control gate since construction.
func (r *Router) AccessControlDenials() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missed
}

// Shutdown stops the router's internal scheduler. Callers that supplied
// their own scheduler via WithScheduler own its lifecycle and should not
// call Shutdown, or should call it only once all sharing components are
// done.
func (r *Router) Shutdown() {
	r.sched.Stop()
}
