// Package subscription implements the consumer-side subscription manager:
// attribute/broadcast subscription lifecycle, the QoS value objects that
// govern publication cadence and missed-publication alerting, and the
// missed-publication timer loop.
package subscription

import "time"

// Bounds shared by every interval-valued QoS field.
const (
	MinIntervalFloorMs = int64(50)
	MaxIntervalCeilMs  = int64(2_592_000_000) // 30 days
)

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// base holds the fields every QoS variant shares: how long the
// subscription is valid for, and the TTL stamped on each publication
// envelope it produces. expiryDateMs is computed once at construction from
// validityMs, so registerSubscription can reject a QoS whose expiry has
// already passed without recomputing validity math later.
type base struct {
	validityMs       int64
	publicationTtlMs int64
	expiryDateMs     int64
}

func newBase(now time.Time, validityMs, publicationTtlMs int64) base {
	return base{
		validityMs:       validityMs,
		publicationTtlMs: publicationTtlMs,
		expiryDateMs:     now.UnixMilli() + validityMs,
	}
}

func (b base) ExpiryDateMs() int64     { return b.expiryDateMs }
func (b base) PublicationTtlMs() int64 { return b.publicationTtlMs }

// Qos is implemented by every subscription QoS variant. AlertAfterIntervalMs
// returns 0 when missed-publication alerting is disabled.
type Qos interface {
	ExpiryDateMs() int64
	PublicationTtlMs() int64
	AlertAfterIntervalMs() int64
}

// OnChangeQos publishes whenever the watched attribute or broadcast
// changes, coalescing changes that arrive faster than MinIntervalMs.
type OnChangeQos struct {
	base
	minIntervalMs int64
}

// NewOnChangeQos clamps minIntervalMs into [50ms, 30d].
func NewOnChangeQos(now time.Time, validityMs, publicationTtlMs, minIntervalMs int64) *OnChangeQos {
	return &OnChangeQos{
		base:          newBase(now, validityMs, publicationTtlMs),
		minIntervalMs: clamp(minIntervalMs, MinIntervalFloorMs, MaxIntervalCeilMs),
	}
}

func (q *OnChangeQos) MinIntervalMs() int64 { return q.minIntervalMs }

func (q *OnChangeQos) AlertAfterIntervalMs() int64 { return 0 }

// OnChangeWithKeepAliveQos adds a periodic keep-alive publication on top of
// OnChangeQos, plus missed-publication alerting.
type OnChangeWithKeepAliveQos struct {
	OnChangeQos
	maxIntervalMs        int64
	alertAfterIntervalMs int64
}

// NewOnChangeWithKeepAliveQos clamps maxIntervalMs into
// [max(50, minIntervalMs), 30d] and alertAfterIntervalMs into
// {0} ∪ [maxIntervalMs, 30d].
func NewOnChangeWithKeepAliveQos(now time.Time, validityMs, publicationTtlMs, minIntervalMs, maxIntervalMs, alertAfterIntervalMs int64) *OnChangeWithKeepAliveQos {
	onChange := NewOnChangeQos(now, validityMs, publicationTtlMs, minIntervalMs)
	q := &OnChangeWithKeepAliveQos{OnChangeQos: *onChange}
	q.SetMaxIntervalMs(maxIntervalMs)
	q.SetAlertAfterIntervalMs(alertAfterIntervalMs)
	return q
}

func (q *OnChangeWithKeepAliveQos) MaxIntervalMs() int64 { return q.maxIntervalMs }

// SetMaxIntervalMs clamps v into [max(50, minIntervalMs), 30d]. A value
// below minIntervalMs is raised to minIntervalMs rather than rejected.
func (q *OnChangeWithKeepAliveQos) SetMaxIntervalMs(v int64) {
	floor := q.minIntervalMs
	if floor < MinIntervalFloorMs {
		floor = MinIntervalFloorMs
	}
	q.maxIntervalMs = clamp(v, floor, MaxIntervalCeilMs)
	if q.alertAfterIntervalMs != 0 && q.alertAfterIntervalMs < q.maxIntervalMs {
		q.alertAfterIntervalMs = clamp(q.alertAfterIntervalMs, q.maxIntervalMs, MaxIntervalCeilMs)
	}
}

// SetAlertAfterIntervalMs clamps v into {0} ∪ [maxIntervalMs, 30d]. 0
// disables missed-publication alerting.
func (q *OnChangeWithKeepAliveQos) SetAlertAfterIntervalMs(v int64) {
	if v == 0 {
		q.alertAfterIntervalMs = 0
		return
	}
	q.alertAfterIntervalMs = clamp(v, q.maxIntervalMs, MaxIntervalCeilMs)
}

func (q *OnChangeWithKeepAliveQos) AlertAfterIntervalMs() int64 { return q.alertAfterIntervalMs }

// RestoreOnChangeQos reconstructs an OnChangeQos from already-computed
// absolute fields, used when loading a persisted subscription whose
// original validity window must not be recomputed against the current
// clock.
func RestoreOnChangeQos(expiryDateMs, publicationTtlMs, minIntervalMs int64) *OnChangeQos {
	return &OnChangeQos{
		base:          base{publicationTtlMs: publicationTtlMs, expiryDateMs: expiryDateMs},
		minIntervalMs: minIntervalMs,
	}
}

// RestoreOnChangeWithKeepAliveQos is RestoreOnChangeQos's counterpart for
// OnChangeWithKeepAliveQos.
func RestoreOnChangeWithKeepAliveQos(expiryDateMs, publicationTtlMs, minIntervalMs, maxIntervalMs, alertAfterIntervalMs int64) *OnChangeWithKeepAliveQos {
	return &OnChangeWithKeepAliveQos{
		OnChangeQos: OnChangeQos{
			base:          base{publicationTtlMs: publicationTtlMs, expiryDateMs: expiryDateMs},
			minIntervalMs: minIntervalMs,
		},
		maxIntervalMs:        maxIntervalMs,
		alertAfterIntervalMs: alertAfterIntervalMs,
	}
}

// PeriodicQos publishes unconditionally every PeriodMs, independent of
// whether the underlying value changed.
type PeriodicQos struct {
	base
	periodMs             int64
	alertAfterIntervalMs int64
}

// NewPeriodicQos clamps periodMs into [50ms, 30d] and alertAfterIntervalMs
// into {0} ∪ [periodMs, 30d].
func NewPeriodicQos(now time.Time, validityMs, publicationTtlMs, periodMs, alertAfterIntervalMs int64) *PeriodicQos {
	q := &PeriodicQos{
		base:     newBase(now, validityMs, publicationTtlMs),
		periodMs: clamp(periodMs, MinIntervalFloorMs, MaxIntervalCeilMs),
	}
	q.SetAlertAfterIntervalMs(alertAfterIntervalMs)
	return q
}

func (q *PeriodicQos) PeriodMs() int64 { return q.periodMs }

func (q *PeriodicQos) SetAlertAfterIntervalMs(v int64) {
	if v == 0 {
		q.alertAfterIntervalMs = 0
		return
	}
	q.alertAfterIntervalMs = clamp(v, q.periodMs, MaxIntervalCeilMs)
}

func (q *PeriodicQos) AlertAfterIntervalMs() int64 { return q.alertAfterIntervalMs }

// RestorePeriodicQos is RestoreOnChangeQos's counterpart for PeriodicQos.
func RestorePeriodicQos(expiryDateMs, publicationTtlMs, periodMs, alertAfterIntervalMs int64) *PeriodicQos {
	return &PeriodicQos{
		base:                 base{publicationTtlMs: publicationTtlMs, expiryDateMs: expiryDateMs},
		periodMs:             periodMs,
		alertAfterIntervalMs: alertAfterIntervalMs,
	}
}
