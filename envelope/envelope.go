// Package envelope implements the immutable message envelope that every
// participant in the cluster exchanges: a typed, headered record with an
// absolute TTL, optional reply-to address, effort hint, custom headers, and
// an opaque payload.
package envelope

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Type identifies the purpose of an envelope.
type Type string

const (
	TypeRequest                     Type = "request"
	TypeReply                       Type = "reply"
	TypeOneWay                      Type = "one-way"
	TypeSubscriptionRequest         Type = "subscription-request"
	TypeSubscriptionReply           Type = "subscription-reply"
	TypeSubscriptionStop            Type = "subscription-stop"
	TypeBroadcastSubscriptionRequest Type = "broadcast-subscription-request"
	TypeMulticastSubscriptionRequest Type = "multicast-subscription-request"
	TypePublication                 Type = "publication"
	TypeMulticast                   Type = "multicast"
)

// Effort is a caller hint that allows downgrading transport QoS.
type Effort string

const (
	EffortNormal     Effort = "NORMAL"
	EffortBestEffort Effort = "BEST_EFFORT"
)

// customHeaderPrefix is prepended to every custom header key on the wire,
// separating them from the required/optional header namespace.
const customHeaderPrefix = "custom-"

var (
	ErrMissingID      = errors.New("envelope: id is required")
	ErrMissingType    = errors.New("envelope: type is required")
	ErrTTLNotAbsolute = errors.New("envelope: ttl must be an absolute timestamp")
	ErrInvalidHeader  = errors.New("envelope: invalid custom header")
)

var (
	headerKeyPattern   = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	headerValuePattern = regexp.MustCompile(`^[A-Za-z0-9 ;:,+&?.*/\\_-]*$`)
)

// Envelope is immutable after construction. Use New to build one; all
// fields are copied defensively so later mutation of caller-owned slices
// and maps cannot change an already-constructed Envelope.
type Envelope struct {
	id      string
	typ     Type
	sender  string
	recip   string
	ttlMs   int64
	replyTo string
	effort  Effort
	custom  map[string]string
	payload []byte

	isCompressed bool
	isSigned     bool
	isEncrypted  bool
	signature    []byte

	// receivedFromGlobal is transient: never serialized, excluded from
	// equality, and only meaningful for envelopes the router has accepted
	// from an inbound transport.
	receivedFromGlobal bool
}

// Option configures an Envelope at construction time.
type Option func(*build)

type build struct {
	id           string
	typ          Type
	sender       string
	recipient    string
	ttlMs        int64
	replyTo      string
	effort       Effort
	custom       map[string]string
	payload      []byte
	isCompressed bool
	isSigned     bool
	isEncrypted  bool
	signature    []byte
}

func WithID(id string) Option { return func(b *build) { b.id = id } }

func WithSender(id string) Option { return func(b *build) { b.sender = id } }

func WithRecipient(id string) Option { return func(b *build) { b.recipient = id } }

// WithAbsoluteTTL sets the absolute expiry timestamp, in milliseconds since
// the Unix epoch. A non-absolute (relative/duration-like) value must be
// converted by the caller before reaching this option; New rejects ttlMs <= 0.
func WithAbsoluteTTL(ttlMs int64) Option { return func(b *build) { b.ttlMs = ttlMs } }

// WithTTLAfter is a convenience that computes an absolute TTL from now.
func WithTTLAfter(d time.Duration) Option {
	return func(b *build) { b.ttlMs = time.Now().Add(d).UnixMilli() }
}

func WithReplyTo(addr string) Option { return func(b *build) { b.replyTo = addr } }

func WithEffort(e Effort) Option { return func(b *build) { b.effort = e } }

func WithCustomHeader(key, value string) Option {
	return func(b *build) {
		if b.custom == nil {
			b.custom = make(map[string]string)
		}
		b.custom[key] = value
	}
}

func WithPayload(p []byte) Option {
	return func(b *build) {
		b.payload = append([]byte(nil), p...)
	}
}

func WithCompressed(v bool) Option { return func(b *build) { b.isCompressed = v } }
func WithSigned(sig []byte) Option {
	return func(b *build) {
		b.isSigned = len(sig) > 0
		b.signature = append([]byte(nil), sig...)
	}
}
func WithEncrypted(v bool) Option { return func(b *build) { b.isEncrypted = v } }

// New constructs an Envelope. typ is required (ErrMissingType); an absent
// id is auto-assigned via a UUID rather than rejected, so New never returns
// ErrMissingID.
// ttlMs must be an absolute timestamp strictly in the future of zero
// (callers past TTL should use WithTTLAfter(0) deliberately and expect the
// router to drop on receipt, not at construction).
func New(typ Type, opts ...Option) (*Envelope, error) {
	if typ == "" {
		return nil, ErrMissingType
	}

	b := &build{typ: typ, effort: EffortNormal}
	for _, opt := range opts {
		opt(b)
	}

	if b.id == "" {
		b.id = uuid.NewString()
	}

	if b.ttlMs <= 0 {
		return nil, ErrTTLNotAbsolute
	}

	for k, v := range b.custom {
		if !headerKeyPattern.MatchString(k) {
			return nil, fmt.Errorf("%w: key %q", ErrInvalidHeader, k)
		}
		if !headerValuePattern.MatchString(v) {
			return nil, fmt.Errorf("%w: value for key %q", ErrInvalidHeader, k)
		}
	}

	custom := make(map[string]string, len(b.custom))
	for k, v := range b.custom {
		custom[k] = v
	}

	return &Envelope{
		id:           b.id,
		typ:          b.typ,
		sender:       b.sender,
		recip:        b.recipient,
		ttlMs:        b.ttlMs,
		replyTo:      b.replyTo,
		effort:       b.effort,
		custom:       custom,
		payload:      append([]byte(nil), b.payload...),
		isCompressed: b.isCompressed,
		isSigned:     b.isSigned,
		isEncrypted:  b.isEncrypted,
		signature:    append([]byte(nil), b.signature...),
	}, nil
}

func (e *Envelope) ID() string        { return e.id }
func (e *Envelope) Type() Type        { return e.typ }
func (e *Envelope) Sender() string    { return e.sender }
func (e *Envelope) Recipient() string { return e.recip }
func (e *Envelope) TTLMs() int64      { return e.ttlMs }
func (e *Envelope) ReplyTo() string   { return e.replyTo }
func (e *Envelope) Effort() Effort    { return e.effort }

func (e *Envelope) CustomHeader(key string) (string, bool) {
	v, ok := e.custom[key]
	return v, ok
}

// CustomHeaders returns a defensive copy.
func (e *Envelope) CustomHeaders() map[string]string {
	out := make(map[string]string, len(e.custom))
	for k, v := range e.custom {
		out[k] = v
	}
	return out
}

// Payload returns a defensive copy of the opaque body.
func (e *Envelope) Payload() []byte { return append([]byte(nil), e.payload...) }

func (e *Envelope) IsCompressed() bool { return e.isCompressed }
func (e *Envelope) IsSigned() bool     { return e.isSigned }
func (e *Envelope) IsEncrypted() bool  { return e.isEncrypted }

// IsExpired reports whether now is at or past the envelope's absolute TTL.
func (e *Envelope) IsExpired(now time.Time) bool {
	return now.UnixMilli() >= e.ttlMs
}

// ReceivedFromGlobal reports whether this envelope arrived via a global
// (cross-cluster) transport. It is not part of the wire format or equality.
func (e *Envelope) ReceivedFromGlobal() bool { return e.receivedFromGlobal }

// WithReceivedFromGlobal returns a shallow copy with the transient
// receivedFromGlobal flag set, leaving the original untouched. The router
// uses this when handing an inbound envelope off for local dispatch.
func (e *Envelope) WithReceivedFromGlobal(v bool) *Envelope {
	clone := *e
	clone.receivedFromGlobal = v
	return &clone
}

// CloneForRecipient returns a copy of the envelope addressed to a different
// recipient, used by the router's multicast fan-out to avoid subscribers
// mutating a shared envelope.
func (e *Envelope) CloneForRecipient(recipient string) *Envelope {
	clone := *e
	clone.recip = recipient
	clone.custom = e.CustomHeaders()
	clone.payload = e.Payload()
	clone.signature = append([]byte(nil), e.signature...)
	return &clone
}

// Equal implements value equality: id, type, all headers, and payload
// must match. receivedFromGlobal is excluded.
func (e *Envelope) Equal(other *Envelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.id != other.id || e.typ != other.typ || e.sender != other.sender ||
		e.recip != other.recip || e.ttlMs != other.ttlMs || e.replyTo != other.replyTo ||
		e.effort != other.effort || string(e.payload) != string(other.payload) ||
		e.isCompressed != other.isCompressed || e.isSigned != other.isSigned ||
		e.isEncrypted != other.isEncrypted {
		return false
	}
	if len(e.custom) != len(other.custom) {
		return false
	}
	for k, v := range e.custom {
		if ov, ok := other.custom[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{id=%s type=%s from=%s to=%s ttl=%d}", e.id, e.typ, e.sender, e.recip, e.ttlMs)
}

// customHeaderWireKey returns the wire-visible key for a custom header.
func customHeaderWireKey(key string) string { return customHeaderPrefix + key }
