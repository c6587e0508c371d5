// Package ccerr defines the cluster-controller's error taxonomy: a typed
// error carrying a wire-visible Kind, so callers can branch on failure
// category without string-matching messages.
package ccerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the error taxonomy shared across the cluster-controller.
type Kind int

const (
	KindUnknown Kind = iota
	KindRuntime
	KindTimeout
	KindNotSent
	KindExpired
	KindDelayWithRetry
	KindDiscovery
	KindProviderRuntime
	KindPublicationMissed
	KindApplication
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindRuntime:
		return "JoynrRuntimeException"
	case KindTimeout:
		return "JoynrTimeoutException"
	case KindNotSent:
		return "JoynrMessageNotSentException"
	case KindExpired:
		return "JoynrMessageExpiredException"
	case KindDelayWithRetry:
		return "JoynrDelayMessageException"
	case KindDiscovery:
		return "DiscoveryException"
	case KindProviderRuntime:
		return "ProviderRuntimeException"
	case KindPublicationMissed:
		return "PublicationMissedException"
	case KindApplication:
		return "ApplicationException"
	case KindPersistence:
		return "PersistenceException"
	default:
		return "UnknownException"
	}
}

// Sentinel kind-level errors so callers can `errors.Is(err, ccerr.Timeout)`
// without needing a *ClusterError in hand.
var (
	Runtime           = &ClusterError{Kind: KindRuntime}
	Timeout           = &ClusterError{Kind: KindTimeout}
	NotSent           = &ClusterError{Kind: KindNotSent}
	Expired           = &ClusterError{Kind: KindExpired}
	DelayWithRetry    = &ClusterError{Kind: KindDelayWithRetry}
	Discovery         = &ClusterError{Kind: KindDiscovery}
	ProviderRuntime   = &ClusterError{Kind: KindProviderRuntime}
	PublicationMissed = &ClusterError{Kind: KindPublicationMissed}
	Application       = &ClusterError{Kind: KindApplication}
	Persistence       = &ClusterError{Kind: KindPersistence}
)

// ClusterError is the typed error returned across package boundaries in the
// cluster-controller. It carries the taxonomy Kind, a human message, an
// optional wrapped cause, and, for ProviderRuntime errors only, a Detail
// field that is logged locally but never serialized onto the wire:
// application-level serialization failures collapse to a generic message.
type ClusterError struct {
	Kind    Kind
	Message string
	Detail  string
	Parent  error

	// RetryAfter is only meaningful on KindDelayWithRetry errors: the
	// transport's suggested backoff before the router retries.
	RetryAfter time.Duration
}

func New(kind Kind, message string) *ClusterError {
	return &ClusterError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, parent error) *ClusterError {
	return &ClusterError{Kind: kind, Message: message, Parent: parent}
}

// NewDelayWithRetry builds a transient transport failure carrying the
// delay the router should wait before retrying transmission.
func NewDelayWithRetry(after time.Duration, message string) *ClusterError {
	return &ClusterError{Kind: KindDelayWithRetry, Message: message, RetryAfter: after}
}

// WithDetail attaches a local-only detail message, used for ProviderRuntime
// errors whose full cause must never reach a remote caller.
func (e *ClusterError) WithDetail(detail string) *ClusterError {
	clone := *e
	clone.Detail = detail
	return &clone
}

func (e *ClusterError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClusterError) Unwrap() error {
	return e.Parent
}

// Is compares by Kind only: `errors.Is(err, ccerr.Timeout)` succeeds for
// any *ClusterError with Kind == KindTimeout regardless of Message/Parent.
func (e *ClusterError) Is(target error) bool {
	var other *ClusterError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) a *ClusterError, and
// reports KindUnknown, false otherwise.
func KindOf(err error) (Kind, bool) {
	var ce *ClusterError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return KindUnknown, false
}
