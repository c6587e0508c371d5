// Package accesscontrol implements the access-control gate: an optional
// synchronous hook the router consults on receive, deciding whether an
// envelope's creator may reach its recipient. Policy evaluation itself
// lives outside this package; Gate only wires a Decider's verdict into
// the router's Permit contract, with bypass for local traffic, a
// fully-disabled mode, and an audit-only mode.
package accesscontrol

import (
	"log/slog"
	"sync/atomic"

	"github.com/carmesh/cc/envelope"
)

// Decider evaluates one permit/deny decision. Implementations plug in the
// actual policy (role assignments, ACL entries, etc.); this package only
// supplies the hook point and its bypass semantics.
type Decider interface {
	Permit(creator, recipient string, envType envelope.Type) bool
}

// DeciderFunc adapts a plain function to Decider.
type DeciderFunc func(creator, recipient string, envType envelope.Type) bool

func (f DeciderFunc) Permit(creator, recipient string, envType envelope.Type) bool {
	return f(creator, recipient, envType)
}

// Mode selects the gate's enforcement behavior.
type Mode int

const (
	// ModeEnforce denies envelopes the Decider rejects.
	ModeEnforce Mode = iota
	// ModeAuditOnly logs denials but never actually denies.
	ModeAuditOnly
	// ModeDisabled permits everything without consulting the Decider.
	ModeDisabled
)

// Gate implements router.AccessControl.
type Gate struct {
	decider Decider
	mode    Mode
	logger  *slog.Logger

	// isLocal reports whether creator is a participant hosted in this same
	// process; local messages bypass the gate entirely.
	isLocal func(participantID string) bool

	denied  int64
	audited int64
}

// Option configures a Gate.
type Option func(*Gate)

func WithMode(m Mode) Option { return func(g *Gate) { g.mode = m } }

func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// WithLocalBypass configures the predicate used to bypass the gate for
// messages whose creator is local. If unset, no bypass applies.
func WithLocalBypass(isLocal func(participantID string) bool) Option {
	return func(g *Gate) { g.isLocal = isLocal }
}

func New(decider Decider, opts ...Option) *Gate {
	g := &Gate{decider: decider, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "accesscontrol")
	return g
}

// Permit implements router.AccessControl. The envelope's creator is read
// from its "creator" custom header, falling back to Sender() when absent.
func (g *Gate) Permit(env *envelope.Envelope) bool {
	if g.mode == ModeDisabled {
		return true
	}

	creator := env.Sender()
	if c, ok := env.CustomHeader("creator"); ok && c != "" {
		creator = c
	}

	if g.isLocal != nil && g.isLocal(creator) {
		return true
	}

	permitted := g.decider == nil || g.decider.Permit(creator, env.Recipient(), env.Type())
	if permitted {
		return true
	}

	if g.mode == ModeAuditOnly {
		atomic.AddInt64(&g.audited, 1)
		g.logger.Warn("access-control would deny (audit-only)", "creator", creator, "recipient", env.Recipient(), "type", env.Type())
		return true
	}

	atomic.AddInt64(&g.denied, 1)
	g.logger.Warn("access-control denied", "creator", creator, "recipient", env.Recipient(), "type", env.Type())
	return false
}

// Denied reports how many envelopes have actually been denied (ModeEnforce
// only; ModeAuditOnly increments Audited instead).
func (g *Gate) Denied() int64 { return atomic.LoadInt64(&g.denied) }

// Audited reports how many envelopes would have been denied under
// ModeAuditOnly.
func (g *Gate) Audited() int64 { return atomic.LoadInt64(&g.audited) }
