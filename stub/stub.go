// Package stub implements the messaging-stub factory registry: given an
// address, find (or lazily create and cache) the MessagingStub able to
// transmit envelopes to it, and evict cached stubs whose underlying
// transport reports itself closed.
package stub

import (
	"context"
	"fmt"
	"sync"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/envelope"
)

// MessagingStub transmits a single envelope to the destination the stub was
// created for. onFailure is invoked if transmission ultimately fails after
// any transport-internal retry. A stub may invoke it synchronously, before
// Transmit returns nil, or later from another goroutine.
type MessagingStub interface {
	Transmit(ctx context.Context, env *envelope.Envelope, onFailure func(error)) error
}

// Factory knows how to build a MessagingStub for the address kinds it
// declares support for via CanCreate.
type Factory interface {
	CanCreate(addr address.Address) bool
	Create(addr address.Address) (MessagingStub, error)
}

// CloseNotifier is optionally implemented by a MessagingStub whose
// transport can report itself closed out-of-band (e.g. a broker
// disconnect), so the registry can evict its cache entry proactively
// instead of waiting for the next failed Transmit.
type CloseNotifier interface {
	OnClosed(func())
}

// ErrNoFactory is returned by Registry.Get when no registered factory
// claims the given address.
var ErrNoFactory = fmt.Errorf("stub: no factory registered for address kind")

// Registry caches one MessagingStub per distinct destination address and
// dispatches creation to whichever registered Factory claims it.
type Registry struct {
	mu        sync.Mutex
	factories []Factory
	cache     map[string]MessagingStub
}

func NewRegistry(factories ...Factory) *Registry {
	return &Registry{
		factories: factories,
		cache:     make(map[string]MessagingStub),
	}
}

// RegisterFactory adds a factory at runtime, e.g. when a transport plugin
// initializes after the registry does.
func (r *Registry) RegisterFactory(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, f)
}

// Get returns the cached stub for addr, creating and caching one via the
// first matching factory if none exists yet.
func (r *Registry) Get(addr address.Address) (MessagingStub, error) {
	key := addr.String()

	r.mu.Lock()
	if s, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	for _, f := range r.factories {
		if !f.CanCreate(addr) {
			continue
		}
		s, err := f.Create(addr)
		if err != nil {
			return nil, fmt.Errorf("stub: create for %s: %w", addr, err)
		}

		r.mu.Lock()
		r.cache[key] = s
		r.mu.Unlock()

		if cn, ok := s.(CloseNotifier); ok {
			cn.OnClosed(func() { r.Evict(addr) })
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoFactory, addr.Kind())
}

// Evict removes the cached stub for addr, if any, forcing the next Get to
// recreate it.
func (r *Registry) Evict(addr address.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, addr.String())
}

// Len reports the number of cached stubs, for tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
