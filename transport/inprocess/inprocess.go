// Package inprocess implements delivery to participants hosted in this
// same process: no network hop, no codec, just a direct function call onto
// the recipient's registered handler. This is the one transport that
// genuinely has nothing to gain from a third-party library: there is no
// wire format to parse and no connection to manage.
package inprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/ccerr"
	"github.com/carmesh/cc/envelope"
	"github.com/carmesh/cc/stub"
)

// Handler receives an envelope addressed to a locally hosted participant.
type Handler func(env *envelope.Envelope)

// Registry maps participantID to its registered Handler and implements
// stub.Factory for address.InProcess destinations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// RegisterHandler binds participantID to handler, replacing any previous
// registration.
func (r *Registry) RegisterHandler(participantID string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[participantID] = handler
}

// UnregisterHandler forgets participantID's handler.
func (r *Registry) UnregisterHandler(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, participantID)
}

func (r *Registry) CanCreate(addr address.Address) bool {
	_, ok := addr.(address.InProcess)
	return ok
}

func (r *Registry) Create(addr address.Address) (stub.MessagingStub, error) {
	inProc, ok := addr.(address.InProcess)
	if !ok {
		return nil, fmt.Errorf("transport/inprocess: %T is not an address.InProcess", addr)
	}
	return &messagingStub{registry: r, participantID: inProc.ParticipantID}, nil
}

type messagingStub struct {
	registry      *Registry
	participantID string
}

func (s *messagingStub) Transmit(ctx context.Context, env *envelope.Envelope, onFailure func(error)) error {
	s.registry.mu.RLock()
	handler, ok := s.registry.handlers[s.participantID]
	s.registry.mu.RUnlock()

	if !ok {
		return ccerr.New(ccerr.KindNotSent, fmt.Sprintf("no local handler registered for %s", s.participantID))
	}
	handler(env)
	return nil
}
