package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/ccerr"
	"github.com/carmesh/cc/envelope"
	"github.com/carmesh/cc/multicast"
	"github.com/carmesh/cc/stub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStub is a MessagingStub that records every envelope handed to
// it and can be scripted to fail a fixed number of times before succeeding.
type recordingStub struct {
	mu          sync.Mutex
	transmitted []*envelope.Envelope
	failures    []error // consumed in order; once empty, Transmit succeeds
}

func (s *recordingStub) Transmit(ctx context.Context, env *envelope.Envelope, onFailure func(error)) error {
	s.mu.Lock()
	s.transmitted = append(s.transmitted, env)
	var err error
	if len(s.failures) > 0 {
		err = s.failures[0]
		s.failures = s.failures[1:]
	}
	s.mu.Unlock()

	if err != nil {
		onFailure(err)
		return nil
	}
	return nil
}

func (s *recordingStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transmitted)
}

type singleStubFactory struct {
	kind address.Kind
	s    *recordingStub
}

func (f *singleStubFactory) CanCreate(addr address.Address) bool { return addr.Kind() == f.kind }
func (f *singleStubFactory) Create(addr address.Address) (stub.MessagingStub, error) { return f.s, nil }

func newTestEnvelope(t *testing.T, id, recipient string, ttl time.Duration) *envelope.Envelope {
	t.Helper()
	e, err := envelope.New(envelope.TypeRequest,
		envelope.WithID(id),
		envelope.WithSender("sender-1"),
		envelope.WithRecipient(recipient),
		envelope.WithTTLAfter(ttl),
	)
	require.NoError(t, err)
	return e
}

func TestRouteDeliversToResolvedRecipient(t *testing.T) {
	s := &recordingStub{}
	reg := stub.NewRegistry(&singleStubFactory{kind: address.KindInProcess, s: s})
	r := New(reg)
	defer r.Shutdown()

	require.NoError(t, r.AddNextHop("p1", address.InProcess{ParticipantID: "p1"}, false, 0, true))

	env := newTestEnvelope(t, "e1", "p1", time.Second)
	tok := r.Route(context.Background(), env)
	require.NoError(t, tok.Wait(context.Background()))
	assert.Equal(t, 1, s.count())
}

func TestRouteQueuesUntilNextHopAdded(t *testing.T) {
	s := &recordingStub{}
	reg := stub.NewRegistry(&singleStubFactory{kind: address.KindInProcess, s: s})
	r := New(reg)
	defer r.Shutdown()

	env := newTestEnvelope(t, "e1", "p1", 2*time.Second)
	tok := r.Route(context.Background(), env)

	assert.Equal(t, 0, s.count())

	require.NoError(t, r.AddNextHop("p1", address.InProcess{ParticipantID: "p1"}, false, 0, true))

	require.NoError(t, tok.Wait(context.Background()))
	assert.Equal(t, 1, s.count())
}

func TestRouteTimesOutWhenNeverResolved(t *testing.T) {
	s := &recordingStub{}
	reg := stub.NewRegistry(&singleStubFactory{kind: address.KindInProcess, s: s})
	r := New(reg)
	defer r.Shutdown()

	env := newTestEnvelope(t, "e1", "never-resolved", 50*time.Millisecond)
	tok := r.Route(context.Background(), env)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := tok.Wait(ctx)
	require.Error(t, err)
	kind, ok := ccerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ccerr.KindTimeout, kind)
	assert.Equal(t, 0, s.count())
}

func TestRouteRetriesOnDelayWithRetryThenSucceeds(t *testing.T) {
	s := &recordingStub{failures: []error{
		ccerr.NewDelayWithRetry(10*time.Millisecond, "busy"),
		ccerr.NewDelayWithRetry(10*time.Millisecond, "busy"),
	}}
	reg := stub.NewRegistry(&singleStubFactory{kind: address.KindInProcess, s: s})
	r := New(reg)
	defer r.Shutdown()

	require.NoError(t, r.AddNextHop("p1", address.InProcess{ParticipantID: "p1"}, false, 0, true))

	env := newTestEnvelope(t, "e1", "p1", time.Second)
	tok := r.Route(context.Background(), env)
	require.NoError(t, tok.Wait(context.Background()))
	assert.Equal(t, 3, s.count())
}

func TestRouteDropsOnNotSent(t *testing.T) {
	s := &recordingStub{failures: []error{ccerr.New(ccerr.KindNotSent, "permanently unreachable")}}
	reg := stub.NewRegistry(&singleStubFactory{kind: address.KindInProcess, s: s})
	r := New(reg)
	defer r.Shutdown()

	require.NoError(t, r.AddNextHop("p1", address.InProcess{ParticipantID: "p1"}, false, 0, true))

	env := newTestEnvelope(t, "e1", "p1", time.Second)
	tok := r.Route(context.Background(), env)
	err := tok.Wait(context.Background())
	require.Error(t, err)
	kind, _ := ccerr.KindOf(err)
	assert.Equal(t, ccerr.KindNotSent, kind)
	assert.Equal(t, 1, s.count())
}

func TestAddNextHopRejectsDifferentAddress(t *testing.T) {
	reg := stub.NewRegistry()
	r := New(reg)
	defer r.Shutdown()

	require.NoError(t, r.AddNextHop("p1", address.InProcess{ParticipantID: "p1"}, false, 0, true))
	err := r.AddNextHop("p1", address.InProcess{ParticipantID: "other"}, false, 0, true)
	assert.ErrorIs(t, err, ErrDifferentAddress)
}

func TestAddNextHopIsIdempotent(t *testing.T) {
	reg := stub.NewRegistry()
	r := New(reg)
	defer r.Shutdown()

	addr := address.InProcess{ParticipantID: "p1"}
	require.NoError(t, r.AddNextHop("p1", addr, false, 0, false))
	require.NoError(t, r.AddNextHop("p1", addr, false, 0, false))

	entry, ok := r.Table().Lookup("p1")
	require.True(t, ok)
	assert.Equal(t, 2, entry.RefCount)

	r.RemoveNextHop("p1")
	_, ok = r.Table().Lookup("p1")
	assert.True(t, ok)

	r.RemoveNextHop("p1")
	_, ok = r.Table().Lookup("p1")
	assert.False(t, ok)
}

func TestRouteMulticastDeliversToMatchingSubscribersOnly(t *testing.T) {
	s := &recordingStub{}
	reg := stub.NewRegistry(&singleStubFactory{kind: address.KindInProcess, s: s})
	r := New(reg)
	defer r.Shutdown()

	require.NoError(t, r.AddNextHop("sub-1", address.InProcess{ParticipantID: "sub-1"}, false, 0, true))
	require.NoError(t, r.AddMulticastReceiver(multicast.BuildID("provider-1", "news", "sports"), "sub-1", "provider-1"))

	sportsEnv, err := envelope.New(envelope.TypeMulticast,
		envelope.WithID("m1"),
		envelope.WithRecipient(multicast.BuildID("provider-1", "news", "sports")),
		envelope.WithTTLAfter(time.Second),
	)
	require.NoError(t, err)

	weatherEnv, err := envelope.New(envelope.TypeMulticast,
		envelope.WithID("m2"),
		envelope.WithRecipient(multicast.BuildID("provider-1", "news", "weather")),
		envelope.WithTTLAfter(time.Second),
	)
	require.NoError(t, err)

	require.NoError(t, r.Route(context.Background(), sportsEnv).Wait(context.Background()))
	require.NoError(t, r.Route(context.Background(), weatherEnv).Wait(context.Background()))

	assert.Equal(t, 1, s.count())
}

func TestResolveNextHopFallsBackToParent(t *testing.T) {
	reg := stub.NewRegistry()
	called := false
	r := New(reg, WithParentResolver(func(participantID string) bool {
		called = true
		return participantID == "remote-p"
	}))
	defer r.Shutdown()

	assert.True(t, r.ResolveNextHop("remote-p"))
	assert.True(t, called)
	assert.False(t, r.ResolveNextHop("totally-unknown"))
}

type denyAll struct{}

func (denyAll) Permit(env *envelope.Envelope) bool { return false }

func TestAccessControlDeniesSilently(t *testing.T) {
	reg := stub.NewRegistry()
	r := New(reg, WithAccessControl(denyAll{}))
	defer r.Shutdown()

	env := newTestEnvelope(t, "e1", "p1", time.Second)
	tok := r.Route(context.Background(), env)
	assert.NoError(t, tok.Wait(context.Background()))
	assert.Equal(t, int64(1), r.AccessControlDenials())
}
