package stub

import (
	"context"
	"testing"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStub struct {
	transmitted int
	onClosed    func()
}

func (f *fakeStub) Transmit(ctx context.Context, env *envelope.Envelope, onFailure func(error)) error {
	f.transmitted++
	return nil
}

func (f *fakeStub) OnClosed(fn func()) { f.onClosed = fn }

type fakeFactory struct {
	kind    address.Kind
	created []address.Address
	stub    *fakeStub
}

func (f *fakeFactory) CanCreate(addr address.Address) bool { return addr.Kind() == f.kind }

func (f *fakeFactory) Create(addr address.Address) (MessagingStub, error) {
	f.created = append(f.created, addr)
	return f.stub, nil
}

func TestGetCachesStubPerAddress(t *testing.T) {
	factory := &fakeFactory{kind: address.KindInProcess, stub: &fakeStub{}}
	reg := NewRegistry(factory)

	addr := address.InProcess{ParticipantID: "p1"}
	s1, err := reg.Get(addr)
	require.NoError(t, err)
	s2, err := reg.Get(addr)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Len(t, factory.created, 1)
}

func TestGetReturnsErrNoFactory(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get(address.InProcess{ParticipantID: "p1"})
	assert.ErrorIs(t, err, ErrNoFactory)
}

func TestEvictForcesRecreate(t *testing.T) {
	factory := &fakeFactory{kind: address.KindInProcess, stub: &fakeStub{}}
	reg := NewRegistry(factory)
	addr := address.InProcess{ParticipantID: "p1"}

	_, err := reg.Get(addr)
	require.NoError(t, err)
	reg.Evict(addr)
	_, err = reg.Get(addr)
	require.NoError(t, err)

	assert.Len(t, factory.created, 2)
}

func TestCloseNotifierTriggersEviction(t *testing.T) {
	s := &fakeStub{}
	factory := &fakeFactory{kind: address.KindInProcess, stub: s}
	reg := NewRegistry(factory)
	addr := address.InProcess{ParticipantID: "p1"}

	_, err := reg.Get(addr)
	require.NoError(t, err)
	require.NotNil(t, s.onClosed)

	s.onClosed()
	assert.Equal(t, 0, reg.Len())
}
