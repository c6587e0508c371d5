package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/envelope"
	"github.com/carmesh/cc/future"
	"github.com/carmesh/cc/multicast"
	"github.com/carmesh/cc/publication"
	"github.com/carmesh/cc/routingtable"
	"github.com/carmesh/cc/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/store"
	s, err := Open(dir)
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestRoutingTableRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	table := routingtable.New()
	table.Add("p1", address.InProcess{ParticipantID: "p1"}, true, time.Now().Add(time.Hour).UnixMilli(), false)
	table.AddProvisioned("disco", address.Mqtt{BrokerURI: "tcp://broker", Topic: "disco/in"}, true)

	require.NoError(t, s.SaveRoutingTable(table))

	restored := routingtable.New()
	require.NoError(t, s.LoadRoutingTable(restored))

	e, ok := restored.Lookup("p1")
	require.True(t, ok)
	assert.True(t, e.Address.Equal(address.InProcess{ParticipantID: "p1"}))

	d, ok := restored.Lookup("disco")
	require.True(t, ok)
	assert.True(t, d.IsSticky)
	assert.True(t, d.Address.Equal(address.Mqtt{BrokerURI: "tcp://broker", Topic: "disco/in"}))
}

func TestRoutingTableDiscardsExpiredEntriesOnLoad(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	table := routingtable.New()
	table.Add("stale", address.InProcess{ParticipantID: "stale"}, false, 1, false)
	require.NoError(t, s.SaveRoutingTable(table))

	restored := routingtable.New()
	require.NoError(t, s.LoadRoutingTable(restored))
	_, ok := restored.Lookup("stale")
	assert.False(t, ok)
}

func TestMulticastDirectoryRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	dir := multicast.NewDirectory()
	require.NoError(t, dir.AddReceiver("provider-1", "news/sports", "sub-1"))

	require.NoError(t, s.SaveMulticastDirectory(dir))

	restored := multicast.NewDirectory()
	require.NoError(t, s.LoadMulticastDirectory(restored))
	assert.Contains(t, restored.Receivers("provider-1", "news/sports"), "sub-1")
}

type fakeCallback struct{}

func (fakeCallback) OnReceive(payload []byte)                {}
func (fakeCallback) OnPublicationMissed(subscriptionID string) {}

func TestSubscriptionsRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	mgr := subscription.New()
	defer mgr.Shutdown()
	qos := subscription.NewOnChangeQos(time.Now(), time.Hour.Milliseconds(), 30_000, 50)
	id, err := mgr.RegisterSubscription("", "provider-1", "sub-1", qos, fakeCallback{})
	require.NoError(t, err)

	require.NoError(t, s.SaveSubscriptions(mgr))

	restored := subscription.New()
	defer restored.Shutdown()
	require.NoError(t, s.LoadSubscriptions(restored, cbForID(id)))

	_, ok := restored.Lookup(id)
	assert.True(t, ok)
}

func cbForID(id string) func(string) subscription.Callback {
	return func(subscriptionID string) subscription.Callback {
		if subscriptionID != id {
			return nil
		}
		return fakeCallback{}
	}
}

type recordingRouter struct{ delivered int }

func (r *recordingRouter) Route(ctx context.Context, env *envelope.Envelope) future.Token {
	r.delivered++
	return future.Resolved(nil)
}

func TestProviderSubscriptionsRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	router := &recordingRouter{}
	mgr := publication.New(router)
	defer mgr.Shutdown()

	qos := subscription.NewOnChangeQos(time.Now(), time.Hour.Milliseconds(), 30_000, 50)
	require.NoError(t, mgr.Add("sub-a", "provider-1", "sub-1", "attr", qos))

	require.NoError(t, s.SaveProviderSubscriptions(mgr))

	restored := publication.New(router)
	defer restored.Shutdown()
	require.NoError(t, s.LoadProviderSubscriptions(restored))

	snaps := restored.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "sub-a", snaps[0].SubscriptionID)
}

func TestClearRemovesAllFiles(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SaveRoutingTable(routingtable.New()))
	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear()) // idempotent
}
