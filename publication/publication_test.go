package publication

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carmesh/cc/envelope"
	"github.com/carmesh/cc/future"
	"github.com/carmesh/cc/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRouter struct {
	mu        sync.Mutex
	delivered []*envelope.Envelope
}

func (r *recordingRouter) Route(ctx context.Context, env *envelope.Envelope) future.Token {
	r.mu.Lock()
	r.delivered = append(r.delivered, env)
	r.mu.Unlock()
	return future.Resolved(nil)
}

func (r *recordingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}

func (r *recordingRouter) last() *envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.delivered) == 0 {
		return nil
	}
	return r.delivered[len(r.delivered)-1]
}

type constantSource struct{ value []byte }

func (s constantSource) CurrentValue(name string) ([]byte, error) { return s.value, nil }

func TestNotifyChangePublishesImmediatelyOutsideMinInterval(t *testing.T) {
	r := &recordingRouter{}
	m := New(r)
	defer m.Shutdown()

	qos := subscription.NewOnChangeQos(time.Now(), time.Hour.Milliseconds(), 30_000, 50)
	require.NoError(t, m.Add("sub-a", "provider-1", "sub-1", "attr", qos))

	m.NotifyChange("sub-a", []byte("v1"))
	assert.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNotifyChangeCoalescesWithinMinInterval(t *testing.T) {
	r := &recordingRouter{}
	m := New(r)
	defer m.Shutdown()

	qos := subscription.NewOnChangeQos(time.Now(), time.Hour.Milliseconds(), 30_000, 100)
	require.NoError(t, m.Add("sub-a", "provider-1", "sub-1", "attr", qos))

	m.NotifyChange("sub-a", []byte("v1"))
	m.NotifyChange("sub-a", []byte("v2"))
	m.NotifyChange("sub-a", []byte("v3"))

	assert.Eventually(t, func() bool { return r.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "v3", string(r.last().Payload()))
}

func TestPeriodicQosPublishesWithoutExplicitNotify(t *testing.T) {
	r := &recordingRouter{}
	m := New(r, WithValueSource(constantSource{value: []byte("periodic-value")}))
	defer m.Shutdown()

	qos := subscription.NewPeriodicQos(time.Now(), time.Hour.Milliseconds(), 30_000, 50, 0)
	require.NoError(t, m.Add("sub-a", "provider-1", "sub-1", "attr", qos))

	assert.Eventually(t, func() bool { return r.count() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestRemoveStopsPeriodicPublishing(t *testing.T) {
	r := &recordingRouter{}
	m := New(r, WithValueSource(constantSource{value: []byte("v")}))
	defer m.Shutdown()

	qos := subscription.NewPeriodicQos(time.Now(), time.Hour.Milliseconds(), 30_000, 50, 0)
	require.NoError(t, m.Add("sub-a", "provider-1", "sub-1", "attr", qos))
	m.Remove("sub-a")

	time.Sleep(120 * time.Millisecond)
	before := r.count()
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, before, r.count())
}

func TestFireBroadcastRejectsInvalidPartition(t *testing.T) {
	r := &recordingRouter{}
	m := New(r)
	defer m.Shutdown()

	err := m.FireBroadcast(context.Background(), "provider-1", "news", []string{"bad partition!"}, [][]byte{[]byte("v")})
	assert.ErrorIs(t, err, ErrInvalidPartition)
}

func TestFireBroadcastAllowsTrailingWildcardOnly(t *testing.T) {
	r := &recordingRouter{}
	m := New(r)
	defer m.Shutdown()

	err := m.FireBroadcast(context.Background(), "provider-1", "news", []string{"*", "sports"}, [][]byte{[]byte("v")})
	assert.ErrorIs(t, err, ErrInvalidPartition)

	err = m.FireBroadcast(context.Background(), "provider-1", "news", []string{"sports", "*"}, [][]byte{[]byte("v")})
	assert.NoError(t, err)
}

func TestFireBroadcastDropsWhenFilterReturnsFalse(t *testing.T) {
	r := &recordingRouter{}
	m := New(r)
	defer m.Shutdown()

	err := m.FireBroadcast(context.Background(), "provider-1", "news", nil, [][]byte{[]byte("v")}, func(string, [][]byte) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 0, r.count())
}

func TestFireBroadcastTreatsPanickingFilterAsFalse(t *testing.T) {
	r := &recordingRouter{}
	m := New(r)
	defer m.Shutdown()

	var calls int32
	panicky := func(string, [][]byte) bool {
		atomic.AddInt32(&calls, 1)
		panic("boom")
	}

	err := m.FireBroadcast(context.Background(), "provider-1", "news", nil, [][]byte{[]byte("v")}, panicky)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, r.count())
}

func TestFireBroadcastDeliversMulticastEnvelope(t *testing.T) {
	r := &recordingRouter{}
	m := New(r)
	defer m.Shutdown()

	err := m.FireBroadcast(context.Background(), "provider-1", "news", []string{"sports"}, [][]byte{[]byte("goal")})
	require.NoError(t, err)
	require.Equal(t, 1, r.count())
	assert.Equal(t, envelope.TypeMulticast, r.last().Type())
	assert.Equal(t, "provider-1/news/sports", r.last().Recipient())
}
