package httpchannel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	e, err := envelope.New(envelope.TypeOneWay,
		envelope.WithSender("p1"),
		envelope.WithRecipient("p2"),
		envelope.WithTTLAfter(time.Minute),
		envelope.WithPayload([]byte("hello")),
	)
	require.NoError(t, err)
	return e
}

func TestCanCreateOnlyAcceptsHttpChannelAddresses(t *testing.T) {
	f := NewFactory()
	assert.True(t, f.CanCreate(address.HttpChannel{MessagingEndpointURL: "http://x", ChannelID: "c1"}))
	assert.False(t, f.CanCreate(address.InProcess{ParticipantID: "p1"}))
}

func TestTransmitPostsEnvelopeToChannelURL(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewFactory(WithRetryMax(0))
	s, err := f.Create(address.HttpChannel{MessagingEndpointURL: srv.URL, ChannelID: "c1"})
	require.NoError(t, err)

	env := mustEnvelope(t)
	var failErr error
	done := make(chan struct{})
	err = s.Transmit(context.Background(), env, func(e error) {
		failErr = e
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
		t.Fatalf("unexpected failure: %v", failErr)
	case <-time.After(300 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/channels/c1/message", gotPath)
	assert.NotEmpty(t, gotBody)
}

func TestTransmitInvokesOnFailureForServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFactory(WithRetryMax(0))
	s, err := f.Create(address.HttpChannel{MessagingEndpointURL: srv.URL, ChannelID: "c1"})
	require.NoError(t, err)

	env := mustEnvelope(t)
	done := make(chan error, 1)
	err = s.Transmit(context.Background(), env, func(e error) { done <- e })
	require.NoError(t, err)

	select {
	case e := <-done:
		assert.Error(t, e)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onFailure")
	}
}
