// Package httpchannel implements the stub.Factory/stub.MessagingStub pair
// for address.HttpChannel destinations: participants reachable only via an
// HTTP long-poll channel rather than a persistent connection. Delivery is
// a plain POST of the encoded envelope to the channel's message endpoint,
// with retryablehttp handling transient network failures before the
// router's own retry/backoff ever sees them.
package httpchannel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/ccerr"
	"github.com/carmesh/cc/envelope"
	"github.com/carmesh/cc/stub"
)

// Factory builds one messagingStub per (endpoint, channel) destination,
// sharing a single retryablehttp.Client across all of them.
type Factory struct {
	client *retryablehttp.Client
	logger *slog.Logger
}

// Option configures a Factory.
type Option func(*Factory)

func WithLogger(l *slog.Logger) Option { return func(f *Factory) { f.logger = l } }

// WithRetryMax overrides retryablehttp's default retry count.
func WithRetryMax(n int) Option {
	return func(f *Factory) { f.client.RetryMax = n }
}

func NewFactory(opts ...Option) *Factory {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second

	f := &Factory{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "transport.httpchannel")
	return f
}

func (f *Factory) CanCreate(addr address.Address) bool {
	_, ok := addr.(address.HttpChannel)
	return ok
}

func (f *Factory) Create(addr address.Address) (stub.MessagingStub, error) {
	httpAddr, ok := addr.(address.HttpChannel)
	if !ok {
		return nil, fmt.Errorf("transport/httpchannel: %T is not an address.HttpChannel", addr)
	}
	url := fmt.Sprintf("%s/channels/%s/message", httpAddr.MessagingEndpointURL, httpAddr.ChannelID)
	return &messagingStub{client: f.client, url: url, logger: f.logger}, nil
}

type messagingStub struct {
	client *retryablehttp.Client
	url    string
	logger *slog.Logger
}

func (s *messagingStub) Transmit(ctx context.Context, env *envelope.Envelope, onFailure func(error)) error {
	data, err := env.Encode()
	if err != nil {
		return ccerr.Wrap(ccerr.KindNotSent, "encoding envelope for http-channel transmission", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return ccerr.Wrap(ccerr.KindNotSent, "building http-channel request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	go func() {
		resp, err := s.client.Do(req)
		if err != nil {
			onFailure(ccerr.NewDelayWithRetry(time.Second, "http-channel post failed: "+err.Error()))
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 500 {
			onFailure(ccerr.NewDelayWithRetry(time.Second, fmt.Sprintf("http-channel post returned %d", resp.StatusCode)))
			return
		}
		if resp.StatusCode >= 400 {
			onFailure(ccerr.New(ccerr.KindNotSent, fmt.Sprintf("http-channel post returned %d", resp.StatusCode)))
		}
	}()
	return nil
}
