// Package mqtt implements the stub.Factory/stub.MessagingStub pair for
// address.Mqtt destinations, and the inbound subscription side that feeds
// decoded envelopes back into the cluster controller. It is built on
// paho.mqtt.golang, since the cluster controller only needs an MQTT
// publisher/subscriber, not to implement the protocol itself.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/ccerr"
	"github.com/carmesh/cc/envelope"
	"github.com/carmesh/cc/stub"
)

// DefaultQoS is the MQTT QoS level used for inbound subscriptions and for
// every publish except best-effort ones (see EffortQoS); at-least-once
// matches the router's own retry-on-failure semantics without requiring
// broker-side exactly-once bookkeeping.
const DefaultQoS = 1

// defaultPublishTimeout bounds how long Transmit waits on the broker's
// PUBACK before treating the attempt as a transient, retryable failure.
const defaultPublishTimeout = 10 * time.Second

// Factory creates and caches one paho client per broker URI and hands out
// a MessagingStub per (brokerURI, topic) destination.
type Factory struct {
	mu      sync.Mutex
	clients map[string]paho.Client
	logger  *slog.Logger
	onMsg   func(*envelope.Envelope)

	connectTimeout time.Duration
	publishTimeout time.Duration
}

// Option configures a Factory.
type Option func(*Factory)

func WithLogger(l *slog.Logger) Option { return func(f *Factory) { f.logger = l } }

// WithOnMessage registers the callback invoked for every successfully
// decoded envelope arriving on a topic this factory has subscribed to.
func WithOnMessage(fn func(*envelope.Envelope)) Option {
	return func(f *Factory) { f.onMsg = fn }
}

func WithPublishTimeout(d time.Duration) Option {
	return func(f *Factory) { f.publishTimeout = d }
}

func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		clients:        make(map[string]paho.Client),
		logger:         slog.Default(),
		connectTimeout: 10 * time.Second,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "transport.mqtt")
	return f
}

func (f *Factory) CanCreate(addr address.Address) bool {
	_, ok := addr.(address.Mqtt)
	return ok
}

func (f *Factory) Create(addr address.Address) (stub.MessagingStub, error) {
	mqttAddr, ok := addr.(address.Mqtt)
	if !ok {
		return nil, fmt.Errorf("transport/mqtt: %T is not an address.Mqtt", addr)
	}
	client, err := f.clientFor(mqttAddr.BrokerURI)
	if err != nil {
		return nil, err
	}
	return &messagingStub{client: client, topic: mqttAddr.Topic, publishTimeout: f.publishTimeout, logger: f.logger}, nil
}

func (f *Factory) clientFor(brokerURI string) (paho.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[brokerURI]; ok {
		return c, nil
	}

	opts := paho.NewClientOptions().
		AddBroker(brokerURI).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(f.connectTimeout)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(f.connectTimeout) {
		return nil, ccerr.NewDelayWithRetry(time.Second, fmt.Sprintf("timed out connecting to %s", brokerURI))
	}
	if err := token.Error(); err != nil {
		return nil, ccerr.Wrap(ccerr.KindDelayWithRetry, fmt.Sprintf("connecting to %s", brokerURI), err)
	}

	f.clients[brokerURI] = client
	f.logger.Info("connected to broker", "broker", brokerURI)
	return client, nil
}

// SubscribeInbound subscribes topic on brokerURI's client, decoding every
// arriving message as an envelope and handing it to the factory's
// WithOnMessage callback. Malformed messages are logged and dropped.
func (f *Factory) SubscribeInbound(brokerURI, topic string) error {
	client, err := f.clientFor(brokerURI)
	if err != nil {
		return err
	}

	token := client.Subscribe(topic, DefaultQoS, func(_ paho.Client, msg paho.Message) {
		env, err := envelope.Decode(msg.Payload())
		if err != nil {
			f.logger.Warn("dropping malformed inbound mqtt message", "topic", msg.Topic(), "err", err)
			return
		}
		if f.onMsg != nil {
			f.onMsg(env.WithReceivedFromGlobal(true))
		}
	})
	if !token.WaitTimeout(f.connectTimeout) {
		return ccerr.NewDelayWithRetry(time.Second, fmt.Sprintf("timed out subscribing to %s", topic))
	}
	return token.Error()
}

// Close disconnects every broker connection this factory opened.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for uri, c := range f.clients {
		c.Disconnect(250)
		f.logger.Info("disconnected from broker", "broker", uri)
	}
	f.clients = make(map[string]paho.Client)
}

type messagingStub struct {
	client         paho.Client
	topic          string
	publishTimeout time.Duration
	logger         *slog.Logger
}

func (s *messagingStub) Transmit(ctx context.Context, env *envelope.Envelope, onFailure func(error)) error {
	data, err := env.Encode()
	if err != nil {
		return ccerr.Wrap(ccerr.KindNotSent, "encoding envelope for mqtt transmission", err)
	}

	token := s.client.Publish(s.topic, EffortQoS(env.Effort()), false, data)
	go func() {
		timeout := s.publishTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d < timeout {
				timeout = d
			}
		}
		if !token.WaitTimeout(timeout) {
			onFailure(ccerr.NewDelayWithRetry(time.Second, "mqtt publish timed out"))
			return
		}
		if err := token.Error(); err != nil {
			onFailure(ccerr.NewDelayWithRetry(time.Second, "mqtt publish failed: "+err.Error()))
		}
	}()
	return nil
}
