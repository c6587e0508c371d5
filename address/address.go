// Package address implements the tagged-union address variants a routing
// entry can point at: a participant living in the same process, or one
// reachable over MQTT, an HTTP long-poll channel, or a WebSocket in either
// server or client role.
package address

import "fmt"

// Kind discriminates the address variant.
type Kind string

const (
	KindInProcess        Kind = "in-process"
	KindMqtt             Kind = "mqtt"
	KindHttpChannel      Kind = "http-channel"
	KindWebSocketServer  Kind = "websocket-server"
	KindWebSocketClient  Kind = "websocket-client"
)

// Address is implemented by every concrete variant below. Equal compares by
// value, not identity, so routing-table lookups and persistence round-trips
// can compare addresses loaded from different sources.
type Address interface {
	Kind() Kind
	Equal(other Address) bool
	String() string
}

// InProcess addresses a participant hosted in this same process; no
// network hop is required to reach it.
type InProcess struct {
	ParticipantID string
}

func (a InProcess) Kind() Kind { return KindInProcess }

func (a InProcess) Equal(other Address) bool {
	o, ok := other.(InProcess)
	return ok && o.ParticipantID == a.ParticipantID
}

func (a InProcess) String() string {
	return fmt.Sprintf("in-process:%s", a.ParticipantID)
}

// Mqtt addresses a participant reachable over an MQTT broker at a given
// topic prefix.
type Mqtt struct {
	BrokerURI string
	Topic     string
}

func (a Mqtt) Kind() Kind { return KindMqtt }

func (a Mqtt) Equal(other Address) bool {
	o, ok := other.(Mqtt)
	return ok && o.BrokerURI == a.BrokerURI && o.Topic == a.Topic
}

func (a Mqtt) String() string {
	return fmt.Sprintf("mqtt:%s/%s", a.BrokerURI, a.Topic)
}

// HttpChannel addresses a participant reachable via an HTTP long-poll
// channel, identified by a channel ID against a messaging-service URL.
type HttpChannel struct {
	MessagingEndpointURL string
	ChannelID            string
}

func (a HttpChannel) Kind() Kind { return KindHttpChannel }

func (a HttpChannel) Equal(other Address) bool {
	o, ok := other.(HttpChannel)
	return ok && o.MessagingEndpointURL == a.MessagingEndpointURL && o.ChannelID == a.ChannelID
}

func (a HttpChannel) String() string {
	return fmt.Sprintf("http-channel:%s/%s", a.MessagingEndpointURL, a.ChannelID)
}

// WebSocketServer addresses a participant reachable by connecting out to a
// WebSocket server this cluster-controller runs.
type WebSocketServer struct {
	Protocol string
	Host     string
	Port     int
	Path     string
}

func (a WebSocketServer) Kind() Kind { return KindWebSocketServer }

func (a WebSocketServer) Equal(other Address) bool {
	o, ok := other.(WebSocketServer)
	return ok && o == a
}

func (a WebSocketServer) String() string {
	return fmt.Sprintf("%s://%s:%d%s", a.Protocol, a.Host, a.Port, a.Path)
}

// WebSocketClient addresses a participant that connected in to us as a
// WebSocket client, identified by the connection's assigned ID. Two
// WebSocketClient addresses with the same ID refer to the same logical
// client even across reconnects.
type WebSocketClient struct {
	ID string
}

func (a WebSocketClient) Kind() Kind { return KindWebSocketClient }

func (a WebSocketClient) Equal(other Address) bool {
	o, ok := other.(WebSocketClient)
	return ok && o.ID == a.ID
}

func (a WebSocketClient) String() string {
	return fmt.Sprintf("websocket-client:%s", a.ID)
}
