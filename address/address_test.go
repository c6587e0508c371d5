package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEqualAcrossVariantsIsFalse(t *testing.T) {
	var a Address = InProcess{ParticipantID: "p1"}
	var b Address = Mqtt{BrokerURI: "tcp://broker", Topic: "p1"}
	assert.False(t, a.Equal(b))
}

func TestInProcessEqualByValue(t *testing.T) {
	a := InProcess{ParticipantID: "p1"}
	b := InProcess{ParticipantID: "p1"}
	c := InProcess{ParticipantID: "p2"}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestWebSocketClientEqualByID(t *testing.T) {
	a := WebSocketClient{ID: "conn-1"}
	b := WebSocketClient{ID: "conn-1"}
	assert.True(t, a.Equal(b))
}

func TestKindDiscriminates(t *testing.T) {
	assert.Equal(t, KindHttpChannel, HttpChannel{}.Kind())
	assert.Equal(t, KindWebSocketServer, WebSocketServer{}.Kind())
}
