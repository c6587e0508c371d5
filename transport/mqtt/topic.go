package mqtt

import (
	"strings"

	"github.com/carmesh/cc/envelope"
)

// UnicastTopic builds the MQTT topic a single participant's address is
// reachable on: <prefix>/<gbid>/<participantId>.
func UnicastTopic(prefix, gbid, participantID string) string {
	return prefix + "/" + gbid + "/" + participantID
}

// MulticastTopic builds the MQTT topic a multicast publication from
// providerID under multicastName is published on, optionally scoped by
// partitions: <prefix>/<providerId>/<multicastName>[/<partition>]*.
func MulticastTopic(prefix, providerID, multicastName string, partitions ...string) string {
	topic := prefix + "/" + providerID + "/" + multicastName
	for _, p := range partitions {
		topic += "/" + p
	}
	return topic
}

// ToMqttWildcard translates the cluster controller's own multicast pattern
// wildcards ('+' single-level, trailing '*' multi-level) into their MQTT
// equivalents ('+' and '#'), since the two wildcard alphabets aren't
// identical: MQTT's multi-level wildcard is '#', not '*', and must be the
// final topic level.
func ToMqttWildcard(pattern string) string {
	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		if level == "*" {
			levels[i] = "#"
		}
	}
	return strings.Join(levels, "/")
}

// EffortQoS picks the MQTT publish QoS for env's delivery effort: QoS 1
// (at-least-once) normally, downgraded to QoS 0 (at-most-once) for
// best-effort envelopes such as high-rate attribute broadcasts where a
// dropped message isn't worth a broker-side retry.
func EffortQoS(effort envelope.Effort) byte {
	if effort == envelope.EffortBestEffort {
		return 0
	}
	return DefaultQoS
}
