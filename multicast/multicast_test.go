package multicast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcherExactMatch(t *testing.T) {
	m, err := NewMatcher("weather/berlin")
	require.NoError(t, err)
	assert.True(t, m.Matches("weather/berlin"))
	assert.False(t, m.Matches("weather/munich"))
}

func TestMatcherSingleLevelWildcard(t *testing.T) {
	m, err := NewMatcher("weather/+/temperature")
	require.NoError(t, err)
	assert.True(t, m.Matches("weather/berlin/temperature"))
	assert.False(t, m.Matches("weather/berlin/de/temperature"))
}

func TestMatcherTrailingWildcard(t *testing.T) {
	m, err := NewMatcher("weather/*")
	require.NoError(t, err)
	assert.True(t, m.Matches("weather"))
	assert.True(t, m.Matches("weather/berlin"))
	assert.True(t, m.Matches("weather/berlin/hourly"))
	assert.False(t, m.Matches("traffic/berlin"))
}

func TestMatcherRejectsMidPatternWildcard(t *testing.T) {
	_, err := NewMatcher("weather/*/temperature")
	assert.Error(t, err)
}

func TestDirectoryReceivers(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.AddReceiver("provider-1", "weather/+/temperature", "sub-a"))
	require.NoError(t, d.AddReceiver("provider-1", "weather/berlin/temperature", "sub-b"))

	recv := d.Receivers("provider-1", "weather/berlin/temperature")
	assert.ElementsMatch(t, []string{"sub-a", "sub-b"}, recv)

	recv = d.Receivers("provider-1", "weather/munich/temperature")
	assert.ElementsMatch(t, []string{"sub-a"}, recv)
}

func TestDirectoryRemoveReceiver(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.AddReceiver("p1", "topic/+", "sub-a"))
	d.RemoveReceiver("p1", "topic/+", "sub-a")
	assert.Empty(t, d.Receivers("p1", "topic/x"))
}

func TestDirectoryRemoveSubscriberAcrossProviders(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.AddReceiver("p1", "a/*", "sub-a"))
	require.NoError(t, d.AddReceiver("p2", "b/*", "sub-a"))

	d.RemoveSubscriber("sub-a")
	assert.Empty(t, d.Receivers("p1", "a/x"))
	assert.Empty(t, d.Receivers("p2", "b/x"))
}

func TestDirectorySnapshotRestore(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.AddReceiver("p1", "a/+", "sub-a"))

	snap := d.Snapshot()
	d2 := NewDirectory()
	d2.Restore(snap)

	assert.ElementsMatch(t, []string{"sub-a"}, d2.Receivers("p1", "a/x"))
}
