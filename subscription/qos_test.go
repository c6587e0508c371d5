package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

func TestOnChangeQosClampsMinInterval(t *testing.T) {
	q := NewOnChangeQos(fixedNow, 10_000, 5_000, 10)
	assert.Equal(t, MinIntervalFloorMs, q.MinIntervalMs())

	q2 := NewOnChangeQos(fixedNow, 10_000, 5_000, MaxIntervalCeilMs+1)
	assert.Equal(t, MaxIntervalCeilMs, q2.MinIntervalMs())
}

func TestOnChangeWithKeepAliveClampsMaxIntervalToMinInterval(t *testing.T) {
	q := NewOnChangeWithKeepAliveQos(fixedNow, 10_000, 5_000, 200, 50, 0)
	assert.Equal(t, int64(200), q.MaxIntervalMs())
}

func TestSetMaxIntervalBelowMinIsRaised(t *testing.T) {
	q := NewOnChangeWithKeepAliveQos(fixedNow, 10_000, 5_000, 200, 500, 0)
	q.SetMaxIntervalMs(10)
	assert.Equal(t, int64(200), q.MaxIntervalMs())
}

func TestAlertAfterZeroDisablesAlerting(t *testing.T) {
	q := NewOnChangeWithKeepAliveQos(fixedNow, 10_000, 5_000, 200, 500, 0)
	assert.Equal(t, int64(0), q.AlertAfterIntervalMs())
}

func TestAlertAfterClampedToMaxInterval(t *testing.T) {
	q := NewOnChangeWithKeepAliveQos(fixedNow, 10_000, 5_000, 200, 500, 100)
	assert.Equal(t, int64(500), q.AlertAfterIntervalMs())
}

func TestPeriodicQosClamps(t *testing.T) {
	q := NewPeriodicQos(fixedNow, 10_000, 5_000, 10, 0)
	assert.Equal(t, MinIntervalFloorMs, q.PeriodMs())

	q2 := NewPeriodicQos(fixedNow, 10_000, 5_000, 1000, 100)
	assert.Equal(t, int64(1000), q2.AlertAfterIntervalMs())
}

func TestExpiryDateComputedFromValidity(t *testing.T) {
	q := NewPeriodicQos(fixedNow, 10_000, 5_000, 1000, 0)
	assert.Equal(t, fixedNow.UnixMilli()+10_000, q.ExpiryDateMs())
}
