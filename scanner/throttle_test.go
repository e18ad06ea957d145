package scanner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottle_Delay(t *testing.T) {
	// GOAL: Verify no more than max starts fit into one rolling window
	//
	// TEST SCENARIO: Record max starts → next start delayed until the oldest leaves → delay gone after window

	base := time.Unix(1000, 0)
	th := NewThrottle(30*time.Second, 4)

	for i := 0; i < 4; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		assert.Zero(t, th.Delay(now), "start %d MUST not be delayed", i)
		th.Record(now)
	}

	assert.Equal(t, 27*time.Second, th.Delay(base.Add(3*time.Second)), "fifth start MUST wait for the first one to leave the window")
	assert.Equal(t, 4, th.Len(base.Add(29*time.Second)))
	assert.Zero(t, th.Delay(base.Add(30*time.Second)), "start MUST be allowed once the window moved")
	assert.Equal(t, 3, th.Len(base.Add(30*time.Second)), "expired start MUST be forgotten")
}

func TestThrottle_RollingWindow(t *testing.T) {
	// GOAL: Verify the gate follows the window as starts keep coming
	//
	// TEST SCENARIO: Starts at 0,10,20 with max 2 per 15s → each gate computed from the start max positions back

	base := time.Unix(0, 0)
	th := NewThrottle(15*time.Second, 2)

	th.Record(base)
	th.Record(base.Add(10 * time.Second))
	assert.Equal(t, 5*time.Second, th.Delay(base.Add(10*time.Second)))

	th.Record(base.Add(20 * time.Second))
	assert.Equal(t, 5*time.Second, th.Delay(base.Add(20*time.Second)), "gate MUST be the start at 10s")
}
