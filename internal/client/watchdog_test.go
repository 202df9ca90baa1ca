package client

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdogFiresOncePerArm(t *testing.T) {
	var fired atomic.Int32
	w := NewWatchdog(20*time.Millisecond, func() { fired.Add(1) })
	w.Arm()
	defer w.Disarm()

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	w.Arm()
	assert.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestWatchdogActivityPostponesStall(t *testing.T) {
	var fired atomic.Int32
	w := NewWatchdog(60*time.Millisecond, func() { fired.Add(1) })
	w.Arm()
	defer w.Disarm()

	for range 8 {
		time.Sleep(20 * time.Millisecond)
		w.RecordActivity()
	}
	assert.Zero(t, fired.Load())

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWatchdogDisarmSuppresses(t *testing.T) {
	var fired atomic.Int32
	w := NewWatchdog(20*time.Millisecond, func() { fired.Add(1) })
	w.Arm()
	w.Disarm()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestWatchdogZeroTimeoutDisabled(t *testing.T) {
	w := NewWatchdog(0, func() { t.Error("stall reported with zero timeout") })
	w.Arm()
	w.RecordActivity()
	w.Disarm()
}
