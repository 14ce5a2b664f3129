package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"balancebot/internal/fault"
)

func TestRegistryCounts(t *testing.T) {
	r := New()
	r.ObserveTick(2 * time.Millisecond)
	r.ObserveTick(4 * time.Millisecond)
	r.Overrun()
	r.SetLoopHz(49.5)
	r.Fault(fault.Sensor("imu", errors.New("stale")))
	r.Fault(fault.Sensor("imu", errors.New("stale")))
	r.Fault(fault.Timing("loop", errors.New("overrun")))
	r.Fault(errors.New("plain"))
	r.Fault(nil)

	require.EqualValues(t, 2, r.FaultCount(fault.KindSensor))
	require.EqualValues(t, 1, r.FaultCount(fault.KindTiming))
	require.EqualValues(t, 1, r.FaultCount(fault.KindUnknown))
	require.EqualValues(t, 0, r.FaultCount(fault.KindActuation))
	require.EqualValues(t, 1, r.Overruns())

	snap := r.Snapshot()
	require.Equal(t, int64(1), snap["loop.overrun"])
	require.Equal(t, 49.5, snap["loop.hz"])
	tick := snap["loop.tick"].(map[string]any)
	require.Equal(t, int64(2), tick["count"])
	require.InDelta(t, 3000, tick["mean_us"], 1e-6)

	require.Contains(t, r.Names(), "fault.sensor")
	require.Contains(t, r.Names(), "fault.init")
}
