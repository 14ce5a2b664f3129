package imu

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"balancebot/internal/sensors/icm20948"
)

func TestFusion_StaticAccelGivesTilt(t *testing.T) {
	var f Fusion
	f.Tau = 0.5
	g := 9.81
	tilt := 0.1
	// Nose-down pitch of +tilt rotates gravity onto -x.
	ax, az := -g*math.Sin(tilt), g*math.Cos(tilt)
	_, pitch, _ := f.Update(ax, 0, az, 0, 0, 0, 0)
	require.InDelta(t, tilt, pitch, 1e-12)

	for i := 0; i < 100; i++ {
		_, pitch, _ = f.Update(ax, 0, az, 0, 0, 0, 0.01)
	}
	require.InDelta(t, tilt, pitch, 1e-9)
}

func TestFusion_GyroDominatesShortTerm(t *testing.T) {
	f := Fusion{Tau: 1000}
	f.Update(0, 0, 9.81, 0, 0, 0, 0)
	var pitch float64
	for i := 0; i < 10; i++ {
		_, pitch, _ = f.Update(0, 0, 9.81, 0, 0.5, 0, 0.01)
	}
	require.InDelta(t, 0.05, pitch, 1e-3)
}

func TestFusion_YawIntegratesAndWraps(t *testing.T) {
	f := Fusion{Tau: 0.5}
	f.Update(0, 0, 9.81, 0, 0, 0, 0)
	var yaw float64
	for i := 0; i < 400; i++ {
		_, _, yaw = f.Update(0, 0, 9.81, 0, 0, 1, 0.01)
	}
	require.InDelta(t, 4-2*math.Pi, yaw, 1e-9)
}

func TestFusion_LargeGapResnaps(t *testing.T) {
	f := Fusion{Tau: 100}
	f.Update(0, 0, 9.81, 0, 0, 0, 0)
	f.Update(0, 0, 9.81, 0, 10, 0, 0.01)
	_, pitch, _ := f.Update(0, 0, 9.81, 0, 10, 0, 2)
	require.Zero(t, pitch)
}

func TestConvention(t *testing.T) {
	s := New(Config{InvertPitch: true, PitchOffsetRad: 0.022725})
	out := s.convention(Sample{Pitch: 0.1, GyroY: 0.5, GyroX: 0.2})
	require.InDelta(t, -0.1+0.022725, out.Pitch, 1e-12)
	require.Equal(t, -0.5, out.GyroY)
	require.Equal(t, 0.2, out.GyroX)
}

type fakeReader struct {
	mu   sync.Mutex
	t    time.Time
	err  error
	gyro [3]float64
}

func (f *fakeReader) Read() (icm20948.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return icm20948.Sample{}, f.err
	}
	f.t = f.t.Add(10 * time.Millisecond)
	return icm20948.Sample{Time: f.t, Az: 9.81, Gx: f.gyro[0], Gy: f.gyro[1], Gz: f.gyro[2]}, nil
}

func (f *fakeReader) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func withFakeDevice(t *testing.T, r reader) {
	t.Helper()
	old := openDeviceFn
	openDeviceFn = func(Config) (reader, func() error, error) { return r, func() error { return nil }, nil }
	t.Cleanup(func() { openDeviceFn = old })
}

func TestService_PublishesSamples(t *testing.T) {
	fr := &fakeReader{t: time.Unix(0, 0)}
	withFakeDevice(t, fr)

	s := New(Config{Enable: true, RateHz: 200, PitchOffsetRad: 0.02, InvertPitch: true})
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool {
		smp := s.Sample()
		return smp.Valid && smp.FrequencyHz > 0
	}, 2*time.Second, 5*time.Millisecond)

	smp := s.Sample()
	require.InDelta(t, 0.02, smp.Pitch, 1e-9)
	require.InDelta(t, 100, smp.FrequencyHz, 1e-6)
}

func TestService_ReadErrorMarksInvalid(t *testing.T) {
	fr := &fakeReader{t: time.Unix(0, 0)}
	withFakeDevice(t, fr)

	s := New(Config{Enable: true, RateHz: 200})
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool { return s.Sample().Valid }, 2*time.Second, 5*time.Millisecond)
	fr.setErr(errors.New("nack"))
	require.Eventually(t, func() bool {
		smp := s.Sample()
		return !smp.Valid && smp.LastError == "nack"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_ZeroDriftSubtractsBias(t *testing.T) {
	fr := &fakeReader{t: time.Unix(0, 0), gyro: [3]float64{0.01, -0.02, 0.03}}
	withFakeDevice(t, fr)

	s := New(Config{Enable: true, RateHz: 500, ZeroDrift: 100 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool { return s.Bias() != [3]float64{} }, 3*time.Second, 5*time.Millisecond)
	b := s.Bias()
	require.InDelta(t, 0.01, b[0], 1e-12)
	require.InDelta(t, -0.02, b[1], 1e-12)
	require.InDelta(t, 0.03, b[2], 1e-12)

	require.Eventually(t, func() bool {
		smp := s.Sample()
		return smp.Valid && math.Abs(smp.GyroZ) < 1e-12
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_StartOpenFailure(t *testing.T) {
	old := openDeviceFn
	openDeviceFn = func(Config) (reader, func() error, error) { return nil, nil, errors.New("no such device") }
	t.Cleanup(func() { openDeviceFn = old })

	s := New(Config{Enable: true})
	require.Error(t, s.Start(context.Background()))
	require.False(t, s.Sample().Valid)
	require.Contains(t, s.Sample().LastError, "no such device")
}

func TestService_DisabledIsNoop(t *testing.T) {
	s := New(Config{})
	require.NoError(t, s.Start(context.Background()))
	s.Close()
}
