// Package imu is the orientation collaborator: it samples the ICM-20948 on its own
// goroutine and publishes roll, pitch, yaw and body rates in radians.
package imu

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"balancebot/internal/i2c"
	"balancebot/internal/sensors/icm20948"
)

// Sample is the latest fused orientation. Angles are radians and rates rad/s,
// right-handed, after the pitch sign convention and calibration offset.
type Sample struct {
	Roll        float64   `json:"roll"`
	Pitch       float64   `json:"pitch"`
	Yaw         float64   `json:"yaw"`
	GyroX       float64   `json:"gyro_x"`
	GyroY       float64   `json:"gyro_y"`
	GyroZ       float64   `json:"gyro_z"`
	Stamp       time.Time `json:"time"`
	FrequencyHz float64   `json:"frequency"`
	Valid       bool      `json:"valid"`
	LastError   string    `json:"last_error,omitempty"`
}

type Config struct {
	Enable       bool
	I2CBus       int
	Addr         uint16
	RateHz       int
	GyroRangeDPS int

	// PitchOffsetRad is added after the sign convention is applied.
	PitchOffsetRad float64
	// InvertPitch negates pitch and pitch rate, for a sensor mounted facing backwards.
	InvertPitch bool
	// FusionTau is the complementary filter time constant.
	FusionTau time.Duration
	// ZeroDrift is how long the robot must sit still at startup for the gyro bias estimate.
	ZeroDrift time.Duration
}

type reader interface {
	Read() (icm20948.Sample, error)
}

type device struct {
	bus *i2c.Bus
	imu *icm20948.Device
}

func (d *device) Read() (icm20948.Sample, error) { return d.imu.Read() }
func (d *device) Close() error                   { return d.bus.Close() }

var openDeviceFn = func(cfg Config) (reader, func() error, error) {
	bus, err := i2c.Open(i2c.BusPath(cfg.I2CBus))
	if err != nil {
		return nil, nil, err
	}
	imu, err := icm20948.New(bus.Dev(cfg.Addr), icm20948.Options{RateHz: cfg.RateHz, GyroRangeDPS: cfg.GyroRangeDPS, LowPass: true})
	if err != nil {
		_ = bus.Close()
		return nil, nil, err
	}
	d := &device{bus: bus, imu: imu}
	return d, d.Close, nil
}

const reinitAfterFailures = 10

type Service struct {
	cfg Config

	mu   sync.RWMutex
	snap Sample

	biasMu sync.RWMutex
	bias   [3]float64

	zeroDriftCh chan chan error

	dev      reader
	closeDev func() error

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) *Service {
	if cfg.I2CBus == 0 {
		cfg.I2CBus = 1
	}
	if cfg.Addr == 0 {
		cfg.Addr = icm20948.DefaultAddress()
	}
	if cfg.RateHz <= 0 {
		cfg.RateHz = 100
	}
	if cfg.FusionTau <= 0 {
		cfg.FusionTau = 500 * time.Millisecond
	}
	return &Service{cfg: cfg, stopCh: make(chan struct{}), zeroDriftCh: make(chan chan error, 1)}
}

func (s *Service) Sample() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Start opens the sensor and begins sampling. An open failure is returned so
// the caller can treat a missing sensor as fatal at startup.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("imu: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	dev, closeFn, err := openDeviceFn(s.cfg)
	if err != nil {
		s.setErr(fmt.Sprintf("open: %v", err))
		return fmt.Errorf("imu: %w", err)
	}
	s.dev = dev
	s.closeDev = closeFn
	log.Printf("imu started bus=%d addr=0x%02X rate_hz=%d", s.cfg.I2CBus, s.cfg.Addr, s.cfg.RateHz)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	if s.cfg.ZeroDrift > 0 {
		go func() {
			zctx, cancel := context.WithTimeout(ctx, s.cfg.ZeroDrift+2*time.Second)
			defer cancel()
			if err := s.ZeroDrift(zctx); err != nil {
				log.Printf("imu zero drift failed: %v", err)
			}
		}()
	}
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.closeDev != nil {
			_ = s.closeDev()
		}
	})
}

// ZeroDrift averages the gyro over cfg.ZeroDrift (1s if unset) and subtracts the
// result from later samples. The robot must be stationary.
func (s *Service) ZeroDrift(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case s.zeroDriftCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("imu: zero drift already in progress")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bias returns the gyro bias currently subtracted, in rad/s.
func (s *Service) Bias() [3]float64 {
	s.biasMu.RLock()
	defer s.biasMu.RUnlock()
	return s.bias
}

func (s *Service) run(ctx context.Context) {
	tick := time.NewTicker(time.Second / time.Duration(s.cfg.RateHz))
	defer tick.Stop()

	fusion := Fusion{Tau: s.cfg.FusionTau.Seconds()}
	var lastAt time.Time
	var freq float64

	var calDone chan error
	var calStart time.Time
	var calSum [3]float64
	var calN int

	failures := 0
	var lastReinit time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case done := <-s.zeroDriftCh:
			if calDone != nil {
				done <- errors.New("imu: zero drift already in progress")
				continue
			}
			calDone = done
			calSum = [3]float64{}
			calN = 0
		case <-tick.C:
			raw, err := s.dev.Read()
			if err != nil {
				failures++
				s.setErr(err.Error())
				if failures >= reinitAfterFailures && time.Since(lastReinit) >= 2*time.Second {
					lastReinit = time.Now()
					s.reopen()
					failures = 0
					fusion.Reset()
					lastAt = time.Time{}
				}
				continue
			}
			failures = 0

			now := raw.Time
			if now.IsZero() {
				now = time.Now()
			}
			dt := 0.0
			if !lastAt.IsZero() {
				dt = now.Sub(lastAt).Seconds()
			}
			lastAt = now
			if dt > 0 {
				f := 1 / dt
				if freq == 0 {
					freq = f
				} else {
					freq = 0.9*freq + 0.1*f
				}
			}

			if calDone != nil {
				if calN == 0 {
					calStart = now
				}
				calSum[0] += raw.Gx
				calSum[1] += raw.Gy
				calSum[2] += raw.Gz
				calN++
				window := s.cfg.ZeroDrift
				if window <= 0 {
					window = time.Second
				}
				if now.Sub(calStart) >= window {
					if calN == 0 {
						calDone <- errors.New("imu: zero drift failed (no samples)")
					} else {
						s.biasMu.Lock()
						s.bias = [3]float64{calSum[0] / float64(calN), calSum[1] / float64(calN), calSum[2] / float64(calN)}
						s.biasMu.Unlock()
						log.Printf("imu zero drift bias=%.5f,%.5f,%.5f rad/s", s.bias[0], s.bias[1], s.bias[2])
						calDone <- nil
					}
					calDone = nil
				}
			}

			bias := s.Bias()
			gx, gy, gz := raw.Gx-bias[0], raw.Gy-bias[1], raw.Gz-bias[2]
			roll, pitch, yaw := fusion.Update(raw.Ax, raw.Ay, raw.Az, gx, gy, gz, dt)

			out := s.convention(Sample{Roll: roll, Pitch: pitch, Yaw: yaw, GyroX: gx, GyroY: gy, GyroZ: gz})
			out.Stamp = now
			out.FrequencyHz = freq
			out.Valid = !math.IsNaN(out.Pitch)

			s.mu.Lock()
			s.snap = out
			s.mu.Unlock()
		}
	}
}

// convention applies the mounting sign and calibration offset.
func (s *Service) convention(in Sample) Sample {
	if s.cfg.InvertPitch {
		in.Pitch = -in.Pitch
		in.GyroY = -in.GyroY
	}
	in.Pitch += s.cfg.PitchOffsetRad
	return in
}

func (s *Service) reopen() {
	if s.closeDev != nil {
		_ = s.closeDev()
	}
	dev, closeFn, err := openDeviceFn(s.cfg)
	if err != nil {
		s.setErr(fmt.Sprintf("reinit: %v", err))
		s.dev = failingReader{err: err}
		s.closeDev = nil
		return
	}
	log.Printf("imu reinitialized")
	s.dev = dev
	s.closeDev = closeFn
}

type failingReader struct{ err error }

func (f failingReader) Read() (icm20948.Sample, error) { return icm20948.Sample{}, f.err }

func (s *Service) setErr(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Valid = false
	s.snap.LastError = msg
}
