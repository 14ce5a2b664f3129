// Package gamepad reads a DualShock 4 over evdev and publishes the latest stick
// and button state for the control loop.
package gamepad

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

type Buttons struct {
	Cross    bool `json:"x"`
	Circle   bool `json:"o"`
	Triangle bool `json:"d"`
	Square   bool `json:"v"`
	L1       bool `json:"l1"`
	R1       bool `json:"r1"`
	Share    bool `json:"share"`
	Options  bool `json:"option"`
	L3       bool `json:"l3"`
	R3       bool `json:"r3"`
	PS       bool `json:"ps"`
}

// Snapshot is the manual-input state. Sticks and triggers are 0..255, d-pad -1/0/1.
type Snapshot struct {
	Connected   bool      `json:"connected"`
	Buttons     Buttons   `json:"buttons"`
	DPadX       int       `json:"dpad_x"`
	DPadY       int       `json:"dpad_y"`
	LeftX       float64   `json:"left_x"`
	LeftY       float64   `json:"left_y"`
	RightX      float64   `json:"right_x"`
	RightY      float64   `json:"right_y"`
	L2          float64   `json:"l2"`
	R2          float64   `json:"r2"`
	Stamp       time.Time `json:"time"`
	FrequencyHz float64   `json:"frequency"`
	Device      string    `json:"device,omitempty"`
}

// Neutral is the state with sticks centred and nothing pressed.
func Neutral() Snapshot {
	return Snapshot{LeftX: axisCenter, LeftY: axisCenter, RightX: axisCenter, RightY: axisCenter}
}

type Config struct {
	Enable bool
	// Device pins an event node; empty means scan /dev/input for NameMatch.
	Device    string
	NameMatch []string
	Reconnect time.Duration
	Offsets   Offsets
}

type eventSource interface {
	ReadEvent() (event, error)
	Close() error
	Path() string
}

var openDeviceFn = openDevice

type Service struct {
	cfg Config

	mu   sync.RWMutex
	snap Snapshot

	devMu sync.Mutex
	dev   eventSource

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) *Service {
	if len(cfg.NameMatch) == 0 {
		cfg.NameMatch = []string{"Sony", "Wireless Controller"}
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = 2 * time.Second
	}
	if cfg.Offsets == (Offsets{}) {
		cfg.Offsets = DefaultOffsets()
	}
	return &Service{cfg: cfg, snap: Neutral(), stopCh: make(chan struct{})}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Start never fails on a missing controller; it keeps retrying in the background.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gamepad: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.closeDev()
		s.wg.Wait()
	})
}

func (s *Service) closeDev() {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	if s.dev != nil {
		_ = s.dev.Close()
		s.dev = nil
	}
}

func (s *Service) run(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.closeDev()
		case <-s.stopCh:
		}
	}()

	for {
		if s.stopped(ctx) {
			return
		}
		dev, err := openDeviceFn(s.cfg.Device, s.cfg.NameMatch)
		if err != nil {
			if !s.wait(ctx, s.cfg.Reconnect) {
				return
			}
			continue
		}
		s.devMu.Lock()
		if s.stopped(ctx) {
			s.devMu.Unlock()
			_ = dev.Close()
			return
		}
		s.dev = dev
		s.devMu.Unlock()

		log.Printf("gamepad connected device=%s", dev.Path())
		s.mu.Lock()
		s.snap = Neutral()
		s.snap.Connected = true
		s.snap.Device = dev.Path()
		s.snap.Stamp = time.Now()
		s.mu.Unlock()

		err = s.read(dev)
		s.closeDev()

		s.mu.Lock()
		s.snap = Neutral()
		s.mu.Unlock()
		if s.stopped(ctx) {
			return
		}
		log.Printf("gamepad disconnected: %v", err)
		if !s.wait(ctx, s.cfg.Reconnect) {
			return
		}
	}
}

func (s *Service) read(dev eventSource) error {
	var last time.Time
	var freq float64
	for {
		ev, err := dev.ReadEvent()
		if err != nil {
			return err
		}
		if ev.Type == evSyn {
			continue
		}
		now := time.Now()
		if !last.IsZero() {
			if dt := now.Sub(last).Seconds(); dt > 0 {
				freq = 0.95*freq + 0.05/dt
			}
		}
		last = now

		s.mu.Lock()
		apply(&s.snap, ev, s.cfg.Offsets)
		s.snap.Stamp = now
		s.snap.FrequencyHz = freq
		s.mu.Unlock()
	}
}

func (s *Service) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Service) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func nameMatches(name string, match []string) bool {
	for _, m := range match {
		if m != "" && strings.Contains(name, m) {
			return true
		}
	}
	return false
}
