// Package statuslamp shows the supervisor mode on a GPIO-driven LED.
package statuslamp

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"balancebot/internal/supervisor"
)

type Pattern int32

const (
	Dark Pattern = iota
	Lit
	Blink
	SlowBlink
)

// PatternFor maps a mode to its lamp pattern: lit while engaged, fast blink during
// the activation delay, slow blink while armed.
func PatternFor(m supervisor.Mode) Pattern {
	switch m {
	case supervisor.Engaged:
		return Lit
	case supervisor.ActivationDelay:
		return Blink
	case supervisor.Armed, supervisor.InTolerance:
		return SlowBlink
	}
	return Dark
}

type output interface {
	Set(on bool) error
	Close() error
}

var openLineFn = openLine

type Config struct {
	Enable    bool
	Pin       int
	ActiveLow bool
	// BlinkPeriod is the half-period of the fast blink; the slow blink is four times longer.
	BlinkPeriod time.Duration
}

type Service struct {
	cfg Config
	out output

	pattern atomic.Int32

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) *Service {
	if cfg.Pin == 0 {
		cfg.Pin = 17
	}
	if cfg.BlinkPeriod <= 0 {
		cfg.BlinkPeriod = 125 * time.Millisecond
	}
	return &Service{cfg: cfg, stopCh: make(chan struct{})}
}

// Start opens the GPIO line. A missing lamp is logged and otherwise ignored.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enable {
		return nil
	}
	out, err := openLineFn(s.cfg.Pin, s.cfg.ActiveLow)
	if err != nil {
		log.Printf("statuslamp disabled: %v", err)
		return nil
	}
	s.out = out
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Show selects the pattern for m. Safe to call every tick.
func (s *Service) Show(m supervisor.Mode) {
	s.pattern.Store(int32(PatternFor(m)))
}

func (s *Service) Pattern() Pattern { return Pattern(s.pattern.Load()) }

func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.out != nil {
			_ = s.out.Close()
		}
	})
}

func (s *Service) run(ctx context.Context) {
	t := time.NewTicker(s.cfg.BlinkPeriod)
	defer t.Stop()

	var step int
	lastOn, haveLast := false, false
	failed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-t.C:
		}
		step++
		on := level(s.Pattern(), step)
		if haveLast && on == lastOn {
			continue
		}
		if err := s.out.Set(on); err != nil {
			if !failed {
				log.Printf("statuslamp set failed: %v", err)
			}
			failed = true
			continue
		}
		failed = false
		lastOn, haveLast = on, true
	}
}

func level(p Pattern, step int) bool {
	switch p {
	case Lit:
		return true
	case Blink:
		return step%2 == 0
	case SlowBlink:
		return (step/4)%2 == 0
	}
	return false
}
