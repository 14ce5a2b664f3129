// Package motor drives one wheel controller over its serial link: torque commands
// out, position/velocity frames in.
package motor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"balancebot/internal/fault"
)

// Command is what the control loop sends each tick.
type Command struct {
	Setpoint float64 `json:"sp"`
	Enabled  bool    `json:"en"`
}

// State is the latest wheel feedback. Position is offset-corrected by Reset.
type State struct {
	Position    float64   `json:"position"`
	Velocity    float64   `json:"velocity"`
	Stamp       time.Time `json:"time"`
	FrequencyHz float64   `json:"frequency"`

	Setpoint  float64 `json:"sp"`
	Enabled   bool    `json:"en"`
	Connected bool    `json:"connected"`

	Frames        uint64 `json:"frames"`
	BadFrames     uint64 `json:"bad_frames"`
	WriteFailures uint64 `json:"write_failures"`
	LastError     string `json:"last_error,omitempty"`
}

type Config struct {
	Name string
	Port string
	Baud int
	// Invert mirrors command and feedback signs for the wheel mounted the other way round.
	Invert bool
	// TorqueScale is the firmware command at 100% setpoint.
	TorqueScale float64
	// WriteTimeout bounds each command write.
	WriteTimeout time.Duration
}

type port interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
}

var openPortFn = func(path string, baud int) (port, error) {
	f, err := openSerial(path, baud)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type Service struct {
	cfg Config

	port  port
	cmdCh chan Command

	mu     sync.RWMutex
	st     State
	raw    float64
	offset float64

	errMu     sync.Mutex
	lastErrAt time.Time
	suppress  int

	writerWG sync.WaitGroup
	readerWG sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) *Service {
	if cfg.Name == "" {
		cfg.Name = "motor"
	}
	if cfg.Baud == 0 {
		cfg.Baud = 921600
	}
	if cfg.TorqueScale == 0 {
		cfg.TorqueScale = 7.5
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Millisecond
	}
	return &Service{cfg: cfg, cmdCh: make(chan Command, 1), stopCh: make(chan struct{})}
}

func (s *Service) Name() string { return s.cfg.Name }

// Start opens the link and configures the firmware for voltage-based torque control.
// Failure is an Init fault: the robot must not run without its wheels.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("motor: service is nil")
	}
	p, err := openPortFn(s.cfg.Port, s.cfg.Baud)
	if err != nil {
		return fault.Init(s.cfg.Name+" open "+s.cfg.Port, err)
	}
	s.port = p

	setup := []byte(cmdVoltageMode + cmdTorqueMode + cmdDisable)
	if err := s.write(setup, 100*time.Millisecond); err != nil {
		_ = p.Close()
		return fault.Init(s.cfg.Name+" configure", err)
	}

	s.mu.Lock()
	s.st.Connected = true
	s.mu.Unlock()
	log.Printf("%s started port=%s baud=%d invert=%t", s.cfg.Name, s.cfg.Port, s.cfg.Baud, s.cfg.Invert)

	s.readerWG.Add(1)
	go func() {
		defer s.readerWG.Done()
		s.readLoop()
	}()
	s.writerWG.Add(1)
	go func() {
		defer s.writerWG.Done()
		s.writeLoop(ctx)
	}()
	return nil
}

// Set queues cmd for the writer. It never blocks: an unsent older command is replaced.
func (s *Service) Set(cmd Command) {
	s.mu.Lock()
	s.st.Setpoint = cmd.Setpoint
	s.st.Enabled = cmd.Enabled
	s.mu.Unlock()

	for {
		select {
		case s.cmdCh <- cmd:
			return
		default:
		}
		select {
		case <-s.cmdCh:
		default:
		}
	}
}

func (s *Service) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// Reset makes the current position the new zero.
func (s *Service) Reset() {
	s.mu.Lock()
	s.offset = s.raw
	s.st.Position = 0
	s.mu.Unlock()
}

// Close disables the wheel with a best-effort synchronous write, then stops the link.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.port == nil {
			return
		}
		s.writerWG.Wait()
		if err := s.write([]byte(cmdDisable), 50*time.Millisecond); err != nil {
			log.Printf("%s disable on close failed: %v", s.cfg.Name, err)
		}
		_ = s.port.Close()
		s.readerWG.Wait()
		s.mu.Lock()
		s.st.Connected = false
		s.st.Enabled = false
		s.mu.Unlock()
	})
}

func (s *Service) writeLoop(ctx context.Context) {
	enLast := false
	buf := make([]byte, 0, 32)
	for {
		var cmd Command
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case cmd = <-s.cmdCh:
		}
		buf = encodeCommand(buf[:0], cmd, enLast, s.cfg.TorqueScale, s.cfg.Invert)
		if err := s.write(buf, s.cfg.WriteTimeout); err != nil {
			s.mu.Lock()
			s.st.WriteFailures++
			s.st.LastError = err.Error()
			s.mu.Unlock()
			s.logErr("write", err)
			continue
		}
		enLast = cmd.Enabled
	}
}

func (s *Service) write(b []byte, timeout time.Duration) error {
	if err := s.port.SetWriteDeadline(time.Now().Add(timeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return err
	}
	_, err := s.port.Write(b)
	return err
}

func (s *Service) readLoop() {
	r := bufio.NewReaderSize(s.port, 256)
	var last time.Time
	var freq float64
	for {
		f, err := readFrame(r)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, errBadFrame) {
				s.mu.Lock()
				s.st.BadFrames++
				s.mu.Unlock()
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				s.mu.Lock()
				s.st.Connected = false
				s.st.LastError = err.Error()
				s.mu.Unlock()
				log.Printf("%s link closed: %v", s.cfg.Name, err)
				return
			}
			s.mu.Lock()
			s.st.BadFrames++
			s.st.LastError = err.Error()
			s.mu.Unlock()
			s.logErr("read", err)
			continue
		}

		now := time.Now()
		if !last.IsZero() {
			if dt := now.Sub(last).Seconds(); dt > 0 {
				if freq == 0 {
					freq = 1 / dt
				} else {
					freq = 0.9*freq + 0.1/dt
				}
			}
		}
		last = now

		pos, vel := f.Position, f.Velocity
		if s.cfg.Invert {
			pos, vel = -pos, -vel
		}
		s.mu.Lock()
		s.raw = pos
		s.st.Position = pos - s.offset
		s.st.Velocity = vel
		s.st.Stamp = now
		s.st.FrequencyHz = freq
		s.st.Frames++
		s.mu.Unlock()
	}
}

// logErr rate-limits link errors to one line per second.
func (s *Service) logErr(op string, err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if time.Since(s.lastErrAt) < time.Second {
		s.suppress++
		return
	}
	if s.suppress > 0 {
		log.Printf("%s %s failed: %v (suppressed=%d)", s.cfg.Name, op, err, s.suppress)
	} else {
		log.Printf("%s %s failed: %v", s.cfg.Name, op, err)
	}
	s.lastErrAt = time.Now()
	s.suppress = 0
}
