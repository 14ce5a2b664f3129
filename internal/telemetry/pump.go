package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"balancebot/internal/state"
)

// Sink receives one encoded snapshot per pump tick.
type Sink interface {
	Name() string
	Send(payload []byte) error
	Close() error
}

// Source is where the pump reads snapshots from.
type Source interface {
	Load() state.Snapshot
	Version() uint64
}

// Pump samples the state store at a fixed rate, publishes new snapshots to the
// hub and forwards them to every sink. A slow or failing sink only delays the
// pump, never the control loop.
type Pump struct {
	src   Source
	hub   *Hub
	sinks []Sink
	every time.Duration

	last     uint64
	failures map[string]int
	loggedAt map[string]time.Time
}

var pumpNow = time.Now

func NewPump(src Source, hub *Hub, rateHz float64, sinks ...Sink) *Pump {
	if rateHz <= 0 {
		rateHz = 20
	}
	return &Pump{
		src:      src,
		hub:      hub,
		sinks:    sinks,
		every:    time.Duration(float64(time.Second) / rateHz),
		failures: make(map[string]int),
		loggedAt: make(map[string]time.Time),
	}
}

// Run pumps until ctx is done, then closes the sinks.
func (p *Pump) Run(ctx context.Context) error {
	defer p.close()
	t := time.NewTicker(p.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.Once()
		}
	}
}

// Once forwards the current snapshot if it is newer than the last one sent.
func (p *Pump) Once() bool {
	v := p.src.Version()
	if v == 0 || v == p.last {
		return false
	}
	p.last = v
	snap := p.src.Load()
	p.hub.Publish(snap)
	if len(p.sinks) == 0 {
		return true
	}

	b, err := json.Marshal(snap)
	if err != nil {
		log.Printf("telemetry encode tick=%d err=%v", snap.Tick, err)
		return true
	}
	for _, s := range p.sinks {
		p.send(s, b)
	}
	return true
}

func (p *Pump) send(s Sink, b []byte) {
	name := s.Name()
	if err := s.Send(b); err != nil {
		p.failures[name]++
		now := pumpNow()
		if at, ok := p.loggedAt[name]; !ok || now.Sub(at) >= 5*time.Second {
			log.Printf("telemetry sink=%q send failed count=%d err=%v", name, p.failures[name], err)
			p.loggedAt[name] = now
		}
		return
	}
	if n := p.failures[name]; n > 0 {
		log.Printf("telemetry sink=%q recovered after %d failures", name, n)
		p.failures[name] = 0
	}
}

// Failures returns the consecutive send failures of the named sink.
func (p *Pump) Failures(name string) int { return p.failures[name] }

func (p *Pump) close() {
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			log.Printf("telemetry sink=%q close: %v", s.Name(), err)
		}
	}
}
