package web

import (
	"sync/atomic"
	"time"

	"balancebot/internal/state"
)

// StateSource is the control loop's published state.
type StateSource interface {
	Load() state.Snapshot
}

// MetricsSource exposes the loop counters and timers.
type MetricsSource interface {
	Snapshot() map[string]any
}

type Status struct {
	startUnixNano int64
	mode          atomic.Value // string
	loopHz        atomic.Value // float64

	state   StateSource
	metrics MetricsSource
}

func NewStatus(st StateSource, m MetricsSource) *Status {
	s := &Status{state: st, metrics: m}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	s.loopHz.Store(0.0)
	return s
}

// SetStatic records facts fixed at startup: the run mode ("hardware" or "sim")
// and the configured loop rate.
func (s *Status) SetStatic(mode string, loopHz float64) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if loopHz > 0 {
		s.loopHz.Store(loopHz)
	}
}

type StatusSnapshot struct {
	Service   string           `json:"service"`
	NowUTC    string           `json:"now_utc"`
	UptimeSec int64            `json:"uptime_sec"`
	Mode      string           `json:"mode"`
	LoopHz    float64          `json:"loop_hz"`
	State     *state.Snapshot  `json:"state,omitempty"`
	Metrics   map[string]any   `json:"metrics,omitempty"`
	Disk      *DiskSnapshot    `json:"disk,omitempty"`
	Network   *NetworkSnapshot `json:"network,omitempty"`
}

type DiskSnapshot struct {
	RootPath       string `json:"root_path,omitempty"`
	RootTotalBytes uint64 `json:"root_total_bytes,omitempty"`
	RootFreeBytes  uint64 `json:"root_free_bytes,omitempty"`
	RootAvailBytes uint64 `json:"root_avail_bytes,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

type NetworkSnapshot struct {
	LocalAddrs []string `json:"local_addrs,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "balancebot",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Mode:      s.mode.Load().(string),
		LoopHz:    s.loopHz.Load().(float64),
		Disk:      snapshotDisk(),
		Network:   snapshotNetwork(),
	}
	if s.state != nil {
		st := s.state.Load()
		snap.State = &st
	}
	if s.metrics != nil {
		snap.Metrics = s.metrics.Snapshot()
	}
	return snap
}
