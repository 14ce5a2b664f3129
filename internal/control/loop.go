// Package control runs the fixed-rate balancing loop: sense, filter, estimate,
// control, actuate, publish.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"balancebot/internal/config"
	"balancebot/internal/fault"
	"balancebot/internal/gamepad"
	"balancebot/internal/imu"
	"balancebot/internal/kalman"
	"balancebot/internal/lowpass"
	"balancebot/internal/lqr"
	"balancebot/internal/metrics"
	"balancebot/internal/motor"
	"balancebot/internal/pid"
	"balancebot/internal/plant"
	"balancebot/internal/setpoint"
	"balancebot/internal/state"
	"balancebot/internal/supervisor"
)

type IMU interface {
	Sample() imu.Sample
}

type Motor interface {
	Set(motor.Command)
	Get() motor.State
	Reset()
}

type Gamepad interface {
	Snapshot() gamepad.Snapshot
}

type Lamp interface {
	Show(supervisor.Mode)
}

// Deps are the collaborators the loop reads and drives. Gamepad and Lamp are optional.
type Deps struct {
	IMU     IMU
	Left    Motor
	Right   Motor
	Gamepad Gamepad
	Lamp    Lamp
	Store   *state.Store
	Metrics *metrics.Registry
}

var (
	nowFn   = time.Now
	sleepFn = time.Sleep
)

// logEvery bounds how often a repeating fault is logged.
const logEvery = time.Second

type pending struct {
	lqr      *lqr.Gains
	kalman   *kalman.Weights
	yaw      *pid.Gains
	setpoint *setpoint.Setpoint
}

// Loop owns the estimator, the controllers and the supervisor. Tick and Run must be
// called from one goroutine; ApplyTuning, Arm, Disarm and Tuning are safe from any.
type Loop struct {
	deps   Deps
	cfg    config.Config
	period time.Duration
	mode   plant.OutputMode

	est *kalman.Estimator
	lqr *lqr.Controller
	yaw *pid.Controller
	sp  *setpoint.Integrator
	sup *supervisor.Supervisor

	fPitch, fRate, fVelL, fVelR *lowpass.Filter

	kw kalman.Weights

	mu      sync.Mutex
	queue   []pending
	current config.Tuning

	armReq    atomic.Bool
	disarmReq atomic.Bool
	lastFault atomic.Value // string

	tick        uint64
	start       time.Time
	lastTick    time.Time
	loopHz      float64
	lastU       float64
	yawRef      float64
	prevButtons gamepad.Buttons
	lastTr      *supervisor.Transition
	writeFails  [2]uint64
	busy        time.Duration

	logAt    map[string]time.Time
	overruns int

	shutdownOnce sync.Once
}

// New builds the loop and solves the initial gains. A failure here is an Init fault.
func New(deps Deps, cfg config.Config) (*Loop, error) {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return nil, fault.Init("loop config", err)
	}
	if deps.IMU == nil || deps.Left == nil || deps.Right == nil {
		return nil, fault.Init("loop", errors.New("imu and both motors are required"))
	}
	if deps.Store == nil {
		deps.Store = state.NewStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	mode := cfg.OutputMode()
	est, err := kalman.New(cfg.Physics, cfg.Loop.FrequencyHz, mode)
	if err != nil {
		return nil, fault.Init("kalman", err)
	}
	if err := est.SetWeights(cfg.Kalman.Weights); err != nil {
		return nil, fault.Init("kalman", err)
	}
	ctrl, err := lqr.New(cfg.Physics, cfg.Loop.FrequencyHz, cfg.LQR.Limit)
	if err != nil {
		return nil, fault.Init("lqr", err)
	}
	if err := ctrl.CalcGains(cfg.LQR.Weights); err != nil {
		return nil, fault.Init("lqr", err)
	}

	l := &Loop{
		deps:   deps,
		cfg:    cfg,
		period: time.Duration(float64(time.Second) / cfg.Loop.FrequencyHz),
		mode:   mode,
		est:    est,
		lqr:    ctrl,
		yaw:    pid.New(cfg.YawPID.Gains, cfg.YawPID.Min, cfg.YawPID.Max),
		sp: setpoint.New(setpoint.Config{
			MaxVelocity:   cfg.Setpoint.MaxVelocity,
			MaxYawRate:    cfg.Setpoint.MaxYawRate,
			Deadband:      cfg.Setpoint.Deadband,
			NudgeVelocity: cfg.Setpoint.NudgeVelocity,
			NudgeYawRate:  cfg.Setpoint.NudgeYawRate,
			CutoffHz:      cfg.Setpoint.CutoffHz,
		}),
		sup:     supervisor.New(SupervisorConfig(cfg.Supervisor)),
		fPitch:  lowpass.New(cfg.Filters.PitchHz),
		fRate:   lowpass.New(cfg.Filters.GyroHz),
		fVelL:   lowpass.New(cfg.Filters.VelocityHz),
		fVelR:   lowpass.New(cfg.Filters.VelocityHz),
		kw:      cfg.Kalman.Weights,
		current: config.TuningOf(cfg),
		logAt:   make(map[string]time.Time),
	}
	l.lastFault.Store("")
	if g, ok := ctrl.Gains(); ok {
		log.Printf("loop ready freq=%.1fHz period=%s k=%.3f", cfg.Loop.FrequencyHz, l.period, g.K)
	}
	return l, nil
}

// SupervisorConfig converts the YAML section.
func SupervisorConfig(c config.SupervisorConfig) supervisor.Config {
	return supervisor.Config{
		ToleranceRad:       c.ToleranceDeg * math.Pi / 180,
		UprightRad:         c.UprightDeg * math.Pi / 180,
		ActivationDelay:    c.ActivationDelay,
		InputTimeout:       c.InputTimeout,
		InputLossPolicy:    supervisor.InputLossPolicy(c.InputLossPolicy),
		SensorStaleTimeout: c.SensorStaleTimeout,
	}
}

func (l *Loop) Period() time.Duration { return l.period }

func (l *Loop) Store() *state.Store { return l.deps.Store }

func (l *Loop) Metrics() *metrics.Registry { return l.deps.Metrics }

// Arm requests OFF -> ARMED on the next tick.
func (l *Loop) Arm() { l.armReq.Store(true) }

// Disarm requests OFF on the next tick. It wins over a pending Arm.
func (l *Loop) Disarm() { l.disarmReq.Store(true) }

// Tuning returns the gains currently queued or installed.
func (l *Loop) Tuning() config.Tuning {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.current
	lw, kw, yw := *t.LQR, *t.Kalman, *t.YawPID
	return config.Tuning{LQR: &lw, Kalman: &kw, YawPID: &yw}
}

// ApplyTuning validates t and solves any new LQR gains on the caller's goroutine.
// The result is installed at the start of the next tick. A rejected update leaves
// every gain unchanged and is reported as a Config fault.
func (l *Loop) ApplyTuning(t config.Tuning) error {
	if t.Empty() {
		return l.configFault(errors.New("empty update"))
	}
	if err := t.Validate(l.mode); err != nil {
		return l.configFault(err)
	}
	if t.Setpoint != nil && !finite(t.Setpoint.Pitch, t.Setpoint.Position, t.Setpoint.PitchRate, t.Setpoint.Velocity, t.Setpoint.Yaw) {
		return l.configFault(errors.New("sp must be finite"))
	}

	var p pending
	if t.LQR != nil {
		g, err := l.lqr.PrepareGains(*t.LQR)
		if err != nil {
			return l.configFault(err)
		}
		p.lqr = &g
	}
	if t.Kalman != nil {
		w := *t.Kalman
		p.kalman = &w
	}
	if t.YawPID != nil {
		g := *t.YawPID
		p.yaw = &g
	}
	if t.Setpoint != nil {
		sp := *t.Setpoint
		p.setpoint = &sp
	}

	l.mu.Lock()
	l.queue = append(l.queue, p)
	if p.lqr != nil {
		w := p.lqr.Weights
		l.current.LQR = &w
	}
	if p.kalman != nil {
		l.current.Kalman = p.kalman
	}
	if p.yaw != nil {
		l.current.YawPID = p.yaw
	}
	l.mu.Unlock()
	log.Printf("loop tuning queued lqr=%t kalman=%t yaw=%t sp=%t", t.LQR != nil, t.Kalman != nil, t.YawPID != nil, t.Setpoint != nil)
	return nil
}

func (l *Loop) configFault(err error) error {
	err = fault.Config("tuning", err)
	l.deps.Metrics.Fault(err)
	l.lastFault.Store(err.Error())
	log.Printf("loop tuning rejected: %v", err)
	return err
}

func (l *Loop) install() {
	l.mu.Lock()
	q := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, p := range q {
		if p.lqr != nil {
			l.lqr.Install(*p.lqr)
		}
		if p.kalman != nil {
			l.kw = *p.kalman
		}
		if p.yaw != nil {
			// Validated in ApplyTuning.
			_ = l.yaw.SetGains(*p.yaw)
		}
		if p.setpoint != nil {
			l.sp.Override(*p.setpoint)
		}
	}
}

// Run ticks at the configured rate until ctx is done, then calls Shutdown.
// It sleeps until SpinMargin remains before each deadline and spins the rest.
func (l *Loop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer l.Shutdown()
	log.Printf("loop started freq=%.1fHz spin=%s", l.cfg.Loop.FrequencyHz, l.cfg.Loop.SpinMargin)

	next := nowFn()
	for {
		if ctx.Err() != nil {
			return nil
		}
		start := nowFn()
		l.Tick(start)
		l.busy = nowFn().Sub(start)
		l.deps.Metrics.ObserveTick(l.busy)

		next = next.Add(l.period)
		if now := nowFn(); now.After(next) {
			l.overrun(now.Sub(next))
			next = now
			continue
		}
		l.wait(ctx, next)
	}
}

func (l *Loop) wait(ctx context.Context, deadline time.Time) {
	for {
		rem := deadline.Sub(nowFn())
		if rem <= 0 || ctx.Err() != nil {
			return
		}
		if rem > l.cfg.Loop.SpinMargin {
			sleepFn(rem - l.cfg.Loop.SpinMargin)
			continue
		}
		runtime.Gosched()
	}
}

func (l *Loop) overrun(late time.Duration) {
	l.deps.Metrics.Overrun()
	err := fault.Timing("loop", fmt.Errorf("overrun by %s", late))
	l.deps.Metrics.Fault(err)
	l.lastFault.Store(err.Error())
	l.overruns++
	if l.rateLimited("overrun") {
		return
	}
	log.Printf("loop overrun late=%s busy=%s freq=%.1fHz count=%d", late, l.busy, l.loopHz, l.overruns)
	l.overruns = 0
}

// rateLimited reports whether key was logged within logEvery, and records it otherwise.
func (l *Loop) rateLimited(key string) bool {
	now := nowFn()
	if at, ok := l.logAt[key]; ok && now.Sub(at) < logEvery {
		return true
	}
	l.logAt[key] = now
	return false
}

func (l *Loop) sensorFault(op string, err error) {
	err = fault.Sensor(op, err)
	l.deps.Metrics.Fault(err)
	l.lastFault.Store(err.Error())
	if !l.rateLimited(op) {
		log.Printf("loop %v", err)
	}
}

// Tick runs one iteration at now and returns the published snapshot.
func (l *Loop) Tick(now time.Time) state.Snapshot {
	l.install()

	dt := l.period.Seconds()
	if !l.lastTick.IsZero() {
		if d := now.Sub(l.lastTick).Seconds(); d > 0 {
			dt = d
			hz := 1 / d
			if l.loopHz == 0 {
				l.loopHz = hz
			} else {
				l.loopHz = 0.9*l.loopHz + 0.1*hz
			}
			l.deps.Metrics.SetLoopHz(l.loopHz)
		}
	} else {
		l.start = now
	}
	l.lastTick = now
	l.tick++

	// Sense.
	s := l.deps.IMU.Sample()
	ml, mr := l.deps.Left.Get(), l.deps.Right.Get()
	gp := gamepad.Neutral()
	if l.deps.Gamepad != nil {
		gp = l.deps.Gamepad.Snapshot()
	}

	stale := l.checkStale(now, s, ml, mr)
	l.checkActuation(ml, mr)

	// Supervise.
	arm := l.armReq.Swap(false) || (gp.Buttons.Cross && !l.prevButtons.Cross)
	disarm := l.disarmReq.Swap(false) || (gp.Buttons.Circle && !l.prevButtons.Circle)
	l.prevButtons = gp.Buttons

	trs := l.sup.Update(supervisor.Input{
		Now:            now,
		Pitch:          s.Pitch,
		Arm:            arm,
		Disarm:         disarm,
		InputConnected: gp.Connected,
		SensorStale:    stale,
	})
	if len(trs) > 0 {
		for _, tr := range trs {
			log.Printf("supervisor mode=%s from=%s reason=%q", tr.To, tr.From, tr.Reason)
		}
		last := trs[len(trs)-1]
		l.lastTr = &last
		l.reset(s)
		for _, tr := range trs {
			if tr.From == supervisor.Off && tr.To == supervisor.Armed {
				l.resetFilters()
			}
		}
		ml, mr = l.deps.Left.Get(), l.deps.Right.Get()
	}
	enabled := l.sup.Engaged()

	// Filter.
	f := state.Filtered{
		Pitch:     l.fPitch.Step(s.Pitch, dt),
		PitchRate: l.fRate.Step(s.GyroY, dt),
		VelLeft:   l.fVelL.Step(ml.Velocity, dt),
		VelRight:  l.fVelR.Step(mr.Velocity, dt),
	}

	sp := l.sp.Step(setpoint.Manual{
		Connected: gp.Connected,
		Throttle:  gp.LeftY,
		Steer:     gp.RightX,
		DPadX:     gp.DPadX,
		DPadY:     gp.DPadY,
	}, dt, enabled)

	// Estimate.
	y := kalman.Measurement{f.Pitch, (ml.Position + mr.Position) / 2, f.PitchRate, (f.VelLeft + f.VelRight) / 2}
	xhat, err := l.est.Step(l.lastU, y, l.kw)
	if err != nil {
		err = fault.Config("kalman", err)
		l.deps.Metrics.Fault(err)
		l.lastFault.Store(err.Error())
		if !l.rateLimited("kalman") {
			log.Printf("loop %v", err)
		}
		l.est.Reset()
		l.est.SetState(plant.State{Pitch: y[0], Position: y[1], PitchRate: y[2], Velocity: y[3]})
		enabled = false
	}

	// Control.
	out := l.lqr.Step(sp.State(), xhat, enabled, now)
	yawRel := setpoint.WrapAngle(s.Yaw - l.yawRef)
	yawErr := setpoint.WrapAngle(sp.Yaw - yawRel)
	yo := l.yaw.Step(yawRel+yawErr, yawRel, dt, enabled)

	// Actuate.
	limit := l.lqr.Limit()
	left := clamp(out.Out-yo.Out, limit)
	right := clamp(out.Out+yo.Out, limit)
	if !enabled {
		left, right = 0, 0
	}
	l.deps.Left.Set(motor.Command{Setpoint: left, Enabled: enabled})
	l.deps.Right.Set(motor.Command{Setpoint: right, Enabled: enabled})
	l.lastU = (left + right) / 2

	if l.deps.Lamp != nil {
		l.deps.Lamp.Show(l.sup.Mode())
	}

	snap := state.Snapshot{
		Tick:       l.tick,
		Time:       now,
		Mono:       now.Sub(l.start),
		IMU:        s,
		MotorLeft:  ml,
		MotorRight: mr,
		Gamepad:    gp,
		Filtered:   f,
		Estimate:   xhat,
		Setpoint:   sp,
		LQR:        out,
		Yaw:        yo,
		Mode:       l.sup.Mode(),
		Health:     l.health(now, s, ml, mr, gp, stale),
	}
	if l.lastTr != nil {
		tr := *l.lastTr
		snap.LastTransition = &tr
	}
	l.deps.Store.Publish(snap)
	return l.deps.Store.Load()
}

func (l *Loop) checkStale(now time.Time, s imu.Sample, ml, mr motor.State) bool {
	limit := l.sup.Config().SensorStaleTimeout
	stale := false
	switch {
	case s.Stamp.IsZero():
		l.sensorFault("imu", errors.New("no sample"))
		stale = true
	case now.Sub(s.Stamp) > limit:
		l.sensorFault("imu", fmt.Errorf("stale by %s", now.Sub(s.Stamp)))
		stale = true
	case !s.Valid:
		// The last good reading is still fresh; count the failure and keep going.
		l.sensorFault("imu", fmt.Errorf("invalid sample: %s", s.LastError))
	}
	for _, m := range []struct {
		name string
		st   motor.State
	}{{"motor left", ml}, {"motor right", mr}} {
		switch {
		case !m.st.Connected:
			l.sensorFault(m.name, errors.New("not connected"))
			stale = true
		case m.st.Stamp.IsZero():
			l.sensorFault(m.name, errors.New("no feedback"))
			stale = true
		case now.Sub(m.st.Stamp) > limit:
			l.sensorFault(m.name, fmt.Errorf("stale by %s", now.Sub(m.st.Stamp)))
			stale = true
		}
	}
	return stale
}

// checkActuation turns new write failures reported by the links into Actuation faults.
func (l *Loop) checkActuation(ml, mr motor.State) {
	for i, st := range []motor.State{ml, mr} {
		if st.WriteFailures > l.writeFails[i] {
			for n := st.WriteFailures - l.writeFails[i]; n > 0; n-- {
				l.deps.Metrics.Fault(fault.Actuation("motor write", errors.New(st.LastError)))
			}
			l.lastFault.Store(fault.Actuation("motor write", errors.New(st.LastError)).Error())
		}
		l.writeFails[i] = st.WriteFailures
	}
}

// reset clears everything that must not carry over a mode change.
func (l *Loop) reset(s imu.Sample) {
	l.deps.Left.Reset()
	l.deps.Right.Reset()
	l.yaw.Reset()
	l.sp.Reset()
	l.yawRef = s.Yaw
	l.lastU = 0

	prior := l.est.Estimate()
	l.est.Reset()
	l.est.SetState(plant.State{Pitch: prior.Pitch, PitchRate: prior.PitchRate})
}

// resetFilters drops measurement history so a new run starts from the first fresh sample.
func (l *Loop) resetFilters() {
	l.fPitch.Reset()
	l.fRate.Reset()
	l.fVelL.Reset()
	l.fVelR.Reset()
}

func (l *Loop) health(now time.Time, s imu.Sample, ml, mr motor.State, gp gamepad.Snapshot, stale bool) state.Health {
	m := l.deps.Metrics
	h := state.Health{
		SensorStale: stale,
		Faults: state.Faults{
			Sensor:    m.FaultCount(fault.KindSensor),
			Actuation: m.FaultCount(fault.KindActuation),
			Config:    m.FaultCount(fault.KindConfig),
			Timing:    m.FaultCount(fault.KindTiming),
		},
		Overruns:  m.Overruns(),
		LastFault: l.lastFault.Load().(string),
		LoopHz:    l.loopHz,
		Busy:      l.busy,
	}
	age := func(t time.Time) time.Duration {
		if t.IsZero() {
			return 0
		}
		return now.Sub(t)
	}
	h.IMUAge = age(s.Stamp)
	h.MotorLeftAge = age(ml.Stamp)
	h.MotorRightAge = age(mr.Stamp)
	h.GamepadAge = age(gp.Stamp)
	return h
}

// Shutdown disables both wheels. It is safe to call more than once.
func (l *Loop) Shutdown() {
	l.shutdownOnce.Do(func() {
		l.deps.Left.Set(motor.Command{})
		l.deps.Right.Set(motor.Command{})
		if l.deps.Lamp != nil {
			l.deps.Lamp.Show(supervisor.Off)
		}
		log.Printf("loop stopped ticks=%d", l.tick)
	})
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
