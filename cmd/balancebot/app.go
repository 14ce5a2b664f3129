package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sync"
	"time"

	"balancebot/internal/confchan"
	"balancebot/internal/config"
	"balancebot/internal/control"
	"balancebot/internal/fault"
	"balancebot/internal/gamepad"
	"balancebot/internal/imu"
	"balancebot/internal/logging"
	"balancebot/internal/metrics"
	"balancebot/internal/motor"
	"balancebot/internal/sim"
	"balancebot/internal/state"
	"balancebot/internal/statuslamp"
	"balancebot/internal/telemetry"
	"balancebot/internal/web"
)

// loadConfig reads the file and applies the command-line overrides.
func loadConfig(cli CLI) (config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return config.Config{}, fmt.Errorf("config %s: %w", cli.Config, err)
	}
	if cli.Sim {
		cfg.Sim.Enable = true
	}
	if cli.Arm {
		cfg.Sim.Engage = true
	}
	if cli.Listen != "" {
		cfg.Web.Listen = cli.Listen
		cfg.Web.Enable = true
	}
	if cli.LogFile != "" {
		cfg.Log.Filename = cli.LogFile
	}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("config %s: %w", cli.Config, err)
	}
	return cfg, nil
}

func run(ctx context.Context, cli CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return fault.Config("startup", err)
	}
	if cli.CheckConfig {
		log.Printf("config ok path=%s sim=%t loop=%.0fHz", cli.Config, cfg.Sim.Enable, cfg.Loop.FrequencyHz)
		return nil
	}

	logs := web.NewLogBuffer(2000)
	closer, err := logging.Setup(cfg.Log, logs)
	if err != nil {
		return fault.Config("logging", err)
	}
	defer closer.Close()

	path, err := filepath.Abs(cli.Config)
	if err != nil {
		path = cli.Config
	}
	rt, err := newRuntime(ctx, cfg, path, logs)
	if err != nil {
		return err
	}
	defer rt.Close()
	return rt.Run(ctx)
}

type app struct {
	cfg        config.Config
	configPath string

	store   *state.Store
	metrics *metrics.Registry
	loop    *control.Loop
	hub     *telemetry.Hub
	pump    *telemetry.Pump
	logs    *web.LogBuffer

	plant   *sim.Plant
	imuSvc  *imu.Service
	motors  []*motor.Service
	pad     *gamepad.Service
	lamp    *statuslamp.Service
	broker  *confchan.Broker
	channel *confchan.Channel

	closers []func()
}

// newRuntime opens every device and builds the loop. A device the robot cannot
// balance without is an Init fault; optional surfaces only log.
func newRuntime(ctx context.Context, cfg config.Config, configPath string, logs *web.LogBuffer) (*app, error) {
	r := &app{
		cfg:        cfg,
		configPath: configPath,
		store:      state.NewStore(),
		metrics:    metrics.New(),
		hub:        telemetry.NewHub(),
		logs:       logs,
	}
	deps := control.Deps{Store: r.store, Metrics: r.metrics}

	if cfg.Sim.Enable {
		p, err := sim.New(cfg.Physics, cfg.Sim.InitialPitchDeg*math.Pi/180, time.Now())
		if err != nil {
			return nil, fault.Init("sim", err)
		}
		r.plant = p
		deps.IMU, deps.Left, deps.Right = p.IMU(), p.Left(), p.Right()
		log.Printf("sim plant ready initial_pitch_deg=%.1f", cfg.Sim.InitialPitchDeg)
	} else {
		r.imuSvc = imu.New(imuConfig(cfg.IMU))
		r.closers = append(r.closers, r.imuSvc.Close)
		if err := r.imuSvc.Start(ctx); err != nil {
			r.Close()
			return nil, fault.Init("imu", err)
		}
		deps.IMU = r.imuSvc

		for _, m := range []struct {
			name string
			side config.MotorConfig
		}{{"motor left", cfg.Motors.Left}, {"motor right", cfg.Motors.Right}} {
			svc := motor.New(motorConfig(m.name, cfg.Motors, m.side))
			if err := svc.Start(ctx); err != nil {
				r.Close()
				return nil, err
			}
			r.motors = append(r.motors, svc)
			r.closers = append(r.closers, svc.Close)
		}
		deps.Left, deps.Right = r.motors[0], r.motors[1]
	}

	if cfg.Gamepad.Enable {
		r.pad = gamepad.New(gamepadConfig(cfg.Gamepad))
		r.closers = append(r.closers, r.pad.Close)
		if err := r.pad.Start(ctx); err != nil {
			log.Printf("gamepad disabled: %v", err)
		}
		deps.Gamepad = r.pad
	}
	if cfg.StatusLamp.Enable {
		r.lamp = statuslamp.New(lampConfig(cfg.StatusLamp))
		r.closers = append(r.closers, r.lamp.Close)
		_ = r.lamp.Start(ctx)
		deps.Lamp = r.lamp
	}

	loop, err := control.New(deps, cfg)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.loop = loop
	if cfg.Sim.Engage {
		loop.Arm()
	}

	r.pump = telemetry.NewPump(r.store, r.hub, cfg.Telemetry.RateHz, r.sinks()...)
	r.startConfChan()
	return r, nil
}

func (r *app) sinks() []telemetry.Sink {
	var out []telemetry.Sink
	if c := r.cfg.Telemetry.UDP; c.Enable {
		s, err := telemetry.NewUDPSink(c.Dest)
		if err != nil {
			log.Printf("telemetry udp disabled: %v", err)
		} else {
			out = append(out, s)
		}
	}
	if c := r.cfg.Telemetry.MQTT; c.Enable {
		s, err := telemetry.NewMQTTSink(mqttConfig(c))
		if err != nil {
			log.Printf("telemetry mqtt disabled: %v", err)
		} else {
			out = append(out, s)
		}
	}
	return out
}

func (r *app) startConfChan() {
	c := r.cfg.ConfChan
	url := c.URL
	if c.Embedded {
		b, err := confchan.StartBroker(c.EmbeddedListen)
		if err != nil {
			log.Printf("confchan broker disabled: %v", err)
		} else {
			r.broker = b
			url = b.URL()
			log.Printf("confchan broker listening url=%s", url)
		}
	}
	if !c.Enable {
		return
	}
	ch, err := confchan.Connect(confchanConfig(c, url), r.loop, r.store, r.persist)
	if err != nil {
		log.Printf("confchan disabled: %v", err)
		return
	}
	r.channel = ch
}

func (r *app) persist(t config.Tuning) error {
	return config.PersistTuning(r.configPath, t)
}

func (r *app) webOptions() web.Options {
	status := web.NewStatus(r.store, r.metrics)
	mode := "hardware"
	if r.cfg.Sim.Enable {
		mode = "sim"
	}
	status.SetStatic(mode, r.cfg.Loop.FrequencyHz)
	return web.Options{
		Status:  status,
		Control: r.loop,
		Tuning:  web.TuningStore{ConfigPath: r.configPath, Tuner: r.loop},
		Logs:    r.logs,
		Hub:     r.hub,
	}
}

// Run drives the loop on the calling goroutine until ctx is done. The wheels are
// disabled before the supporting services stop.
func (r *app) Run(ctx context.Context) error {
	svcCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(svcCtx); err != nil {
				log.Printf("%s stopped: %v", name, err)
			}
		}()
	}

	if r.plant != nil {
		goRun("sim", func(ctx context.Context) error { r.plant.Run(ctx); return nil })
	}
	goRun("telemetry", r.pump.Run)
	if r.cfg.Web.Enable {
		opts := r.webOptions()
		goRun("web", func(ctx context.Context) error { return web.Serve(ctx, r.cfg.Web.Listen, opts) })
	}

	log.Printf("balancebot running sim=%t loop=%.0fHz", r.cfg.Sim.Enable, r.cfg.Loop.FrequencyHz)
	err := r.loop.Run(ctx)
	log.Printf("balancebot stopping")

	cancel()
	wg.Wait()
	return err
}

// Close releases devices in reverse order of opening. Safe to call more than once.
func (r *app) Close() {
	if r.loop != nil {
		r.loop.Shutdown()
	}
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			log.Printf("confchan close: %v", err)
		}
		r.channel = nil
	}
	if r.broker != nil {
		r.broker.Close()
		r.broker = nil
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func imuConfig(c config.IMUConfig) imu.Config {
	out := imu.Config{
		Enable:       true,
		I2CBus:       c.I2CBus,
		Addr:         c.Addr,
		RateHz:       c.RateHz,
		GyroRangeDPS: c.GyroRangeDPS,
		InvertPitch:  c.InvertPitch,
		FusionTau:    c.FusionTau,
		ZeroDrift:    c.ZeroDrift,
	}
	if c.PitchOffsetRad != nil {
		out.PitchOffsetRad = *c.PitchOffsetRad
	}
	return out
}

func motorConfig(name string, m config.MotorsConfig, side config.MotorConfig) motor.Config {
	return motor.Config{
		Name:         name,
		Port:         side.Port,
		Baud:         m.Baud,
		Invert:       side.Invert,
		TorqueScale:  m.TorqueScale,
		WriteTimeout: m.WriteTimeout,
	}
}

func gamepadConfig(c config.GamepadConfig) gamepad.Config {
	return gamepad.Config{
		Enable:    c.Enable,
		Device:    c.Device,
		NameMatch: c.NameMatch,
		Reconnect: c.Reconnect,
	}
}

func lampConfig(c config.StatusLampConfig) statuslamp.Config {
	return statuslamp.Config{
		Enable:      c.Enable,
		Pin:         c.Pin,
		ActiveLow:   c.ActiveLow,
		BlinkPeriod: c.BlinkPeriod,
	}
}

func mqttConfig(c config.MQTTConfig) telemetry.MQTTConfig {
	return telemetry.MQTTConfig{Broker: c.Broker, Topic: c.Topic, ClientID: c.ClientID}
}

func confchanConfig(c config.ConfChanConfig, url string) confchan.Config {
	return confchan.Config{
		URL:           url,
		Name:          "balancebot",
		ConfigSubject: c.ConfigSubject,
		StateSubject:  c.StateSubject,
	}
}
