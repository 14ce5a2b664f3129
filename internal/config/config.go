package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"balancebot/internal/kalman"
	"balancebot/internal/lqr"
	"balancebot/internal/pid"
	"balancebot/internal/plant"
)

type Config struct {
	Loop       LoopConfig          `yaml:"loop"`
	Physics    plant.PhysicalModel `yaml:"physics"`
	Filters    FiltersConfig       `yaml:"filters"`
	Kalman     KalmanConfig        `yaml:"kalman"`
	LQR        LQRConfig           `yaml:"lqr"`
	YawPID     YawPIDConfig        `yaml:"yaw_pid"`
	Setpoint   SetpointConfig      `yaml:"setpoint"`
	Supervisor SupervisorConfig    `yaml:"supervisor"`
	IMU        IMUConfig           `yaml:"imu"`
	Motors     MotorsConfig        `yaml:"motors"`
	Gamepad    GamepadConfig       `yaml:"gamepad"`
	Telemetry  TelemetryConfig     `yaml:"telemetry"`
	Web        WebConfig           `yaml:"web"`
	ConfChan   ConfChanConfig      `yaml:"confchan"`
	StatusLamp StatusLampConfig    `yaml:"status_lamp"`
	Sim        SimConfig           `yaml:"sim"`
	Log        LogConfig           `yaml:"log"`
}

type LoopConfig struct {
	FrequencyHz float64 `yaml:"frequency_hz"`
	// SpinMargin is how much of each period is busy-waited instead of slept.
	SpinMargin time.Duration `yaml:"spin_margin"`
}

// FiltersConfig holds the low-pass cutoffs for the measured signals.
type FiltersConfig struct {
	PitchHz    float64 `yaml:"pitch_hz"`
	GyroHz     float64 `yaml:"gyro_hz"`
	VelocityHz float64 `yaml:"velocity_hz"`
}

type KalmanConfig struct {
	kalman.Weights `yaml:",inline"`
	// Output is "full" or "aggregate".
	Output string `yaml:"output"`
}

type LQRConfig struct {
	lqr.Weights `yaml:",inline"`
	Limit       float64 `yaml:"limit"`
}

type YawPIDConfig struct {
	pid.Gains `yaml:",inline"`
	Min       float64 `yaml:"min"`
	Max       float64 `yaml:"max"`
}

type SetpointConfig struct {
	MaxVelocity   float64 `yaml:"max_velocity"`
	MaxYawRate    float64 `yaml:"max_yaw_rate"`
	Deadband      float64 `yaml:"deadband"`
	NudgeVelocity float64 `yaml:"nudge_velocity"`
	NudgeYawRate  float64 `yaml:"nudge_yaw_rate"`
	CutoffHz      float64 `yaml:"cutoff_hz"`
}

type SupervisorConfig struct {
	ToleranceDeg       float64       `yaml:"tolerance_deg"`
	UprightDeg         float64       `yaml:"upright_deg"`
	ActivationDelay    time.Duration `yaml:"activation_delay"`
	InputTimeout       time.Duration `yaml:"input_timeout"`
	InputLossPolicy    string        `yaml:"input_loss_policy"`
	SensorStaleTimeout time.Duration `yaml:"sensor_stale_timeout"`
}

type IMUConfig struct {
	Enable         bool          `yaml:"enable"`
	I2CBus         int           `yaml:"i2c_bus"`
	Addr           uint16        `yaml:"addr"`
	RateHz         int           `yaml:"rate_hz"`
	GyroRangeDPS   int           `yaml:"gyro_range_dps"`
	PitchOffsetRad *float64      `yaml:"pitch_offset_rad"`
	InvertPitch    bool          `yaml:"invert_pitch"`
	FusionTau      time.Duration `yaml:"fusion_tau"`
	ZeroDrift      time.Duration `yaml:"zero_drift"`
}

// DefaultPitchOffsetRad is the mounting bias measured on the reference robot.
const DefaultPitchOffsetRad = 0.022725

type MotorsConfig struct {
	Baud         int           `yaml:"baud"`
	TorqueScale  float64       `yaml:"torque_scale"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Left         MotorConfig   `yaml:"left"`
	Right        MotorConfig   `yaml:"right"`
}

type MotorConfig struct {
	Port   string `yaml:"port"`
	Invert bool   `yaml:"invert"`
}

type GamepadConfig struct {
	Enable    bool          `yaml:"enable"`
	Device    string        `yaml:"device"`
	NameMatch []string      `yaml:"name_match"`
	Reconnect time.Duration `yaml:"reconnect"`
}

type TelemetryConfig struct {
	RateHz float64    `yaml:"rate_hz"`
	UDP    UDPConfig  `yaml:"udp"`
	MQTT   MQTTConfig `yaml:"mqtt"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type ConfChanConfig struct {
	Enable        bool   `yaml:"enable"`
	URL           string `yaml:"url"`
	ConfigSubject string `yaml:"config_subject"`
	StateSubject  string `yaml:"state_subject"`
	// Embedded runs a NATS server in-process on EmbeddedListen, for a robot with no broker nearby.
	Embedded       bool   `yaml:"embedded"`
	EmbeddedListen string `yaml:"embedded_listen"`
}

type StatusLampConfig struct {
	Enable      bool          `yaml:"enable"`
	Pin         int           `yaml:"pin"`
	ActiveLow   bool          `yaml:"active_low"`
	BlinkPeriod time.Duration `yaml:"blink_period"`
}

// SimConfig replaces the IMU and motors with a simulated plant.
type SimConfig struct {
	Enable          bool    `yaml:"enable"`
	InitialPitchDeg float64 `yaml:"initial_pitch_deg"`
	// Engage arms the supervisor at startup, since a simulation has no operator.
	Engage bool `yaml:"engage"`
}

// LogConfig controls where the standard logger writes. An empty Filename keeps
// console output only.
type LogConfig struct {
	Console        bool   `yaml:"console"`
	Filename       string `yaml:"filename"`
	Append         bool   `yaml:"append"`
	RotateSchedule string `yaml:"rotate_schedule"`
	MaxSize        int    `yaml:"max_size_mb"`
	MaxBackups     int    `yaml:"max_backups"`
	MaxAge         int    `yaml:"max_age_days"`
	Compress       bool   `yaml:"compress"`
	UTC            bool   `yaml:"utc"`
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	cfg.Log.Console = true
	cfg.IMU.Enable = true
	cfg.Gamepad.Enable = true
	cfg.Web.Enable = true
	if err := DefaultAndValidate(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{Log: LogConfig{Console: true}}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg atomically: a temp file in the same directory is renamed over path.
func Save(path string, cfg Config) error {
	if err := DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// DefaultAndValidate fills unset fields and rejects unusable values.
// Runtime updates go through it too.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Loop.FrequencyHz == 0 {
		cfg.Loop.FrequencyHz = 50
	}
	if !(cfg.Loop.FrequencyHz > 0) || cfg.Loop.FrequencyHz > 1000 {
		return fmt.Errorf("loop.frequency_hz must be in (0,1000]")
	}
	if cfg.Loop.SpinMargin == 0 {
		cfg.Loop.SpinMargin = time.Millisecond
	}
	if cfg.Loop.SpinMargin < 0 {
		return fmt.Errorf("loop.spin_margin must be >= 0")
	}

	if cfg.Physics == (plant.PhysicalModel{}) {
		cfg.Physics = plant.Nominal()
	}
	if err := cfg.Physics.Validate(); err != nil {
		return err
	}

	if cfg.Filters.PitchHz == 0 {
		cfg.Filters.PitchHz = 10
	}
	if cfg.Filters.GyroHz == 0 {
		cfg.Filters.GyroHz = 10
	}
	if cfg.Filters.VelocityHz == 0 {
		cfg.Filters.VelocityHz = 5
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"pitch_hz", cfg.Filters.PitchHz},
		{"gyro_hz", cfg.Filters.GyroHz},
		{"velocity_hz", cfg.Filters.VelocityHz},
	} {
		if !(f.v > 0) || math.IsInf(f.v, 0) {
			return fmt.Errorf("filters.%s must be > 0", f.name)
		}
	}

	if cfg.Kalman.Output == "" {
		cfg.Kalman.Output = plant.OutputFull.String()
	}
	mode, err := plant.ParseOutputMode(cfg.Kalman.Output)
	if err != nil {
		return fmt.Errorf("kalman.output: %w", err)
	}
	if cfg.Kalman.Weights == (kalman.Weights{}) {
		cfg.Kalman.Weights = kalman.Weights{
			Q: [4]float64{50, 50, 25, 25},
			R: [4]float64{5e-2, 5e-2, 0.5, 0.5},
		}
	}
	if err := cfg.Kalman.Weights.Validate(mode); err != nil {
		return err
	}

	if cfg.LQR.Weights == (lqr.Weights{}) {
		cfg.LQR.Weights = lqr.Weights{Q: [4]float64{100, 15, 50, 25}, R: 1}
	}
	if err := cfg.LQR.Weights.Validate(); err != nil {
		return err
	}
	if cfg.LQR.Limit == 0 {
		cfg.LQR.Limit = lqr.DefaultLimit
	}
	if !(cfg.LQR.Limit > 0) || math.IsInf(cfg.LQR.Limit, 0) {
		return fmt.Errorf("lqr.limit must be > 0")
	}

	if cfg.YawPID.Gains == (pid.Gains{}) {
		cfg.YawPID.Gains = pid.Gains{Kp: 25, Ki: 100, Kd: 2}
	}
	if err := cfg.YawPID.Gains.Validate(); err != nil {
		return err
	}
	if cfg.YawPID.Min == 0 && cfg.YawPID.Max == 0 {
		cfg.YawPID.Min, cfg.YawPID.Max = -25, 25
	}
	if !(cfg.YawPID.Min < cfg.YawPID.Max) {
		return fmt.Errorf("yaw_pid.min must be < yaw_pid.max")
	}

	if cfg.Setpoint.MaxVelocity < 0 || cfg.Setpoint.MaxYawRate < 0 || cfg.Setpoint.Deadband < 0 {
		return fmt.Errorf("setpoint limits must be >= 0")
	}
	if cfg.Setpoint.Deadband >= 127 {
		return fmt.Errorf("setpoint.deadband must be < 127")
	}

	if cfg.Supervisor.ToleranceDeg == 0 {
		cfg.Supervisor.ToleranceDeg = 30
	}
	if cfg.Supervisor.UprightDeg == 0 {
		cfg.Supervisor.UprightDeg = 3
	}
	if !(cfg.Supervisor.ToleranceDeg > 0) || cfg.Supervisor.ToleranceDeg >= 90 {
		return fmt.Errorf("supervisor.tolerance_deg must be in (0,90)")
	}
	if !(cfg.Supervisor.UprightDeg > 0) || cfg.Supervisor.UprightDeg > cfg.Supervisor.ToleranceDeg {
		return fmt.Errorf("supervisor.upright_deg must be in (0,tolerance_deg]")
	}
	if cfg.Supervisor.ActivationDelay == 0 {
		cfg.Supervisor.ActivationDelay = 5 * time.Second
	}
	if cfg.Supervisor.InputTimeout == 0 {
		cfg.Supervisor.InputTimeout = time.Second
	}
	if cfg.Supervisor.SensorStaleTimeout == 0 {
		cfg.Supervisor.SensorStaleTimeout = 250 * time.Millisecond
	}
	if cfg.Supervisor.ActivationDelay < 0 || cfg.Supervisor.InputTimeout < 0 || cfg.Supervisor.SensorStaleTimeout < 0 {
		return fmt.Errorf("supervisor durations must be > 0")
	}
	cfg.Supervisor.InputLossPolicy = strings.ToLower(strings.TrimSpace(cfg.Supervisor.InputLossPolicy))
	switch cfg.Supervisor.InputLossPolicy {
	case "":
		cfg.Supervisor.InputLossPolicy = "disarm"
	case "disarm", "arm":
	default:
		return fmt.Errorf("supervisor.input_loss_policy must be 'disarm' or 'arm'")
	}

	if cfg.IMU.I2CBus == 0 {
		cfg.IMU.I2CBus = 1
	}
	if cfg.IMU.Addr == 0 {
		cfg.IMU.Addr = 0x68
	}
	if cfg.IMU.RateHz == 0 {
		cfg.IMU.RateHz = 100
	}
	if cfg.IMU.RateHz < 0 || cfg.IMU.RateHz > 1000 {
		return fmt.Errorf("imu.rate_hz must be in (0,1000]")
	}
	if cfg.IMU.PitchOffsetRad == nil {
		v := DefaultPitchOffsetRad
		cfg.IMU.PitchOffsetRad = &v
	}
	if off := *cfg.IMU.PitchOffsetRad; math.IsNaN(off) || math.Abs(off) > 0.5 {
		return fmt.Errorf("imu.pitch_offset_rad must be within +-0.5")
	}
	if cfg.IMU.FusionTau == 0 {
		cfg.IMU.FusionTau = 500 * time.Millisecond
	}

	if cfg.Motors.Baud == 0 {
		cfg.Motors.Baud = 921600
	}
	if cfg.Motors.TorqueScale == 0 {
		cfg.Motors.TorqueScale = 7.5
	}
	if !(cfg.Motors.TorqueScale > 0) {
		return fmt.Errorf("motors.torque_scale must be > 0")
	}
	if cfg.Motors.WriteTimeout == 0 {
		cfg.Motors.WriteTimeout = 5 * time.Millisecond
	}
	if cfg.Motors.Left.Port == "" && cfg.Motors.Right.Port == "" {
		cfg.Motors.Left.Port = "/dev/ttyACM0"
		cfg.Motors.Right = MotorConfig{Port: "/dev/ttyACM1", Invert: true}
	}
	if !cfg.Sim.Enable {
		if strings.TrimSpace(cfg.Motors.Left.Port) == "" || strings.TrimSpace(cfg.Motors.Right.Port) == "" {
			return fmt.Errorf("motors.left.port and motors.right.port are required")
		}
		if cfg.Motors.Left.Port == cfg.Motors.Right.Port {
			return fmt.Errorf("motors.left.port and motors.right.port must differ")
		}
	}

	if len(cfg.Gamepad.NameMatch) == 0 {
		cfg.Gamepad.NameMatch = []string{"Sony", "Wireless Controller"}
	}
	if cfg.Gamepad.Reconnect == 0 {
		cfg.Gamepad.Reconnect = 2 * time.Second
	}

	if cfg.Telemetry.RateHz == 0 {
		cfg.Telemetry.RateHz = 20
	}
	if !(cfg.Telemetry.RateHz > 0) || cfg.Telemetry.RateHz > cfg.Loop.FrequencyHz {
		return fmt.Errorf("telemetry.rate_hz must be in (0,loop.frequency_hz]")
	}
	if cfg.Telemetry.UDP.Enable && strings.TrimSpace(cfg.Telemetry.UDP.Dest) == "" {
		return fmt.Errorf("telemetry.udp.dest is required when telemetry.udp.enable is true")
	}
	if cfg.Telemetry.MQTT.Topic == "" {
		cfg.Telemetry.MQTT.Topic = "balancebot/state"
	}
	if cfg.Telemetry.MQTT.ClientID == "" {
		cfg.Telemetry.MQTT.ClientID = "balancebot"
	}
	if cfg.Telemetry.MQTT.Enable && strings.TrimSpace(cfg.Telemetry.MQTT.Broker) == "" {
		return fmt.Errorf("telemetry.mqtt.broker is required when telemetry.mqtt.enable is true")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.ConfChan.URL == "" {
		cfg.ConfChan.URL = "nats://127.0.0.1:4222"
	}
	if cfg.ConfChan.ConfigSubject == "" {
		cfg.ConfChan.ConfigSubject = "balancebot.config"
	}
	if cfg.ConfChan.StateSubject == "" {
		cfg.ConfChan.StateSubject = "balancebot.state"
	}
	if cfg.ConfChan.Embedded && cfg.ConfChan.EmbeddedListen == "" {
		cfg.ConfChan.EmbeddedListen = "127.0.0.1:4222"
	}
	if cfg.ConfChan.ConfigSubject == cfg.ConfChan.StateSubject {
		return fmt.Errorf("confchan.config_subject and confchan.state_subject must differ")
	}

	if cfg.StatusLamp.Pin == 0 {
		cfg.StatusLamp.Pin = 17
	}
	if cfg.StatusLamp.Pin < 0 {
		return fmt.Errorf("status_lamp.pin must be >= 0")
	}
	if cfg.StatusLamp.BlinkPeriod == 0 {
		cfg.StatusLamp.BlinkPeriod = 125 * time.Millisecond
	}

	if math.Abs(cfg.Sim.InitialPitchDeg) >= 90 {
		return fmt.Errorf("sim.initial_pitch_deg must be within +-90")
	}

	if cfg.Log.MaxSize < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAge < 0 {
		return fmt.Errorf("log limits must be >= 0")
	}
	if cfg.Log.Filename != "" && cfg.Log.MaxSize == 0 {
		cfg.Log.MaxSize = 10
	}

	return nil
}

// OutputMode returns the parsed kalman.output. DefaultAndValidate has checked it.
func (c Config) OutputMode() plant.OutputMode {
	m, err := plant.ParseOutputMode(c.Kalman.Output)
	if err != nil {
		return plant.OutputFull
	}
	return m
}
