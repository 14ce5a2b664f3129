package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"balancebot/internal/kalman"
	"balancebot/internal/lqr"
	"balancebot/internal/pid"
	"balancebot/internal/plant"
	"balancebot/internal/setpoint"
)

// Tuning is a runtime update from the configuration channel or the web API.
// Absent sections are left unchanged.
type Tuning struct {
	LQR      *lqr.Weights       `json:"lqr,omitempty"`
	Kalman   *kalman.Weights    `json:"kalman,omitempty"`
	YawPID   *pid.Gains         `json:"yaw,omitempty"`
	Setpoint *setpoint.Setpoint `json:"sp,omitempty"`
	// Persist asks for the gains to be written back to the config file.
	Persist bool `json:"persist,omitempty"`
}

var tuningKeys = []string{"lqr", "kalman", "yaw", "sp", "persist"}

// Empty reports whether the update changes nothing.
func (t Tuning) Empty() bool {
	return t.LQR == nil && t.Kalman == nil && t.YawPID == nil && t.Setpoint == nil
}

func (t Tuning) Validate(mode plant.OutputMode) error {
	if t.LQR != nil {
		if err := t.LQR.Validate(); err != nil {
			return err
		}
	}
	if t.Kalman != nil {
		if err := t.Kalman.Validate(mode); err != nil {
			return err
		}
	}
	if t.YawPID != nil {
		if err := t.YawPID.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplyTo copies the gain sections into cfg. The setpoint is runtime-only.
func (t Tuning) ApplyTo(cfg *Config) {
	if t.LQR != nil {
		cfg.LQR.Weights = *t.LQR
	}
	if t.Kalman != nil {
		cfg.Kalman.Weights = *t.Kalman
	}
	if t.YawPID != nil {
		cfg.YawPID.Gains = *t.YawPID
	}
}

// TuningOf returns the gain sections of cfg.
func TuningOf(cfg Config) Tuning {
	l, k, y := cfg.LQR.Weights, cfg.Kalman.Weights, cfg.YawPID.Gains
	return Tuning{LQR: &l, Kalman: &k, YawPID: &y}
}

// DecodeTuning parses a Tuning strictly: unknown, duplicate or null keys and
// trailing data are rejected, and at least one section must be present.
func DecodeTuning(body []byte) (Tuning, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	allowed := make(map[string]struct{}, len(tuningKeys))
	for _, k := range tuningKeys {
		allowed[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(tuningKeys))

	tok, err := dec.Token()
	if err != nil {
		return Tuning{}, fmt.Errorf("invalid json: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return Tuning{}, errors.New("invalid json: expected object")
	}

	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return Tuning{}, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return Tuning{}, errors.New("invalid json: expected string key")
		}
		if _, ok := allowed[key]; !ok {
			return Tuning{}, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := seen[key]; dup {
			return Tuning{}, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return Tuning{}, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return Tuning{}, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}

	end, err := dec.Token()
	if err != nil {
		return Tuning{}, fmt.Errorf("invalid json: %w", err)
	}
	delim, ok = end.(json.Delim)
	if !ok || delim != '}' {
		return Tuning{}, errors.New("invalid json: expected end of object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Tuning{}, errors.New("invalid json: trailing data")
	}

	var out Tuning
	dec2 := json.NewDecoder(bytes.NewReader(body))
	dec2.DisallowUnknownFields()
	if err := dec2.Decode(&out); err != nil {
		return Tuning{}, fmt.Errorf("invalid json: %w", err)
	}
	if out.Empty() {
		return Tuning{}, errors.New("invalid json: no tuning section")
	}
	return out, nil
}

// PersistTuning writes the gain sections of t into the config file at path,
// leaving every other section as it is on disk.
func PersistTuning(path string, t Tuning) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("no config path")
	}
	cfg, err := Load(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	t.ApplyTo(&cfg)
	return Save(path, cfg)
}
