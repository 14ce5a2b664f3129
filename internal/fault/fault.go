// Package fault classifies runtime failures so each class can get its own recovery policy.
//
// Sensor, Actuation, Config and Timing faults are recoverable and must never stop
// the control loop. Init faults are fatal and abort startup.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindSensor
	KindActuation
	KindConfig
	KindTiming
	KindInit
)

var kindNames = []string{"unknown", "sensor", "actuation", "config", "timing", "init"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Kinds lists the recoverable runtime classes plus init, in reporting order.
func Kinds() []Kind {
	return []Kind{KindSensor, KindActuation, KindConfig, KindTiming, KindInit}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Op == "" {
		return fmt.Sprintf("%s fault: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s fault: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Sensor(op string, err error) error    { return wrap(KindSensor, op, err) }
func Actuation(op string, err error) error { return wrap(KindActuation, op, err) }
func Config(op string, err error) error    { return wrap(KindConfig, op, err) }
func Timing(op string, err error) error    { return wrap(KindTiming, op, err) }
func Init(op string, err error) error      { return wrap(KindInit, op, err) }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Fatal reports whether err must abort the process.
func Fatal(err error) bool {
	return KindOf(err) == KindInit
}
