package gamepad

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Linux input event types and codes used by the DualShock 4 (see linux/input-event-codes.h).
const (
	evSyn = 0x00
	evKey = 0x01
	evAbs = 0x03

	btnSouth  = 0x130
	btnEast   = 0x131
	btnNorth  = 0x133
	btnWest   = 0x134
	btnTL     = 0x136
	btnTR     = 0x137
	btnSelect = 0x13a
	btnStart  = 0x13b
	btnMode   = 0x13c
	btnThumbL = 0x13d
	btnThumbR = 0x13e

	absX     = 0x00
	absY     = 0x01
	absZ     = 0x02
	absRX    = 0x03
	absRY    = 0x04
	absRZ    = 0x05
	absHat0X = 0x10
	absHat0Y = 0x11
)

const (
	axisMin    = 0
	axisMax    = 255
	axisCenter = 127.5
)

type event struct {
	Time  time.Time
	Type  uint16
	Code  uint16
	Value int32
}

// decodeEvent parses one struct input_event. The timeval is two native words,
// so the record is 24 bytes on 64-bit kernels and 16 on 32-bit ones.
func decodeEvent(b []byte, wordSize int) (event, error) {
	if len(b) != 2*wordSize+8 {
		return event{}, fmt.Errorf("gamepad: event is %d bytes, want %d", len(b), 2*wordSize+8)
	}
	var sec, usec int64
	switch wordSize {
	case 8:
		sec = int64(binary.NativeEndian.Uint64(b[0:8]))
		usec = int64(binary.NativeEndian.Uint64(b[8:16]))
	case 4:
		sec = int64(int32(binary.NativeEndian.Uint32(b[0:4])))
		usec = int64(int32(binary.NativeEndian.Uint32(b[4:8])))
	default:
		return event{}, fmt.Errorf("gamepad: unsupported word size %d", wordSize)
	}
	o := 2 * wordSize
	return event{
		Time:  time.Unix(sec, usec*1000),
		Type:  binary.NativeEndian.Uint16(b[o : o+2]),
		Code:  binary.NativeEndian.Uint16(b[o+2 : o+4]),
		Value: int32(binary.NativeEndian.Uint32(b[o+4 : o+8])),
	}, nil
}

// Offsets are per-axis calibration subtracted from the raw reading.
type Offsets struct {
	LeftX, LeftY, RightX, RightY, L2, R2 float64
}

// DefaultOffsets match the controller the robot was tuned with.
func DefaultOffsets() Offsets {
	return Offsets{LeftX: -3, LeftY: 0, RightX: 5, RightY: -3}
}

// apply folds one event into snap. Sticks are flipped so forward/right read high.
func apply(snap *Snapshot, ev event, off Offsets) {
	switch ev.Type {
	case evKey:
		on := ev.Value != 0
		switch ev.Code {
		case btnSouth:
			snap.Buttons.Cross = on
		case btnEast:
			snap.Buttons.Circle = on
		case btnNorth:
			snap.Buttons.Triangle = on
		case btnWest:
			snap.Buttons.Square = on
		case btnTL:
			snap.Buttons.L1 = on
		case btnTR:
			snap.Buttons.R1 = on
		case btnSelect:
			snap.Buttons.Share = on
		case btnStart:
			snap.Buttons.Options = on
		case btnThumbL:
			snap.Buttons.L3 = on
		case btnThumbR:
			snap.Buttons.R3 = on
		case btnMode:
			snap.Buttons.PS = on
		}
	case evAbs:
		v := float64(ev.Value)
		switch ev.Code {
		case absX:
			snap.LeftX = clip(axisMax - v - off.LeftX)
		case absY:
			snap.LeftY = clip(axisMax - v - off.LeftY)
		case absRX:
			snap.RightX = clip(axisMax - v - off.RightX)
		case absRY:
			snap.RightY = clip(axisMax - v - off.RightY)
		case absZ:
			snap.L2 = clip(v - off.L2)
		case absRZ:
			snap.R2 = clip(v - off.R2)
		case absHat0X:
			snap.DPadX = -int(ev.Value)
		case absHat0Y:
			snap.DPadY = -int(ev.Value)
		}
	}
}

func clip(v float64) float64 {
	if v < axisMin {
		return axisMin
	}
	if v > axisMax {
		return axisMax
	}
	return v
}
