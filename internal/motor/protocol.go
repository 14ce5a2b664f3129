package motor

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Line commands understood by the wheel controller firmware.
const (
	cmdVoltageMode = "TT0\n"
	cmdTorqueMode  = "TC0\n"
	cmdEnable      = "TE1\n"
	cmdDisable     = "TE0\n"
)

// Telemetry frames are STX, little-endian float32 position, float32 velocity, ETX.
const (
	frameStart = 0x02
	frameEnd   = 0x03
	payloadLen = 8
)

var errBadFrame = errors.New("motor: frame missing end marker")

type Frame struct {
	Position float64
	Velocity float64
}

// appendSetpoint appends the torque command for sp (percent of full scale).
// scale is the firmware's full-scale value; invert flips the sign for the mirrored wheel.
func appendSetpoint(dst []byte, sp, scale float64, invert bool) []byte {
	v := sp * scale / 100
	if invert {
		v = -v
	}
	if v == 0 {
		// Avoid "-0.000".
		v = 0
	}
	dst = append(dst, 'T')
	dst = strconv.AppendFloat(dst, v, 'f', 3, 64)
	return append(dst, '\n')
}

// encodeCommand returns the bytes for one command given the enable state last sent.
func encodeCommand(dst []byte, cmd Command, enLast bool, scale float64, invert bool) []byte {
	switch {
	case !cmd.Enabled:
		return append(dst, cmdDisable...)
	case !enLast:
		dst = append(dst, cmdEnable...)
	}
	return appendSetpoint(dst, cmd.Setpoint, scale, invert)
}

// readFrame scans r for the next complete frame, skipping noise between frames.
// A start marker followed by a wrong end marker yields errBadFrame; the caller may keep reading.
func readFrame(r *bufio.Reader) (Frame, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		if b != frameStart {
			continue
		}
		var buf [payloadLen + 1]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Frame{}, err
		}
		if buf[payloadLen] != frameEnd {
			return Frame{}, errBadFrame
		}
		pos := math.Float32frombits(binary.LittleEndian.Uint32(buf[0:4]))
		vel := math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8]))
		if math.IsNaN(float64(pos)) || math.IsNaN(float64(vel)) {
			return Frame{}, fmt.Errorf("motor: non-numeric frame")
		}
		return Frame{Position: float64(pos), Velocity: float64(vel)}, nil
	}
}

// EncodeFrame is the firmware side of readFrame; the simulator and tests use it.
func EncodeFrame(f Frame) []byte {
	out := make([]byte, 0, payloadLen+2)
	out = append(out, frameStart)
	out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(f.Position)))
	out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(f.Velocity)))
	return append(out, frameEnd)
}
