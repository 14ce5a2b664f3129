package icm20948

import (
	"errors"
	"math"
	"testing"
	"time"
)

type fakeI2C struct {
	regs   map[byte][]byte
	writes []writeOp

	readErrFor map[byte]error
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeI2C) ReadRegU8(reg byte) (byte, error) {
	if err := f.readErrFor[reg]; err != nil {
		return 0, err
	}
	b := f.regs[reg]
	if len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeI2C) ReadReg(reg byte, dst []byte) error {
	if err := f.readErrFor[reg]; err != nil {
		return err
	}
	b := f.regs[reg]
	if len(b) < len(dst) {
		return errors.New("short reg")
	}
	copy(dst, b[:len(dst)])
	return nil
}

func (f *fakeI2C) WriteReg(reg, value byte) error {
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func noSleep(t *testing.T) {
	t.Helper()
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })
}

func TestNew_WhoAmIMismatch(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {0x00}}}
	if _, err := newWithIO(f, Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNew_RejectsUnsupportedRange(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}
	if _, err := newWithIO(f, Options{GyroRangeDPS: 300}); err == nil {
		t.Fatalf("expected gyro range error")
	}
	if _, err := newWithIO(f, Options{AccelRangeG: 3}); err == nil {
		t.Fatalf("expected accel range error")
	}
}

func TestNew_WritesExpectedInitRegisters(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}
	d, err := newWithIO(f, Options{RateHz: 225, GyroRangeDPS: 1000, AccelRangeG: 8, LowPass: true})
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	if d.Options().RateHz != 225 {
		t.Fatalf("opts=%+v", d.Options())
	}

	want := []writeOp{
		{regPwrMgmt1, bitReset},
		{regPwrMgmt1, clkAuto},
		{regBankSel, bank2 << 4},
		{regGyroSmplrt, 4},
		{regAccelSmplrt2, 4},
		{regGyroConfig1, 2<<1 | 3<<3 | 1},
		{regAccelConfig, 2<<1 | 3<<3 | 1},
		{regBankSel, 0},
	}
	for _, w := range want {
		found := false
		for _, got := range f.writes {
			if got == w {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("missing write reg=0x%02X val=0x%02X in %v", w.reg, w.val, f.writes)
		}
	}
}

func TestRead_ScalesToSIUnits(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}
	f.regs[regAccelXoutH] = []byte{
		0x40, 0x00, // ax = 16384 -> 2 g at 4 g full scale
		0x00, 0x00, // ay
		0xC0, 0x00, // az = -16384
		0x40, 0x00, // gx = 16384 -> 250 dps at 500 dps full scale
		0x00, 0x00, // gy
		0xC0, 0x00, // gz
		0x00, 0x00, // temp raw 0 -> 21 C
	}

	d, err := newWithIO(f, Options{})
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	s, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	g2 := 2 * standardGravity
	if math.Abs(s.Ax-g2) > 1e-9 || math.Abs(s.Az+g2) > 1e-9 || s.Ay != 0 {
		t.Fatalf("accel=(%v,%v,%v) want (%v,0,%v)", s.Ax, s.Ay, s.Az, g2, -g2)
	}
	w := 250 * math.Pi / 180
	if math.Abs(s.Gx-w) > 1e-9 || math.Abs(s.Gz+w) > 1e-9 {
		t.Fatalf("gyro=(%v,%v,%v) want (%v,0,%v)", s.Gx, s.Gy, s.Gz, w, -w)
	}
	if s.TempC != 21 {
		t.Fatalf("temp=%v want 21", s.TempC)
	}
}

func TestRead_PropagatesBusError(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}, readErrFor: map[byte]error{}}
	d, err := newWithIO(f, Options{})
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	f.readErrFor[regAccelXoutH] = errors.New("nack")
	if _, err := d.Read(); err == nil {
		t.Fatalf("expected error")
	}
}
