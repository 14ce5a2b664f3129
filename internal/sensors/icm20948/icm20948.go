package icm20948

import (
	"fmt"
	"math"
	"time"

	"balancebot/internal/i2c"
)

var sleep = time.Sleep

// ICM-20948 accel/gyro driver. Samples are returned in SI units
// (m/s^2 and rad/s) so the balance estimator can consume them directly.

const (
	addrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	regPwrMgmt2   = 0x07
	bitReset      = 0x80
	clkAuto       = 0x01
	regIntEnable  = 0x10
	regAccelXoutH = 0x2D // accel, gyro, temp are contiguous

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig1  = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	baseRateHz = 1125
	blockLen   = 14

	standardGravity = 9.80665
)

// Gyro full-scale selections (GYRO_FS_SEL).
var gyroRanges = map[int]byte{250: 0, 500: 1, 1000: 2, 2000: 3}

// Accel full-scale selections (ACCEL_FS_SEL).
var accelRanges = map[int]byte{2: 0, 4: 1, 8: 2, 16: 3}

type Options struct {
	RateHz       int
	GyroRangeDPS int
	AccelRangeG  int
	// LowPass enables the on-chip DLPF (config 3, ~51 Hz gyro / ~50 Hz accel).
	LowPass bool
}

func (o *Options) applyDefaults() {
	if o.RateHz <= 0 {
		o.RateHz = 100
	}
	if o.RateHz > baseRateHz {
		o.RateHz = baseRateHz
	}
	if o.GyroRangeDPS == 0 {
		o.GyroRangeDPS = 500
	}
	if o.AccelRangeG == 0 {
		o.AccelRangeG = 4
	}
}

type Sample struct {
	Time time.Time
	// Accel in m/s^2, sensor frame.
	Ax, Ay, Az float64
	// Gyro in rad/s, sensor frame.
	Gx, Gy, Gz float64
	TempC      float64
}

type Device struct {
	dev  regIO
	opts Options

	curBank    byte
	scaleAccel float64
	scaleGyro  float64
	buf        [blockLen]byte
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	return newWithIO(dev, opts)
}

func newWithIO(dev regIO, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	opts.applyDefaults()
	gfs, ok := gyroRanges[opts.GyroRangeDPS]
	if !ok {
		return nil, fmt.Errorf("icm20948: unsupported gyro range %d dps", opts.GyroRangeDPS)
	}
	afs, ok := accelRanges[opts.AccelRangeG]
	if !ok {
		return nil, fmt.Errorf("icm20948: unsupported accel range %d g", opts.AccelRangeG)
	}

	d := &Device{dev: dev, opts: opts, curBank: 0xFF}
	if err := d.setBank(0); err != nil {
		return nil, err
	}
	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}
	if err := d.init(gfs, afs); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) Options() Options { return d.opts }

func (d *Device) init(gfs, afs byte) error {
	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// The reset returns the chip to bank 0.
	d.curBank = 0

	if err := d.dev.WriteReg(regPwrMgmt1, clkAuto); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := d.dev.WriteReg(regPwrMgmt2, 0x00); err != nil {
		return fmt.Errorf("icm20948: enable sensors failed: %w", err)
	}
	_ = d.dev.WriteReg(regIntEnable, 0x00)

	if err := d.setBank(bank2); err != nil {
		return err
	}
	div := byte(baseRateHz/d.opts.RateHz - 1)
	if err := d.dev.WriteReg(regGyroSmplrt, div); err != nil {
		return fmt.Errorf("icm20948: gyro rate failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelSmplrt2, div); err != nil {
		return fmt.Errorf("icm20948: accel rate failed: %w", err)
	}

	gcfg := gfs << 1
	acfg := afs << 1
	if d.opts.LowPass {
		gcfg |= 3<<3 | 1
		acfg |= 3<<3 | 1
	}
	if err := d.dev.WriteReg(regGyroConfig1, gcfg); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, acfg); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}
	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = float64(d.opts.AccelRangeG) * standardGravity / 32768.0
	d.scaleGyro = float64(d.opts.GyroRangeDPS) * math.Pi / 180.0 / 32768.0
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Sample{}, err
	}
	buf := d.buf[:]
	if err := d.dev.ReadReg(regAccelXoutH, buf); err != nil {
		return Sample{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}

	word := func(i int) float64 { return float64(int16(uint16(buf[i])<<8 | uint16(buf[i+1]))) }

	return Sample{
		Time:  time.Now(),
		Ax:    word(0) * d.scaleAccel,
		Ay:    word(2) * d.scaleAccel,
		Az:    word(4) * d.scaleAccel,
		Gx:    word(6) * d.scaleGyro,
		Gy:    word(8) * d.scaleGyro,
		Gz:    word(10) * d.scaleGyro,
		TempC: word(12)/333.87 + 21,
	}, nil
}
