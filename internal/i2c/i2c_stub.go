//go:build !linux

package i2c

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("i2c: bus closed")

var errUnsupported = errors.New("i2c: unsupported OS (need linux)")

type Bus struct{}

type Dev struct{}

func Open(path string) (*Bus, error) { return nil, errUnsupported }

func BusPath(n int) string { return fmt.Sprintf("/dev/i2c-%d", n) }

func (b *Bus) Path() string         { return "" }
func (b *Bus) Close() error         { return nil }
func (b *Bus) Dev(addr uint16) *Dev { return nil }

func (d *Dev) Addr() uint16                       { return 0 }
func (d *Dev) Write(p []byte) error               { return errUnsupported }
func (d *Dev) Read(p []byte) error                { return errUnsupported }
func (d *Dev) WriteRead(w, r []byte) error        { return errUnsupported }
func (d *Dev) ReadReg(reg byte, dst []byte) error { return errUnsupported }
func (d *Dev) ReadRegU8(reg byte) (byte, error)   { return 0, errUnsupported }
func (d *Dev) WriteReg(reg, value byte) error     { return errUnsupported }
