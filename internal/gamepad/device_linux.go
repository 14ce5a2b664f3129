//go:build linux

package gamepad

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"
)

const wordSize = int(unsafe.Sizeof(uintptr(0)))

// eviocgname is EVIOCGNAME(len): _IOC(_IOC_READ, 'E', 0x06, len).
func eviocgname(n uintptr) uintptr {
	return 2<<30 | n<<16 | 'E'<<8 | 0x06
}

type evdevDevice struct {
	f   *os.File
	buf []byte
}

func (d *evdevDevice) ReadEvent() (event, error) {
	if _, err := io.ReadFull(d.f, d.buf); err != nil {
		return event{}, err
	}
	return decodeEvent(d.buf, wordSize)
}

func (d *evdevDevice) Close() error { return d.f.Close() }

func (d *evdevDevice) Path() string { return d.f.Name() }

func openEvdev(path string) (*evdevDevice, error) {
	// Non-blocking so the runtime poller can interrupt reads on Close.
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), path)
	if f == nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("os.NewFile failed")
	}
	return &evdevDevice{f: f, buf: make([]byte, 2*wordSize+8)}, nil
}

func deviceName(path string) (string, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", err
	}
	defer unix.Close(fd)
	buf := make([]byte, 256)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocgname(uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return "", errno
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

// openDevice opens path, or the first /dev/input/event* whose name matches.
func openDevice(path string, match []string) (eventSource, error) {
	if path != "" {
		return openEvdev(path)
	}
	nodes, err := filepath.Glob("/dev/input/event*")
	if err != nil {
		return nil, err
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		name, err := deviceName(n)
		if err != nil {
			continue
		}
		if nameMatches(name, match) {
			return openEvdev(n)
		}
	}
	return nil, fmt.Errorf("gamepad: no input device matching %v", match)
}
