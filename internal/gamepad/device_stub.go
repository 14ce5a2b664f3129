//go:build !linux

package gamepad

import "fmt"

func openDevice(path string, match []string) (eventSource, error) {
	return nil, fmt.Errorf("gamepad: evdev not supported on this platform")
}
