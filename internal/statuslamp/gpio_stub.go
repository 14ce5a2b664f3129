//go:build !linux

package statuslamp

import "fmt"

func openLine(pin int, activeLow bool) (output, error) {
	return nil, fmt.Errorf("statuslamp: gpio unsupported on this platform")
}
