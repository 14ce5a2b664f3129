//go:build !linux

package motor

import (
	"fmt"
	"os"
)

func openSerial(path string, baud int) (*os.File, error) {
	return nil, fmt.Errorf("motor serial not supported on this platform")
}
