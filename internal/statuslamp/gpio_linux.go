//go:build linux

package statuslamp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// openLine requests BCM GPIO pin as an output, scanning every gpiochip for the
// "GPIO<pin>" line name since its chip differs between Pi models.
func openLine(pin int, activeLow bool) (output, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("statuslamp: invalid gpio pin %d", pin)
	}
	lineName := fmt.Sprintf("GPIO%d", pin)

	candidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			candidates = append(candidates, filepath.Join("/dev", e.Name()))
		}
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0), gpiocdev.WithConsumer("balancebot-lamp")}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	for _, path := range candidates {
		chip, err := gpiocdev.NewChip(path)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, opts...)
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpioLine{chip: chip, line: line}, nil
	}
	return nil, fmt.Errorf("statuslamp: gpio line %q not found (or busy)", lineName)
}

type gpioLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpioLine) Set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *gpioLine) Close() error {
	if g.line == nil {
		return nil
	}
	_ = g.line.SetValue(0)
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
