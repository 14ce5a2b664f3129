// Package logging routes the standard logger to the console and an optional
// rotating file.
//
// Rotation schedules use cron syntax:
//
//	"0 30 * * * *"   every hour on the half hour
//	"@hourly"        every hour
//	"@every 1h30m"   every ninety minutes
//	"@daily"
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"balancebot/internal/config"
)

var stdout io.Writer = os.Stdout

type closer struct {
	once  sync.Once
	lj    *lumberjack.Logger
	rcron *cron.Cron
}

func (c *closer) Close() error {
	var err error
	c.once.Do(func() {
		log.SetOutput(os.Stderr)
		if c.rcron != nil {
			<-c.rcron.Stop().Done()
		}
		if c.lj != nil {
			err = c.lj.Close()
		}
	})
	return err
}

// Setup points the standard logger at the configured writers plus extra. Close the
// returned value to stop rotation and release the file.
func Setup(cfg config.LogConfig, extra ...io.Writer) (io.Closer, error) {
	var writers []io.Writer
	c := &closer{}

	if cfg.Filename != "" {
		c.lj = &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  !cfg.UTC,
		}
		if !cfg.Append {
			if err := c.lj.Rotate(); err != nil {
				return nil, fmt.Errorf("logging: rotate %s: %w", cfg.Filename, err)
			}
		}
		if cfg.RotateSchedule != "" {
			c.rcron = cron.New(cron.WithSeconds())
			lj := c.lj
			if _, err := c.rcron.AddFunc(cfg.RotateSchedule, func() {
				if err := lj.Rotate(); err != nil {
					log.Printf("logging rotate failed: %v", err)
				}
			}); err != nil {
				_ = c.lj.Close()
				return nil, fmt.Errorf("logging: rotate schedule %q: %w", cfg.RotateSchedule, err)
			}
			c.rcron.Start()
		}
		writers = append(writers, c.lj)
	}
	if cfg.Console || cfg.Filename == "" {
		writers = append(writers, stdout)
	}
	for _, w := range extra {
		if w != nil {
			writers = append(writers, w)
		}
	}

	flags := log.LstdFlags | log.Lmicroseconds
	if cfg.UTC {
		flags |= log.LUTC
	}
	log.SetFlags(flags)
	log.SetOutput(io.MultiWriter(writers...))
	return c, nil
}
