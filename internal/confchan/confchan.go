// Package confchan is the remote configuration channel: NATS request/reply for
// live gain updates and state queries.
package confchan

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"balancebot/internal/config"
	"balancebot/internal/state"
)

// Tuner accepts gain and setpoint updates.
type Tuner interface {
	ApplyTuning(config.Tuning) error
	Tuning() config.Tuning
}

// StateSource returns the latest published snapshot.
type StateSource interface {
	Load() state.Snapshot
}

// PersistFn writes accepted gains back to the config file.
type PersistFn func(config.Tuning) error

type Config struct {
	URL           string
	Name          string
	ConfigSubject string
	StateSubject  string
}

// Reply is the response to every config request.
type Reply struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Tuning *config.Tuning `json:"tuning,omitempty"`
}

type Channel struct {
	cfg     Config
	tuner   Tuner
	src     StateSource
	persist PersistFn

	nc   *nats.Conn
	subs []*nats.Subscription
}

// Connect dials the broker and subscribes both subjects. persist may be nil.
func Connect(cfg Config, tuner Tuner, src StateSource, persist PersistFn) (*Channel, error) {
	if cfg.ConfigSubject == "" || cfg.StateSubject == "" {
		return nil, errors.New("confchan: subjects are required")
	}
	if cfg.Name == "" {
		cfg.Name = "balancebot"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(3*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("confchan disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("confchan reconnected url=%s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("confchan: connect %s: %w", cfg.URL, err)
	}

	c := &Channel{cfg: cfg, tuner: tuner, src: src, persist: persist, nc: nc}
	for subj, h := range map[string]nats.MsgHandler{
		cfg.ConfigSubject: c.handleConfig,
		cfg.StateSubject:  c.handleState,
	} {
		sub, err := nc.Subscribe(subj, h)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("confchan: subscribe %s: %w", subj, err)
		}
		c.subs = append(c.subs, sub)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("confchan: flush: %w", err)
	}
	log.Printf("confchan listening url=%s config=%s state=%s", nc.ConnectedUrl(), cfg.ConfigSubject, cfg.StateSubject)
	return c, nil
}

// Handle processes one config request body. An empty body reads the current gains.
func (c *Channel) Handle(body []byte) Reply {
	if len(body) == 0 {
		t := c.tuner.Tuning()
		return Reply{OK: true, Tuning: &t}
	}
	t, err := config.DecodeTuning(body)
	if err != nil {
		return Reply{Error: err.Error()}
	}
	if err := c.tuner.ApplyTuning(t); err != nil {
		return Reply{Error: err.Error()}
	}
	if t.Persist && c.persist != nil {
		if err := c.persist(c.tuner.Tuning()); err != nil {
			log.Printf("confchan persist failed: %v", err)
			return Reply{Error: "applied but not saved: " + err.Error()}
		}
	}
	cur := c.tuner.Tuning()
	return Reply{OK: true, Tuning: &cur}
}

func (c *Channel) handleConfig(m *nats.Msg) {
	r := c.Handle(m.Data)
	if !r.OK {
		log.Printf("confchan rejected update: %s", r.Error)
	}
	c.respond(m, r)
}

func (c *Channel) handleState(m *nats.Msg) {
	c.respond(m, c.src.Load())
}

func (c *Channel) respond(m *nats.Msg, v any) {
	if m.Reply == "" {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("confchan encode reply: %v", err)
		return
	}
	if err := m.Respond(b); err != nil {
		log.Printf("confchan respond: %v", err)
	}
}

// Close drains the subscriptions and closes the connection.
func (c *Channel) Close() error {
	if c == nil || c.nc == nil {
		return nil
	}
	err := c.nc.Drain()
	if err != nil {
		c.nc.Close()
	}
	return err
}
