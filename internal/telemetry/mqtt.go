package telemetry

import (
	"errors"
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

const (
	defaultConnectTimeout = 5 * time.Second
	defaultPublishTimeout = 100 * time.Millisecond
)

var errPublishTimeout = errors.New("publish timeout")

// MQTTSink publishes each snapshot at QoS 0, not retained. The client reconnects
// on its own; sends while disconnected fail fast.
type MQTTSink struct {
	cfg    MQTTConfig
	client paho.Client
}

func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt: topic is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetProtocolVersion(4)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Printf("telemetry mqtt connection lost broker=%s err=%v", cfg.Broker, err)
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		log.Printf("telemetry mqtt connected broker=%s topic=%s", cfg.Broker, cfg.Topic)
	})

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect %s: timeout", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	return &MQTTSink{cfg: cfg, client: client}, nil
}

func (s *MQTTSink) Name() string { return "mqtt " + s.cfg.Topic }

func (s *MQTTSink) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if !s.client.IsConnectionOpen() {
		return errors.New("mqtt: not connected")
	}
	tok := s.client.Publish(s.cfg.Topic, 0, false, payload)
	if !tok.WaitTimeout(s.cfg.PublishTimeout) {
		return errPublishTimeout
	}
	return tok.Error()
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
