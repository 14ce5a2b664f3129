package confchan

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// Broker is an in-process NATS server.
type Broker struct {
	srv *server.Server
}

// StartBroker runs a NATS server on listen (host:port, port 0 picks one) and waits
// until it accepts connections.
func StartBroker(listen string) (*Broker, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("confchan: broker listen %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("confchan: broker port %q: %w", portStr, err)
	}
	if port == 0 {
		port = server.RANDOM_PORT
	}
	srv, err := server.NewServer(&server.Options{
		ServerName: "balancebot",
		Host:       host,
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("confchan: broker: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("confchan: broker on %s not ready", listen)
	}
	return &Broker{srv: srv}, nil
}

// URL is the client URL of the running broker.
func (b *Broker) URL() string { return b.srv.ClientURL() }

func (b *Broker) Close() {
	b.srv.Shutdown()
	b.srv.WaitForShutdown()
}
