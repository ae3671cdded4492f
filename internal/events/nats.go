package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS publishes JSON events on a fixed subject.
type NATS struct {
	nc      *nats.Conn
	subject string
}

func NewNATS(url, subject string) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("inventra-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[events] nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[events] nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	log.Printf("[events] nats publisher on %s, subject %s", url, subject)
	return &NATS{nc: nc, subject: subject}, nil
}

func (n *NATS) Publish(ctx context.Context, ev Event) error {
	if n.nc == nil || n.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	b, err := json.Marshal(stamp(ev))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return n.nc.Publish(n.subject+"."+ev.Type, b)
}

// Close flushes buffered events before closing the connection.
func (n *NATS) Close() error {
	if n.nc == nil || n.nc.IsClosed() {
		return nil
	}
	err := n.nc.FlushTimeout(2 * time.Second)
	n.nc.Close()
	return err
}
