// Package events announces machine changes to downstream consumers.
// Delivery is best effort: callers log a failed Publish and carry on.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/vesaa/inventra/internal/config"
)

// Event types.
const (
	MachineUpserted = "machine.upserted"
	MachineDeleted  = "machine.deleted"
)

// Event is the envelope published for every machine change.
type Event struct {
	Type        string    `json:"type" msgpack:"type"`
	RequestID   string    `json:"request_id" msgpack:"request_id"`
	MachineID   uint      `json:"machine_id" msgpack:"machine_id"`
	MachineName string    `json:"machine_name" msgpack:"machine_name"`
	LastSeen    time.Time `json:"last_seen" msgpack:"last_seen"`
	TimestampMs int64     `json:"timestamp_ms" msgpack:"timestamp_ms"`
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// New builds the publisher selected by cfg.EventsDriver.
func New(cfg *config.Config) (Publisher, error) {
	switch cfg.EventsDriver {
	case "", "none":
		return Nop{}, nil
	case "redis":
		return NewRedis(cfg.RedisURL, cfg.RedisQueue)
	case "nats":
		return NewNATS(cfg.NATSURL, cfg.NATSSubject)
	default:
		return nil, fmt.Errorf("unsupported events_driver %q", cfg.EventsDriver)
	}
}

func stamp(ev Event) Event {
	if ev.TimestampMs == 0 {
		ev.TimestampMs = time.Now().UnixMilli()
	}
	return ev
}
