// Package bridge fans out Pulsar's many-time lifecycle events onto a
// NATS subject, so an external system can observe arbiter/actor
// supervision without embedding a mailbox client of its own. It is
// grounded on quadgatefoundation-fluxor's pkg/core/eventbus_cluster_nats.go
// (found alongside the teacher in the wider pack): subjects are
// prefix-scoped, bodies are JSON-encoded, and a connection failure at
// construction time is fatal rather than silently degraded.
package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pulsario/pulsar/pkg/event"
	"github.com/pulsario/pulsar/pkg/logging"
)

// Config configures a Publisher.
type Config struct {
	URL    string // defaults to nats.DefaultURL
	Prefix string // subject prefix; defaults to "pulsar"
	Name   string // optional NATS connection name
}

// Publisher publishes Pulsar lifecycle events onto "<prefix>.<event>"
// NATS subjects.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger logging.Logger
}

// Connect dials the configured NATS server. A non-nil error means no
// events will be published; callers that require the bridge to be up
// should treat it as fatal, as the teacher's NewClusterEventBusNATS
// does for its own connection failures.
func Connect(cfg Config, logger logging.Logger) (*Publisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pulsar"
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: connect to nats: %w", err)
	}

	return &Publisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Envelope is the JSON body published for every event.
type Envelope struct {
	Event string      `json:"event"`
	AID   string      `json:"aid,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	At    time.Time   `json:"at"`
}

// Publish sends one event immediately.
func (p *Publisher) Publish(eventName string, aid string, data interface{}) error {
	body, err := json.Marshal(Envelope{Event: eventName, AID: aid, Data: data, At: time.Now()})
	if err != nil {
		return fmt.Errorf("bridge: marshal envelope: %w", err)
	}
	return p.nc.Publish(p.subject(eventName), body)
}

func (p *Publisher) subject(eventName string) string {
	return p.prefix + "." + eventName
}

// Bridge subscribes Publish to every name in eventNames on emitter, so
// each fire is republished onto NATS without the emitting component
// (arbiter or actor) needing any NATS awareness of its own.
func (p *Publisher) Bridge(emitter *event.Emitter, eventNames ...string) {
	for _, name := range eventNames {
		name := name
		_ = emitter.Bind(name, func(data interface{}, err error) {
			aid, _ := data.(string)
			var errMsg interface{}
			if err != nil {
				errMsg = err.Error()
			}
			if perr := p.Publish(name, aid, errMsg); perr != nil && p.logger != nil {
				p.logger.Warn("bridge: publish failed", "event", name, "err", perr)
			}
		})
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	p.nc.Close()
	return nil
}
