package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"market-emulator/src/models"
)

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the JSON payload published for every message.
type Envelope struct {
	Kind    models.MessageKind `json:"kind"`
	Time    time.Time          `json:"time"`
	Message models.Message     `json:"message"`
}

// NATS publishes outbound messages as JSON envelopes.
type NATS struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
}

func NewNATS(pub Publisher, prefix string) *NATS {
	return &NATS{pub: pub, prefix: prefix}
}

// DialNATS connects to url and returns a sink owning the connection.
func DialNATS(url, prefix string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("market-emulator"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	s := NewNATS(conn, prefix)
	s.conn = conn
	return s, nil
}

func (s *NATS) Send(msg models.Message) error {
	data, err := json.Marshal(Envelope{Kind: msg.Kind(), Time: msg.Time(), Message: msg})
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	subject := Subject(s.prefix, msg)
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection when the sink dialed it.
func (s *NATS) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
