package sink

import (
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"market-emulator/src/models"
)

var ErrClosed = errors.New("sink closed")

// Sink receives every outbound message of the router, in order.
type Sink interface {
	Send(msg models.Message) error
	Close() error
}

// Channel buffers messages for an in-process consumer.
type Channel struct {
	mu     sync.RWMutex
	ch     chan models.Message
	closed bool
}

func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan models.Message, buffer)}
}

// C returns the receiving end. It is closed by Close.
func (c *Channel) C() <-chan models.Message {
	return c.ch
}

// Send blocks while the buffer is full.
func (c *Channel) Send(msg models.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	c.ch <- msg
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}

// Log writes every message as a structured log line.
type Log struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func NewLog(logger zerolog.Logger, level zerolog.Level) *Log {
	return &Log{logger: logger, level: level}
}

func (l *Log) Send(msg models.Message) error {
	ev := l.logger.WithLevel(l.level).
		Str("kind", string(msg.Kind())).
		Time("server_time", msg.Time())
	if sm, ok := msg.(models.SecurityMessage); ok {
		ev = ev.Str("security", sm.Security().String())
	}
	switch m := msg.(type) {
	case *models.ExecutionMessage:
		ev = ev.Str("data_type", string(m.DataType)).
			Int64("transaction_id", m.OriginalTransactionID).
			Str("state", string(m.OrderState))
		if m.HasTradeInfo {
			ev = ev.Str("price", m.TradePrice.String()).Str("volume", m.TradeVolume.String())
		}
		if m.ErrorText != "" {
			ev = ev.Str("error", m.ErrorText)
		}
	case *models.EmulationStateMessage:
		ev = ev.Str("state", string(m.State))
	case *models.ErrorMessage:
		ev = ev.Str("error", m.Error)
	}
	ev.Msg("outbound message")
	return nil
}

func (l *Log) Close() error {
	return nil
}

// Fanout delivers each message to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Send(msg models.Message) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subject names the topic of msg under prefix: <prefix>.<kind>[.<code>.<board>].
func Subject(prefix string, msg models.Message) string {
	parts := []string{prefix, strings.ToLower(string(msg.Kind()))}
	if sm, ok := msg.(models.SecurityMessage); ok {
		if id := sm.Security(); !id.IsZero() {
			parts = append(parts, token(id.Code), token(id.Board))
		}
	}
	return strings.Join(parts, ".")
}

// token keeps a subject token free of NATS separators and wildcards.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}
