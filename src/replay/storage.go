package replay

import (
	"context"
	"time"

	"market-emulator/src/models"
)

// Storage provides historical market data for one instrument, data type and date.
type Storage interface {
	Load(ctx context.Context, security models.SecurityID, dataType models.DataType, date time.Time) (MessageIterator, error)
}

// MessageIterator yields messages earliest first. Message is valid after Next returns true.
type MessageIterator interface {
	Next() bool
	Message() models.Message
	Err() error
	Close() error
}

// SliceIterator iterates over an in-memory slice.
type SliceIterator struct {
	msgs []models.Message
	pos  int
}

func NewSliceIterator(msgs []models.Message) *SliceIterator {
	return &SliceIterator{msgs: msgs, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.msgs) {
		it.pos = len(it.msgs)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Message() models.Message {
	if it.pos < 0 || it.pos >= len(it.msgs) {
		return nil
	}
	return it.msgs[it.pos]
}

func (it *SliceIterator) Err() error   { return nil }
func (it *SliceIterator) Close() error { return nil }

// MemoryStorage keeps messages in memory keyed by instrument, data type and date.
type MemoryStorage struct {
	data map[memoryKey][]models.Message
}

type memoryKey struct {
	security models.SecurityID
	dataType models.DataType
	date     string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[memoryKey][]models.Message)}
}

// Add appends messages under the UTC date of their server time. Callers add them in time order.
func (m *MemoryStorage) Add(security models.SecurityID, dataType models.DataType, msgs ...models.Message) {
	for _, msg := range msgs {
		k := memoryKey{security, dataType, msg.Time().UTC().Format(time.DateOnly)}
		m.data[k] = append(m.data[k], msg)
	}
}

func (m *MemoryStorage) Load(ctx context.Context, security models.SecurityID, dataType models.DataType, date time.Time) (MessageIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewSliceIterator(m.data[memoryKey{security, dataType, date.UTC().Format(time.DateOnly)}]), nil
}
