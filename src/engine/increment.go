package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

// IncrementBuilder assembles full depth snapshots out of an incremental quote stream.
// Increments are only applied once a complete snapshot has been received.
type IncrementBuilder struct {
	bids  map[string]models.Quote
	asks  map[string]models.Quote
	ready bool
}

func NewIncrementBuilder() *IncrementBuilder {
	b := &IncrementBuilder{}
	b.Reset()
	return b
}

func (b *IncrementBuilder) Reset() {
	b.bids = make(map[string]models.Quote)
	b.asks = make(map[string]models.Quote)
	b.ready = false
}

func (b *IncrementBuilder) Ready() bool {
	return b.ready
}

// Apply folds m into the builder. It returns the resulting snapshot when the
// builder holds a coherent book.
func (b *IncrementBuilder) Apply(m *models.QuoteChangeMessage) (*models.QuoteChangeMessage, bool) {
	switch m.State {
	case models.QuoteSnapshotStarted:
		b.Reset()
		b.merge(m)
		return nil, false
	case models.QuoteSnapshotBuilding:
		b.merge(m)
		return nil, false
	case models.QuoteSnapshotComplete:
		b.merge(m)
		b.ready = true
	case models.QuoteIncrement:
		if !b.ready {
			return nil, false
		}
		b.merge(m)
	default:
		b.Reset()
		b.merge(m)
		b.ready = true
	}
	return &models.QuoteChangeMessage{
		Header:     m.Header,
		SecurityID: m.SecurityID,
		Bids:       sortedQuotes(b.bids, true),
		Asks:       sortedQuotes(b.asks, false),
	}, true
}

func (b *IncrementBuilder) merge(m *models.QuoteChangeMessage) {
	apply(b.bids, m.Bids)
	apply(b.asks, m.Asks)
}

// apply upserts quotes; a zero volume removes the level.
func apply(levels map[string]models.Quote, quotes []models.Quote) {
	for _, q := range quotes {
		key := q.Price.String()
		if q.Volume.LessThanOrEqual(decimal.Zero) {
			delete(levels, key)
			continue
		}
		levels[key] = q
	}
}

func sortedQuotes(levels map[string]models.Quote, descending bool) []models.Quote {
	out := make([]models.Quote, 0, len(levels))
	for _, q := range levels {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
