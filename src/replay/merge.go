package replay

import (
	"container/heap"

	"github.com/rs/zerolog/log"

	"market-emulator/src/models"
)

// source is one subscription's iterator positioned at its next message.
type source struct {
	it    MessageIterator
	sub   subscription
	order int
	head  models.Message
}

func (s *source) advance() bool {
	if s.it.Next() {
		s.head = s.it.Message()
		return true
	}
	if err := s.it.Err(); err != nil {
		log.Error().Err(err).
			Str("security", s.sub.Security.String()).
			Str("data_type", string(s.sub.DataType)).
			Msg("replay source failed")
	}
	s.head = nil
	return false
}

func (s *source) close() {
	if err := s.it.Close(); err != nil {
		log.Warn().Err(err).Str("security", s.sub.Security.String()).Msg("close replay source")
	}
}

// sourceHeap orders sources by the time of their head message, then by subscription order.
type sourceHeap []*source

func (h sourceHeap) Len() int { return len(h) }

func (h sourceHeap) Less(i, j int) bool {
	ti, tj := h[i].head.Time(), h[j].head.Time()
	if ti.Equal(tj) {
		return h[i].order < h[j].order
	}
	return ti.Before(tj)
}

func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sourceHeap) Push(x any) { *h = append(*h, x.(*source)) }

func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

// merger yields the messages of several sources in chronological order.
type merger struct {
	heap sourceHeap
	all  []*source
}

func newMerger(sources []*source) *merger {
	m := &merger{all: sources}
	for _, s := range sources {
		if s.advance() {
			m.heap = append(m.heap, s)
		}
	}
	heap.Init(&m.heap)
	return m
}

// next returns the earliest pending message and the source it came from.
func (m *merger) next() (models.Message, *source, bool) {
	if m.heap.Len() == 0 {
		return nil, nil, false
	}
	s := m.heap[0]
	msg := s.head
	if s.advance() {
		heap.Fix(&m.heap, 0)
	} else {
		heap.Pop(&m.heap)
	}
	return msg, s, true
}

func (m *merger) close() {
	for _, s := range m.all {
		s.close()
	}
}
