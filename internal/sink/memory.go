package sink

import (
	"context"
	"sync"

	"github.com/miradorstack/resolve-sim/internal/emitter"
)

// Write is one accepted batch as seen by a MemorySink.
type Write struct {
	Category emitter.Category
	Count    int
}

// MemorySink keeps every document in memory. It backs tests and the
// status endpoint's document counters.
type MemorySink struct {
	mu     sync.Mutex
	docs   map[emitter.Category][]emitter.Document
	writes []Write
	closed bool
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{docs: make(map[emitter.Category][]emitter.Document)}
}

// WriteBatch stores docs.
func (m *MemorySink) WriteBatch(ctx context.Context, category emitter.Category, docs []emitter.Document) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[category] = append(m.docs[category], docs...)
	m.writes = append(m.writes, Write{Category: category, Count: len(docs)})
	return Ack{}, nil
}

// Documents returns a copy of the stored documents of category.
func (m *MemorySink) Documents(category emitter.Category) []emitter.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]emitter.Document(nil), m.docs[category]...)
}

// Writes returns the accepted batches in arrival order.
func (m *MemorySink) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

// Counts returns the number of stored documents per category.
func (m *MemorySink) Counts() map[emitter.Category]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[emitter.Category]int, len(m.docs))
	for c, docs := range m.docs {
		out[c] = len(docs)
	}
	return out
}

// Close marks the sink closed.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
