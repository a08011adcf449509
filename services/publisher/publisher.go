// Package publisher fans pipeline events out to downstream consumers.
package publisher

import (
	"context"
	"sync"

	"sjsage522/pricewatch/internal/models"
)

// Publisher represents a service for publishing events
type Publisher interface {
	// Publish appends an event to the stream
	Publish(ctx context.Context, e *models.Event) error

	// TrimStreams trims the stream to the configured maximum length
	TrimStreams(ctx context.Context) error

	// Close closes the publisher connection
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(ctx context.Context, e *models.Event) error { return nil }
func (Nop) TrimStreams(ctx context.Context) error               { return nil }
func (Nop) Close() error                                        { return nil }

// Memory keeps published events in order. Used by tests and single-process runs.
type Memory struct {
	mu     sync.Mutex
	events []models.Event
}

// Publish implements Publisher
func (m *Memory) Publish(ctx context.Context, e *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

// TrimStreams implements Publisher
func (m *Memory) TrimStreams(ctx context.Context) error { return nil }

// Close implements Publisher
func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far
func (m *Memory) Events() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Event(nil), m.events...)
}
