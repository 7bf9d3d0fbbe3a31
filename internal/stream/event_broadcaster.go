// Package stream fans appended ledger records out to live subscribers.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/onnwee/guardrail/internal/audit"
)

// DefaultBufferSize is the number of records a subscriber may fall behind
// before it is disconnected.
const DefaultBufferSize = 64

// Subscriber receives encoded records matching its kind filter.
type Subscriber struct {
	kind audit.Kind
	send chan []byte
}

// Messages yields JSON-encoded records. The channel is closed when the
// subscriber is removed, either by Unsubscribe or because it fell behind.
func (s *Subscriber) Messages() <-chan []byte {
	return s.send
}

// Broadcaster delivers every published record to all matching subscribers.
// Publish never blocks: a subscriber whose buffer is full is dropped.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	bufferSize  int
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. bufferSize <= 0 selects DefaultBufferSize.
func NewBroadcaster(bufferSize int, logger *slog.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[*Subscriber]struct{}),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a subscriber. An empty kind receives every record.
func (b *Broadcaster) Subscribe(kind audit.Kind) *Subscriber {
	s := &Subscriber{kind: kind, send: make(chan []byte, b.bufferSize)}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. It is safe to call more
// than once.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s)
}

func (b *Broadcaster) removeLocked(s *Subscriber) {
	if _, ok := b.subscribers[s]; !ok {
		return
	}
	delete(b.subscribers, s)
	close(s.send)
}

// Publish encodes rec once and queues it for every matching subscriber.
// It has the signature of an audit.Ledger observer.
func (b *Broadcaster) Publish(rec *audit.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) == 0 {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		b.logger.Error("failed to marshal ledger record", "error", err, "sequence_no", rec.SequenceNo)
		return
	}

	for s := range b.subscribers {
		if s.kind != "" && s.kind != rec.Kind {
			continue
		}
		select {
		case s.send <- data:
		default:
			b.logger.Warn("dropping slow ledger stream subscriber", "sequence_no", rec.SequenceNo)
			b.removeLocked(s)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
