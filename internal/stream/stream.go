package stream

import (
	"context"
	"sync"

	"qonsent.org/internal/authz"
)

// Stream fan-outs appended audit entries to all active subscribers
// (SSE clients watching the authorization trail).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan authz.AuditEntry
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan authz.AuditEntry)}
}

// Subscribe registers a subscriber and returns a channel which will
// receive entries. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan authz.AuditEntry {
	ch := make(chan authz.AuditEntry, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the entry to all subscribers.
func (s *Stream) Publish(entry authz.AuditEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- entry:
		default:
			// Drop when subscriber is slow to avoid blocking writers.
		}
	}
}
