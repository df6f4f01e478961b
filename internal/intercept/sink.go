// Package intercept keeps the bounded history of proxied exchanges and fans
// them out to observer callbacks. It is deliberately decoupled from the
// transport: callbacks run synchronously but are isolated, so a misbehaving
// observer can never abort request processing.
package intercept

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/intercept-sh/openrouter-proxy/internal/record"
)

// Callback receives the exchange pointer being recorded or updated. The
// receiver is responsible for any cross-thread marshalling it needs.
type Callback func(*record.Exchange)

// Sink is an append-only bounded buffer of the most recent exchanges.
type Sink struct {
	mu       sync.Mutex
	max      int
	entries  []*record.Exchange
	onRecord Callback
	onUpdate Callback
}

// NewSink builds a sink retaining at most max exchanges (oldest evicted).
func NewSink(max int) *Sink {
	if max <= 0 {
		max = 1000
	}
	return &Sink{max: max}
}

// SetMax adjusts the retention limit, evicting oldest entries if the buffer
// already exceeds it. Used when a server restart carries a new capacity.
func (s *Sink) SetMax(max int) {
	if max <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = max
	if len(s.entries) > s.max {
		over := len(s.entries) - s.max
		s.entries = append(s.entries[:0:0], s.entries[over:]...)
	}
}

// OnIntercept registers the callback fired once per recorded exchange.
func (s *Sink) OnIntercept(fn Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecord = fn
}

// OnStreamingUpdate registers the callback fired after each incremental
// content change of a streaming exchange.
func (s *Sink) OnStreamingUpdate(fn Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Record appends the exchange, evicting the oldest entry when the buffer is
// full, and fires the intercept callback.
func (s *Sink) Record(ex *record.Exchange) {
	if ex == nil {
		return
	}
	s.mu.Lock()
	s.entries = append(s.entries, ex)
	if len(s.entries) > s.max {
		over := len(s.entries) - s.max
		s.entries = append(s.entries[:0:0], s.entries[over:]...)
	}
	fn := s.onRecord
	s.mu.Unlock()

	invoke(fn, ex, "intercept")
}

// RecordStreamingUpdate fires the streaming-update callback for an exchange
// already held by the sink.
func (s *Sink) RecordStreamingUpdate(ex *record.Exchange) {
	if ex == nil {
		return
	}
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()

	invoke(fn, ex, "streaming update")
}

// All returns a snapshot copy in arrival order, safe to iterate while new
// exchanges keep arriving.
func (s *Sink) All() []*record.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*record.Exchange, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len reports the number of retained exchanges.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear empties the buffer.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := len(s.entries)
	s.entries = nil
	log.Debugf("cleared %d intercepted exchanges", count)
}

func invoke(fn Callback, ex *record.Exchange, kind string) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Errorf("error in %s callback", kind)
		}
	}()
	fn(ex)
}
