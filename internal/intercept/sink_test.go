package intercept

import (
	"testing"
	"time"

	"github.com/intercept-sh/openrouter-proxy/internal/record"
)

func newExchange(url string) *record.Exchange {
	return record.NewExchange(
		record.RequestRecord{Timestamp: time.Now(), Method: "POST", URL: url},
		record.ResponseRecord{StatusCode: 200, StatusText: "OK"},
	)
}

func TestRecordEvictsOldest(t *testing.T) {
	s := NewSink(2)
	first := newExchange("/one")
	second := newExchange("/two")
	third := newExchange("/three")

	s.Record(first)
	s.Record(second)
	s.Record(third)

	got := s.All()
	if len(got) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(got))
	}
	if got[0] != second || got[1] != third {
		t.Fatalf("buffer holds %q, %q; want /two, /three", got[0].Request.URL, got[1].Request.URL)
	}
}

func TestOnInterceptFires(t *testing.T) {
	s := NewSink(10)
	var seen []*record.Exchange
	s.OnIntercept(func(ex *record.Exchange) { seen = append(seen, ex) })

	ex := newExchange("/chat/completions")
	s.Record(ex)

	if len(seen) != 1 || seen[0] != ex {
		t.Fatalf("intercept callback saw %d exchanges, want the recorded one", len(seen))
	}
}

func TestCallbackPanicDoesNotPropagate(t *testing.T) {
	s := NewSink(10)
	s.OnIntercept(func(*record.Exchange) { panic("observer bug") })
	s.OnStreamingUpdate(func(*record.Exchange) { panic("observer bug") })

	ex := newExchange("/chat/completions")
	s.Record(ex)
	s.RecordStreamingUpdate(ex)

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after panicking callbacks", s.Len())
	}
}

func TestStreamingUpdateCallback(t *testing.T) {
	s := NewSink(10)
	var updates int
	s.OnStreamingUpdate(func(*record.Exchange) { updates++ })

	ex := newExchange("/chat/completions")
	s.Record(ex)
	ex.SetStreamingProgress("He")
	s.RecordStreamingUpdate(ex)
	ex.SetStreamingProgress("Hello")
	s.RecordStreamingUpdate(ex)

	if updates != 2 {
		t.Fatalf("streaming update callback fired %d times, want 2", updates)
	}
	if ex.Response.StreamingContent != "Hello" {
		t.Fatalf("StreamingContent = %q, want %q", ex.Response.StreamingContent, "Hello")
	}
}

func TestAllReturnsSnapshot(t *testing.T) {
	s := NewSink(10)
	s.Record(newExchange("/a"))
	snap := s.All()
	s.Record(newExchange("/b"))
	if len(snap) != 1 {
		t.Fatalf("snapshot grew after later Record; len = %d, want 1", len(snap))
	}
}

func TestClear(t *testing.T) {
	s := NewSink(10)
	s.Record(newExchange("/a"))
	s.Record(newExchange("/b"))
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after Clear, want 0", s.Len())
	}
}
