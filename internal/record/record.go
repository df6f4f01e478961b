// Package record defines the request/response pair captured for every
// exchange the proxy forwards upstream. Records are what the inspection
// surface (and any UI subscribed to the intercept callbacks) consumes.
package record

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestRecord is the inbound half of an exchange, frozen at the moment the
// proxy accepts the request.
type RequestRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
}

// ResponseRecord is the upstream half of an exchange. For buffered responses
// it is populated once and never touched again; for streaming responses the
// streaming fields are updated as frames arrive and the completion flags are
// flipped when the stream ends.
type ResponseRecord struct {
	StatusCode int               `json:"status_code"`
	StatusText string            `json:"status_text"`
	Headers    map[string]string `json:"headers"`

	// Body is the display form: extracted assistant content when the payload
	// has a chat-completion shape, otherwise the raw text.
	Body    string `json:"body"`
	RawBody string `json:"raw_body"`

	LatencyMS *float64 `json:"latency_ms,omitempty"`

	PromptTokens     *int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64 `json:"completion_tokens,omitempty"`
	TotalTokens      *int64 `json:"total_tokens,omitempty"`

	IsStreaming       bool   `json:"is_streaming"`
	StreamingContent  string `json:"streaming_content,omitempty"`
	StreamingComplete bool   `json:"streaming_complete"`
}

// Exchange is one intercepted request/response pair. The same pointer is
// pushed through every intercept and streaming-update callback, so streaming
// mutation goes through the methods below rather than direct field writes.
type Exchange struct {
	ID       string         `json:"id"`
	Request  RequestRecord  `json:"request"`
	Response ResponseRecord `json:"response"`

	// Pointer so Snapshot copies stay plain data values.
	mu *sync.Mutex
}

// NewExchange pairs a request with its (possibly still in-flight) response.
func NewExchange(req RequestRecord, resp ResponseRecord) *Exchange {
	return &Exchange{
		ID:       uuid.NewString(),
		Request:  req,
		Response: resp,
		mu:       &sync.Mutex{},
	}
}

// SetStreamingProgress replaces the accumulated streaming content while the
// stream is still open.
func (e *Exchange) SetStreamingProgress(content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Response.StreamingContent = content
	e.Response.IsStreaming = true
	e.Response.StreamingComplete = false
}

// CompleteStreaming finalizes a streaming response: raw body, display body,
// latency measured from the request timestamp, and the completion flags.
func (e *Exchange) CompleteStreaming(rawBody, displayBody string, completedAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Response.RawBody = rawBody
	e.Response.Body = displayBody
	e.Response.StreamingContent = displayBody
	e.Response.IsStreaming = false
	e.Response.StreamingComplete = true
	latency := completedAt.Sub(e.Request.Timestamp).Seconds() * 1000.0
	e.Response.LatencyMS = &latency
}

// SetTokenCounts fills the optional token-usage fields. Nil pointers leave
// the corresponding field unset.
func (e *Exchange) SetTokenCounts(prompt, completion, total *int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Response.PromptTokens = prompt
	e.Response.CompletionTokens = completion
	e.Response.TotalTokens = total
}

// Snapshot returns a copy of the exchange safe to serialize while a stream
// may still be mutating the original.
func (e *Exchange) Snapshot() Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Exchange{
		ID:       e.ID,
		Request:  e.Request,
		Response: e.Response,
		mu:       e.mu,
	}
}

// HeaderMap flattens HTTP headers to a single-value map for display, keeping
// the first value of each key.
func HeaderMap(h map[string][]string) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		out[key] = values[0]
	}
	return out
}
