// Package capture turns upstream responses into display-ready records: it
// extracts assistant content and token usage from buffered chat-completion
// payloads and incrementally decodes SSE streams.
package capture

import (
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/intercept-sh/openrouter-proxy/internal/record"
)

// BuildBufferedRecord converts a drained upstream response into a response
// record. The body is decoded per Content-Encoding for capture only; callers
// forward the wire bytes to the client untouched.
func BuildBufferedRecord(status int, statusText string, headers http.Header, rawBody []byte, requestedAt time.Time) record.ResponseRecord {
	text := decodeBody(rawBody, headers.Get("Content-Encoding"))

	display := text
	if gjson.Valid(text) {
		if content := gjson.Get(text, "choices.0.message.content"); content.Exists() && content.String() != "" {
			display = content.String()
		}
	}

	latency := time.Since(requestedAt).Seconds() * 1000.0
	resp := record.ResponseRecord{
		StatusCode: status,
		StatusText: statusText,
		Headers:    record.HeaderMap(headers),
		Body:       display,
		RawBody:    text,
		LatencyMS:  &latency,
	}
	resp.PromptTokens, resp.CompletionTokens, resp.TotalTokens = ExtractUsage(text)
	return resp
}

// ExtractUsage pulls the optional usage block out of a chat-completion
// payload, tolerating its absence.
func ExtractUsage(body string) (prompt, completion, total *int64) {
	if !gjson.Valid(body) {
		return nil, nil, nil
	}
	usage := gjson.Get(body, "usage")
	if !usage.IsObject() {
		return nil, nil, nil
	}
	return usageField(usage, "prompt_tokens"),
		usageField(usage, "completion_tokens"),
		usageField(usage, "total_tokens")
}

func usageField(usage gjson.Result, key string) *int64 {
	field := usage.Get(key)
	if !field.Exists() {
		return nil
	}
	v := field.Int()
	return &v
}
