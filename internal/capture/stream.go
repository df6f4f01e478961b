package capture

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

const dataPrefix = "data: "
const doneSentinel = "[DONE]"

// StreamState accumulates an SSE response chunk by chunk. It carries partial
// frames across chunk boundaries, extracts delta content from well-formed
// frames, and ignores everything else; a malformed frame never aborts the
// stream. The state object is transport-agnostic so the extraction logic can
// be tested without a live connection.
type StreamState struct {
	raw      bytes.Buffer
	pending  bytes.Buffer
	content  strings.Builder
	finished bool

	promptTokens     *int64
	completionTokens *int64
	totalTokens      *int64
}

// NewStreamState returns an empty accumulator.
func NewStreamState() *StreamState {
	return &StreamState{}
}

// Feed consumes the next raw chunk and reports whether it yielded new
// assistant content.
func (s *StreamState) Feed(chunk []byte) bool {
	if s.finished || len(chunk) == 0 {
		return false
	}
	s.raw.Write(chunk)
	s.pending.Write(chunk)

	hadContent := false
	for {
		line, ok := s.nextLine()
		if !ok {
			break
		}
		if s.extractDelta(line) {
			hadContent = true
		}
	}
	return hadContent
}

// nextLine pops one complete newline-terminated line from the pending buffer.
func (s *StreamState) nextLine() (string, bool) {
	data := s.pending.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(bytes.TrimRight(data[:idx], "\r"))
	s.pending.Next(idx + 1)
	return line, true
}

func (s *StreamState) extractDelta(line string) bool {
	if !strings.HasPrefix(line, dataPrefix) {
		return false
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "" || payload == doneSentinel {
		return false
	}
	if !gjson.Valid(payload) {
		// Truncated or garbled frame; skip it.
		return false
	}
	// Some upstreams append a usage block to the final frame.
	if prompt, completion, total := ExtractUsage(payload); prompt != nil || completion != nil || total != nil {
		s.promptTokens, s.completionTokens, s.totalTokens = prompt, completion, total
	}
	content := gjson.Get(payload, "choices.0.delta.content").String()
	if content == "" {
		return false
	}
	s.content.WriteString(content)
	return true
}

// Usage returns the token counts reported by the stream, nil when absent.
func (s *StreamState) Usage() (prompt, completion, total *int64) {
	return s.promptTokens, s.completionTokens, s.totalTokens
}

// Finish processes any trailing unterminated frame and seals the state.
func (s *StreamState) Finish() {
	if s.finished {
		return
	}
	if s.pending.Len() > 0 {
		line := strings.TrimRight(s.pending.String(), "\r")
		s.pending.Reset()
		s.extractDelta(line)
	}
	s.finished = true
}

// Content returns the assistant text extracted so far.
func (s *StreamState) Content() string {
	return s.content.String()
}

// RawBody returns every byte seen, decoded as text.
func (s *StreamState) RawBody() string {
	return s.raw.String()
}

// DisplayBody returns the extracted content, falling back to the raw body
// when no content frames were seen.
func (s *StreamState) DisplayBody() string {
	if s.content.Len() > 0 {
		return s.content.String()
	}
	return s.raw.String()
}
