package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/intercept-sh/openrouter-proxy/internal/capture"
	"github.com/intercept-sh/openrouter-proxy/internal/record"
	"github.com/intercept-sh/openrouter-proxy/internal/usage"
)

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRateLimited
	outcomeUpstreamError
	outcomeTransportError
)

// attemptOutcome classifies one (key, model) upstream attempt. The orchestrator
// matches on kind to decide continue-vs-surface; status and detail carry what
// the caller sees if this attempt turns out to be the last one.
type attemptOutcome struct {
	kind   outcomeKind
	status int
	detail string
}

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeRateLimited:
		return "rate_limited"
	case outcomeUpstreamError:
		return "upstream_error"
	default:
		return "transport_error"
	}
}

// ChatCompletions is the proxy's hot path. It picks the next key (round
// robin), then tries models sequentially starting from the sticky model
// cursor: 200 is terminal, anything else falls through to the next model.
// Only when every model has failed does the model cursor advance, so the next
// request starts somewhere new.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(body) {
		respondDetail(c, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}
	streaming := gjson.GetBytes(body, "stream").Bool()

	keyIndex, err := h.state.NextKeyIndex()
	if err != nil {
		respondDetail(c, http.StatusServiceUnavailable, "No API keys configured")
		return
	}
	startModel, err := h.state.PeekModelIndex()
	if err != nil {
		respondDetail(c, http.StatusServiceUnavailable, "No models configured")
		return
	}

	reqRecord := record.RequestRecord{
		Timestamp: time.Now(),
		Method:    c.Request.Method,
		URL:       c.Request.URL.String(),
		Headers:   record.HeaderMap(c.Request.Header),
		Body:      string(body),
	}

	modelCount := h.state.ModelCount()
	lastStatus := http.StatusServiceUnavailable
	lastDetail := "All configured models failed"
	lastModel := ""

	for i := 0; i < modelCount; i++ {
		model := h.cfg.Models[(startModel+i)%modelCount]
		lastModel = model

		attemptBody, serr := sjson.SetBytes(body, "model", model)
		if serr != nil {
			respondDetail(c, http.StatusInternalServerError, "Failed to prepare upstream request")
			return
		}
		headers := h.outboundHeaders(h.cfg.APIKeys[keyIndex])

		started := time.Now()
		var outcome attemptOutcome
		if streaming {
			outcome = h.attemptStreaming(c, attemptBody, headers, model, reqRecord)
		} else {
			outcome = h.attemptBuffered(c, attemptBody, headers, model, reqRecord)
		}
		h.metrics.RecordAttempt(model, outcome.kind.String(), time.Since(started).Seconds())

		if outcome.kind == outcomeSuccess {
			h.metrics.RecordRequest(model, "success")
			return
		}
		log.WithFields(log.Fields{
			"model":     model,
			"key_index": keyIndex,
			"status":    outcome.status,
			"outcome":   outcome.kind.String(),
		}).Warn("upstream attempt failed")
		lastStatus, lastDetail = outcome.status, outcome.detail
	}

	// Every model failed: rotate the starting model for the next request and
	// surface the final attempt's error.
	h.state.AdvanceModelIndex()
	h.metrics.RecordRequest(lastModel, "failed")
	h.accountUsage(lastModel, usage.Row{Requests: 1, FailedRequests: 1})

	if h.cfg.RequestLoggingEnabled() {
		latency := time.Since(reqRecord.Timestamp).Seconds() * 1000.0
		h.sink.Record(record.NewExchange(reqRecord, record.ResponseRecord{
			StatusCode: lastStatus,
			StatusText: http.StatusText(lastStatus),
			Headers:    map[string]string{},
			Body:       lastDetail,
			RawBody:    lastDetail,
			LatencyMS:  &latency,
		}))
	}
	respondDetail(c, lastStatus, lastDetail)
}

func (h *Handler) attemptBuffered(c *gin.Context, body []byte, headers map[string]string, model string, reqRecord record.RequestRecord) attemptOutcome {
	resp, err := h.client.PostBuffered(c.Request.Context(), "/chat/completions", body, headers)
	if err != nil {
		log.Errorf("upstream call failed for model %s: %v", model, err)
		return attemptOutcome{kind: outcomeTransportError, status: http.StatusServiceUnavailable, detail: "Failed to reach upstream"}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return attemptOutcome{kind: outcomeRateLimited, status: resp.StatusCode, detail: upstreamDetail(resp.Body, "Rate limited by upstream")}
	}
	if resp.StatusCode != http.StatusOK {
		return attemptOutcome{kind: outcomeUpstreamError, status: resp.StatusCode, detail: upstreamDetail(resp.Body, http.StatusText(resp.StatusCode))}
	}

	respRecord := capture.BuildBufferedRecord(resp.StatusCode, resp.StatusText, resp.Headers, resp.Body, reqRecord.Timestamp)
	prompt, completion, total := respRecord.PromptTokens, respRecord.CompletionTokens, respRecord.TotalTokens
	estimated := false
	if total == nil {
		prompt, completion, total = estimateUsage(reqRecord.Body, respRecord.Body)
		respRecord.PromptTokens, respRecord.CompletionTokens, respRecord.TotalTokens = prompt, completion, total
		estimated = true
	}

	if h.cfg.RequestLoggingEnabled() {
		h.sink.Record(record.NewExchange(reqRecord, respRecord))
	}
	h.recordUsage(model, prompt, completion, total, estimated)

	copyHeader(c, resp.Headers, "Content-Encoding")
	contentType := resp.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(http.StatusOK, contentType, resp.Body)
	return attemptOutcome{kind: outcomeSuccess, status: http.StatusOK}
}

func (h *Handler) attemptStreaming(c *gin.Context, body []byte, headers map[string]string, model string, reqRecord record.RequestRecord) attemptOutcome {
	stream, err := h.client.PostStreaming(c.Request.Context(), "/chat/completions", body, headers)
	if err != nil {
		log.Errorf("upstream call failed for model %s: %v", model, err)
		return attemptOutcome{kind: outcomeTransportError, status: http.StatusServiceUnavailable, detail: "Failed to reach upstream"}
	}
	if stream.StatusCode == http.StatusTooManyRequests {
		return attemptOutcome{kind: outcomeRateLimited, status: stream.StatusCode, detail: upstreamDetail(stream.Read(64<<10), "Rate limited by upstream")}
	}
	if stream.StatusCode != http.StatusOK {
		return attemptOutcome{kind: outcomeUpstreamError, status: stream.StatusCode, detail: upstreamDetail(stream.Read(64<<10), http.StatusText(stream.StatusCode))}
	}
	defer func() { _ = stream.Body.Close() }()

	logging := h.cfg.RequestLoggingEnabled()
	ex := record.NewExchange(reqRecord, record.ResponseRecord{
		StatusCode:  stream.StatusCode,
		StatusText:  stream.StatusText,
		Headers:     record.HeaderMap(stream.Headers),
		IsStreaming: true,
	})
	// Record before the body drains so observers see the exchange appear the
	// moment the upstream commits to streaming.
	if logging {
		h.sink.Record(ex)
	}

	contentType := stream.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	c.Header("Content-Type", contentType)
	copyHeader(c, stream.Headers, "Content-Encoding")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	state := capture.NewStreamState()
	buf := make([]byte, 4096)
	for {
		n, readErr := stream.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				log.Debugf("client disconnected mid-stream: %v", writeErr)
				break
			}
			c.Writer.Flush()
			if state.Feed(buf[:n]) && logging {
				ex.SetStreamingProgress(state.Content())
				h.sink.RecordStreamingUpdate(ex)
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.Warnf("upstream stream for model %s ended with error: %v", model, readErr)
			}
			break
		}
	}

	state.Finish()
	ex.CompleteStreaming(state.RawBody(), state.DisplayBody(), time.Now())

	prompt, completion, total := state.Usage()
	estimated := false
	if total == nil {
		prompt, completion, total = estimateUsage(reqRecord.Body, state.Content())
		estimated = true
	}
	ex.SetTokenCounts(prompt, completion, total)
	if logging {
		h.sink.RecordStreamingUpdate(ex)
	}
	h.recordUsage(model, prompt, completion, total, estimated)

	// The 200 header committed the attempt; stream errors past that point are
	// the client's to observe, not grounds for a fallback.
	return attemptOutcome{kind: outcomeSuccess, status: http.StatusOK}
}

func (h *Handler) recordUsage(model string, prompt, completion, total *int64, estimated bool) {
	row := usage.Row{Requests: 1}
	if prompt != nil {
		row.PromptTokens = *prompt
	}
	if completion != nil {
		row.CompletionTokens = *completion
	}
	if total != nil {
		row.TotalTokens = *total
	}
	if estimated {
		row.EstimatedRequests = 1
	}
	h.metrics.RecordTokens(model, row.PromptTokens, row.CompletionTokens)
	h.accountUsage(model, row)
}

// estimateUsage approximates token counts locally when the upstream response
// carried no usage block. The prompt estimate tokenizes the full request JSON,
// which overcounts slightly; close enough for trend accounting.
func estimateUsage(requestBody, responseText string) (prompt, completion, total *int64) {
	p := capture.EstimateTokens(requestBody)
	c := capture.EstimateTokens(responseText)
	t := p + c
	return &p, &c, &t
}

// upstreamDetail extracts a human-readable error out of an upstream body,
// preferring the OpenAI-style error.message field.
func upstreamDetail(body []byte, fallback string) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fallback
	}
	if gjson.ValidBytes(body) {
		if msg := gjson.GetBytes(body, "error.message"); msg.Exists() && msg.String() != "" {
			return msg.String()
		}
		if msg := gjson.GetBytes(body, "detail"); msg.Exists() && msg.String() != "" {
			return msg.String()
		}
	}
	if len(text) > 300 {
		text = text[:300]
	}
	return text
}
