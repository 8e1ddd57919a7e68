// Package trace appends request/response records to a JSONL file when
// tracing is enabled in the server config. Disabled tracers are no-ops so
// call sites stay unconditional.
package trace

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tracer writes one JSON object per line. The zero-value (nil file) tracer
// discards everything.
type Tracer struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// New opens the trace file for appending. An empty path disables tracing.
func New(path string, logger *slog.Logger) *Tracer {
	t := &Tracer{logger: logger}
	if path == "" {
		return t
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logger.Warn("tracing disabled, cannot open trace file", "path", path, "error", err)
		return t
	}
	t.file = file
	return t
}

func (t *Tracer) Enabled() bool { return t != nil && t.file != nil }

// NewTraceID returns an identifier correlating a request with its response.
func (t *Tracer) NewTraceID() string { return uuid.NewString() }

type record struct {
	TraceID   string `json:"trace_id"`
	Timestamp string `json:"timestamp"`
	Phase     string `json:"phase"`
	Provider  string `json:"provider,omitempty"`
	Route     string `json:"route,omitempty"`
	Model     string `json:"model,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	Body      any    `json:"body,omitempty"`
}

func (t *Tracer) write(rec record) {
	if !t.Enabled() {
		return
	}
	rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(rec)
	if err != nil {
		t.logger.Debug("trace record marshal failed", "error", err)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		t.logger.Debug("trace write failed", "error", err)
	}
}

// Request records a dispatch attempt.
func (t *Tracer) Request(traceID, provider, route, model string, streaming bool, body any) {
	t.write(record{
		TraceID:   traceID,
		Phase:     "request",
		Provider:  provider,
		Route:     route,
		Model:     model,
		Streaming: streaming,
		Body:      body,
	})
}

// Response records a completed dispatch.
func (t *Tracer) Response(traceID, provider string, latency time.Duration, body any) {
	t.write(record{
		TraceID:   traceID,
		Phase:     "response",
		Provider:  provider,
		LatencyMS: latency.Milliseconds(),
		Body:      body,
	})
}

// Error records a failed attempt.
func (t *Tracer) Error(traceID, provider string, err error) {
	t.write(record{
		TraceID:  traceID,
		Phase:    "error",
		Provider: provider,
		Error:    err.Error(),
	})
}

// Close releases the file handle.
func (t *Tracer) Close() error {
	if !t.Enabled() {
		return nil
	}
	return t.file.Close()
}
