// Package notify forwards terminal operation outcomes to external sinks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/verify"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

// Outcome is the payload posted for a finished operation.
type Outcome struct {
	OpID      string       `json:"opId"`
	State     verify.State `json:"state"`
	Verified  *bool        `json:"verified,omitempty"`
	TxHash    string       `json:"txHash,omitempty"`
	Retries   int          `json:"retries"`
	ErrorKind fault.Kind   `json:"errorKind,omitempty"`
	Error     string       `json:"error,omitempty"`
	TraceID   string       `json:"traceId,omitempty"`
	At        time.Time    `json:"at"`
}

// FromRecord builds the outcome of a terminal record. The capital and the raw
// result never leave the process.
func FromRecord(r verify.Record, traceID string) Outcome {
	return Outcome{
		OpID:      r.ID,
		State:     r.State,
		Verified:  r.Verdict,
		TxHash:    r.TxHash,
		Retries:   r.RetryCount,
		ErrorKind: r.ErrorKind,
		Error:     r.LastError,
		TraceID:   traceID,
		At:        r.UpdatedAt,
	}
}

// Sink receives outcomes. Implementations must return quickly and keep
// their errors to themselves.
type Sink interface {
	Publish(ctx context.Context, o Outcome)
}

type Noop struct{}

func (Noop) Publish(context.Context, Outcome) {}

// WebhookSink posts outcomes to URL; best-effort.
type WebhookSink struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func (w WebhookSink) Publish(ctx context.Context, o Outcome) {
	if w.URL == "" {
		return
	}
	payload, err := json.Marshal(o)
	if err != nil {
		w.result("marshal_error", map[string]any{"err": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		w.result("request_error", map[string]any{"err": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if o.TraceID != "" {
		req.Header.Set("X-Trace-Id", o.TraceID)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		w.result("post_error", map[string]any{"err": err.Error(), "op_id": o.OpID})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		w.result("remote_error", map[string]any{"code": resp.StatusCode, "op_id": o.OpID})
		return
	}
	w.result("ok", map[string]any{"code": resp.StatusCode, "op_id": o.OpID})
}

func (w WebhookSink) result(r string, fields map[string]any) {
	fields["result"] = r
	metrics.Inc("notify_webhook_total", map[string]string{"result": r})
	if r == "ok" {
		logger.InfoJ("notify_webhook", fields)
		return
	}
	logger.ErrorJ("notify_webhook", fields)
}

func (w WebhookSink) timeout() time.Duration {
	if w.Timeout > 0 {
		return w.Timeout
	}
	return 500 * time.Millisecond
}
