// Package relayer talks to the decryption backend over HTTP and exposes it
// as an fhe.Instance.
package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/trace"
)

const maxBody = 4 << 20

// Client is a thin JSON client for the relayer endpoints.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: timeout}}
}

func (c *Client) KeyURL(ctx context.Context) (KeyInfo, error) {
	var out KeyInfo
	err := c.do(ctx, http.MethodGet, PathKeyURL, nil, &out)
	return out, err
}

func (c *Client) InputProof(ctx context.Context, req InputProofRequest) (InputProofResponse, error) {
	var out InputProofResponse
	err := c.do(ctx, http.MethodPost, PathInputProof, req, &out)
	return out, err
}

func (c *Client) UserDecrypt(ctx context.Context, req UserDecryptRequest) ([]SealedPlaintext, error) {
	var out []SealedPlaintext
	err := c.do(ctx, http.MethodPost, PathUserDecrypt, req, &out)
	return out, err
}

// do performs one round trip. Non-2xx replies become *fault.BackendError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	begin := time.Now()
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "relayer: marshal")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "relayer: request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, ok := trace.FromContext(ctx); ok {
		req.Header.Set("X-Trace-Id", id)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		metrics.Inc("relayer_requests_total", map[string]string{"path": path, "code": "transport"})
		logger.ErrorJ("relayer", map[string]any{"path": path, "result": "transport_error", "err": err.Error()})
		return errors.Wrapf(err, "relayer %s", path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	code := strconv.Itoa(resp.StatusCode)
	metrics.Inc("relayer_requests_total", map[string]string{"path": path, "code": code})
	metrics.ObserveSummary("relayer_latency_ms", map[string]string{"path": path}, float64(time.Since(begin).Milliseconds()))
	if err != nil {
		return errors.Wrapf(err, "relayer %s: read body", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		be := &fault.BackendError{Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
		logger.WarnJ("relayer", map[string]any{"path": path, "result": "remote_error", "code": resp.StatusCode, "err": be.Message})
		return be
	}
	env := envelope[json.RawMessage]{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Wrapf(err, "relayer %s: decode envelope", path)
	}
	if out != nil && len(env.Response) > 0 {
		if err := json.Unmarshal(env.Response, out); err != nil {
			return errors.Wrapf(err, "relayer %s: decode response", path)
		}
	}
	return nil
}

func errorMessage(raw []byte, status string) string {
	var env envelope[json.RawMessage]
	if json.Unmarshal(raw, &env) == nil && env.Message != "" {
		return env.Message
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 512 {
		return s
	}
	return status
}
