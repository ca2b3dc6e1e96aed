package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/harness"
	"github.com/zmlAEQ/Aequa-fhevm/internal/verify"
)

func newService(t *testing.T, opts ...Option) (*Service, *clock.Mock) {
	t.Helper()
	key, _ := crypto.GenerateKey()
	st, err := harness.Offline(config.Local(), common.HexToAddress("0x40e8Aa088739445BC3a3727A724F56508899f65B"), harness.Options{Key: key})
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	clk := clock.NewMock()
	m := verify.New(st.Engine, verify.Config{Network: st.Network, Contract: st.Contract, Clock: clk})
	t.Cleanup(m.Close)
	s := New("127.0.0.1:0", m, append([]Option{WithInfo(st.Engine.Config)}, opts...)...)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, clk
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, rd))
	return rr
}

func record(t *testing.T, h http.Handler) verify.Record {
	t.Helper()
	rr := do(t, h, http.MethodGet, "/v1/verify", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}
	var rec verify.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec
}

func TestAPI_FullFlow(t *testing.T) {
	s, clk := newService(t)
	h := s.Router()

	if rr := do(t, h, http.MethodPost, "/v1/verify/start", ""); rr.Code != http.StatusAccepted || rr.Header().Get("X-Trace-Id") == "" {
		t.Fatalf("start: %d", rr.Code)
	}
	s.Wait()
	if rec := record(t, h); rec.State != verify.Ready {
		t.Fatalf("state=%s", rec.State)
	}

	if rr := do(t, h, http.MethodPost, "/v1/verify/input", `{"capital":"abc"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad input: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/verify/input", `{"capital":15000}`); rr.Code != http.StatusOK {
		t.Fatalf("input: %d %s", rr.Code, rr.Body.String())
	}
	do(t, h, http.MethodPost, "/v1/verify/submit", "")
	s.Wait()
	if rec := record(t, h); rec.State != verify.PendingSync {
		t.Fatalf("state=%s err=%s", rec.State, rec.LastError)
	}
	for i := 0; i < 10; i++ {
		clk.Add(time.Second)
		want := 9 - i
		deadline := time.Now().Add(2 * time.Second)
		for s.m.Snapshot().Countdown != want && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.m.Snapshot().State != verify.DecryptReady && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	do(t, h, http.MethodPost, "/v1/verify/decrypt", "")
	s.Wait()
	rec := record(t, h)
	if rec.State != verify.Completed || rec.Verdict == nil || !*rec.Verdict {
		t.Fatalf("record=%+v", rec)
	}
	if rr := do(t, h, http.MethodPost, "/v1/verify/reset", ""); rr.Code != http.StatusOK {
		t.Fatalf("reset: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/verify/reset", ""); rr.Code != http.StatusConflict {
		t.Fatalf("second reset: %d", rr.Code)
	}
}

func TestAPI_InputBeforeStartConflicts(t *testing.T) {
	s, _ := newService(t)
	if rr := do(t, s.Router(), http.MethodPost, "/v1/verify/input", `{"capital":"15000"}`); rr.Code != http.StatusConflict {
		t.Fatalf("code=%d", rr.Code)
	}
	if rr := do(t, s.Router(), http.MethodPost, "/v1/verify/input", `{`); rr.Code != http.StatusBadRequest {
		t.Fatalf("code=%d", rr.Code)
	}
}

func TestAPI_EngineInfo(t *testing.T) {
	s, _ := newService(t)
	rr := do(t, s.Router(), http.MethodGet, "/v1/engine", "")
	var info map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &info)
	if rr.Code != http.StatusOK || info["mode"] != "service" || info["hasWallet"] != true {
		t.Fatalf("code=%d info=%v", rr.Code, info)
	}
}

func TestAPI_RateLimited(t *testing.T) {
	s, _ := newService(t, WithRateLimit(0.001, 2))
	h := s.Router()
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, h, http.MethodGet, "/v1/verify", "").Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes=%v", codes)
	}
}
