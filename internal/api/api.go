// Package api exposes the verification operation over HTTP for headless
// deployments.
//
// Reads are synchronous. Verbs that reach the wallet, the ledger or the
// decryption backend (start, submit, decrypt) are accepted with 202 and run
// in the background; progress is observed through GET /v1/verify.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/zmlAEQ/Aequa-fhevm/internal/engine"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/verify"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/lifecycle"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/trace"
)

type Service struct {
	addr    string
	m       *verify.Machine
	info    func() engine.Info
	limiter *rate.Limiter

	srv *http.Server
	ln  net.Listener

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Service)

// WithInfo exposes the engine summary at GET /v1/engine.
func WithInfo(f func() engine.Info) Option { return func(s *Service) { s.info = f } }

// WithRateLimit caps requests per second across all clients. r <= 0
// disables limiting.
func WithRateLimit(r float64, burst int) Option {
	return func(s *Service) {
		if r <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

func New(addr string, m *verify.Machine, opts ...Option) *Service {
	bg, cancel := context.WithCancel(context.Background())
	s := &Service{addr: addr, m: m, bg: bg, cancel: cancel}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Name() string { return "api" }

// Addr is the bound address once started.
func (s *Service) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.traced, s.limited)
	r.Get("/v1/engine", s.handleEngine)
	r.Route("/v1/verify", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Post("/start", s.async("start", s.m.Start))
		r.Post("/input", s.handleInput)
		r.Post("/submit", s.async("submit", s.m.Submit))
		r.Post("/decrypt", s.async("decrypt", s.m.Decrypt))
		r.Post("/reset", s.handleReset)
	})
	return r
}

func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorJ("api", map[string]any{"result": "serve_error", "err": err.Error()})
		}
	}()
	logger.InfoJ("api", map[string]any{"result": "listening", "addr": s.Addr()})
	return nil
}

// Stop shuts the listener down, cancels background verbs and waits for them.
func (s *Service) Stop(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.cancel()
	s.wg.Wait()
	return err
}

// Wait blocks until every background verb has returned.
func (s *Service) Wait() { s.wg.Wait() }

var _ lifecycle.Service = (*Service)(nil)

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Service) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tid := r.Header.Get("X-Trace-Id")
		if tid == "" {
			tid = trace.New()
		}
		w.Header().Set("X-Trace-Id", tid)
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		begin := time.Now()
		next.ServeHTTP(rec, r.WithContext(trace.WithTraceID(r.Context(), tid)))
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.Inc("api_requests_total", map[string]string{"route": route, "code": strconv.Itoa(rec.code)})
		metrics.ObserveSummary("api_latency_ms", map[string]string{"route": route}, float64(time.Since(begin).Milliseconds()))
	})
}

func (s *Service) limited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeErr(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.m.Snapshot())
}

func (s *Service) handleEngine(w http.ResponseWriter, _ *http.Request) {
	if s.info == nil {
		writeErr(w, http.StatusNotFound, "not_found", "engine summary not exposed")
		return
	}
	writeJSON(w, http.StatusOK, s.info())
}

type inputRequest struct {
	Capital json.Number `json:"capital"`
}

func (s *Service) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, string(fault.InvalidInput), "invalid json")
		return
	}
	if err := s.m.SetInput(req.Capital.String()); err != nil {
		writeVerbErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.m.Snapshot())
}

func (s *Service) handleReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.m.Reset(); err != nil {
		writeVerbErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.m.Snapshot())
}

// async runs verb detached from the request. The machine rejects a verb that
// is not allowed in the current state; the outcome lands in the record.
func (s *Service) async(name string, verb func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tid, _ := trace.FromContext(r.Context())
		ctx := trace.WithTraceID(s.bg, tid)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := verb(ctx); err != nil {
				logger.WarnJ("api_verb", map[string]any{"verb": name, "result": "error", "err": err.Error(), "trace_id": tid})
			}
		}()
		rec := s.m.Snapshot()
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": name, "opId": rec.ID, "traceId": tid})
	}
}

func writeVerbErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, verify.ErrInvalidState):
		writeErr(w, http.StatusConflict, "invalid_state", err.Error())
	case fault.Is(err, fault.InvalidInput):
		writeErr(w, http.StatusBadRequest, string(fault.InvalidInput), fault.Message(err))
	default:
		writeErr(w, http.StatusInternalServerError, string(fault.KindOf(err)), fault.Message(err))
	}
}

func writeErr(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]string{"error": kind, "message": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
