// Package verify drives one capital verification from engine bootstrap to a
// decrypted verdict.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/input"
	"github.com/zmlAEQ/Aequa-fhevm/internal/ledger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/bus"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/trace"
)

// ErrInvalidState is returned when a verb is not allowed in the current state.
var ErrInvalidState = errors.New("operation not allowed in current state")

// MsgNoResult guides the user after a premature decrypt.
const MsgNoResult = "no verification result yet; permissions may still be syncing, try decrypting again shortly"

// Engine is the engine surface the machine drives. *engine.Adapter
// implements it.
type Engine interface {
	Initialize(ctx context.Context, network config.Network) error
	Address(ctx context.Context) (common.Address, error)
	Encrypt(ctx context.Context, target, submitter common.Address, value *big.Int, bits int) (input.Payload, error)
	ExecuteEncryptedCall(ctx context.Context, c *ledger.Contract, method string, p input.Payload) (*types.Receipt, error)
	FetchAndDecrypt(ctx context.Context, c *ledger.Contract, method string) (*big.Int, error)
}

type Config struct {
	Network  config.Network
	Contract *ledger.Contract
	// Countdown is the permission sync wait in seconds.
	Countdown int
	Retry     RetryPolicy
	Clock     clock.Clock
	Bus       *bus.Bus
}

func defaultConfig(c Config) Config {
	if c.Countdown <= 0 {
		c.Countdown = 10
	}
	if c.Retry.MaxRetries <= 0 && c.Retry.Step <= 0 {
		c.Retry = RetryPolicy{MaxRetries: 3, Step: 10 * time.Second, Sleep: c.Retry.Sleep}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Machine serialises the verbs of one operation. Each verb claims its state
// under the lock before any I/O, so a concurrent second trigger is rejected.
type Machine struct {
	eng Engine
	cfg Config

	mu  sync.Mutex
	rec Record
	seq uint64

	// 倒计时控制
	ctx       context.Context
	cancel    context.CancelFunc
	stopTimer context.CancelFunc
	wg        sync.WaitGroup
}

func New(eng Engine, cfg Config) *Machine {
	cfg = defaultConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{eng: eng, cfg: cfg, ctx: ctx, cancel: cancel}
	m.rec = Record{ID: trace.New(), State: Idle, UpdatedAt: cfg.Clock.Now()}
	return m
}

// Snapshot returns a copy of the current record.
func (m *Machine) Snapshot() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.clone()
}

// Close stops the countdown and waits for it to exit.
func (m *Machine) Close() {
	m.cancel()
	m.wg.Wait()
}

// transition must be called with m.mu held.
func (m *Machine) transition(ctx context.Context, to State) {
	from := m.rec.State
	m.rec.State = to
	m.rec.UpdatedAt = m.cfg.Clock.Now()
	m.seq++
	metrics.Inc("verify_transitions_total", map[string]string{"to": string(to)})
	fields := map[string]any{"op_id": m.rec.ID, "from": string(from), "to": string(to)}
	if id, ok := trace.FromContext(ctx); ok {
		fields["trace_id"] = id
	}
	if m.rec.LastError != "" && to == Failed {
		fields["err"] = m.rec.LastError
		fields["kind"] = string(m.rec.ErrorKind)
		logger.WarnJ("verify_state", fields)
	} else {
		logger.InfoJ("verify_state", fields)
	}
	if m.cfg.Bus == nil {
		return
	}
	tid, _ := trace.FromContext(ctx)
	snap := m.rec.clone()
	m.cfg.Bus.Publish(ctx, bus.Event{Kind: bus.KindTransition, OpID: snap.ID, Seq: m.seq, Body: Transition{From: from, To: to, Record: snap}, TraceID: tid})
	if to.Terminal() {
		m.cfg.Bus.Publish(ctx, bus.Event{Kind: bus.KindOutcome, OpID: snap.ID, Seq: m.seq, Body: snap, TraceID: tid})
	}
}

func (m *Machine) fail(ctx context.Context, kind fault.Kind, err error) {
	m.rec.ErrorKind = kind
	m.rec.LastError = fault.Message(err)
	m.transition(ctx, Failed)
}

func invalid(verb string, s State) error {
	metrics.Inc("verify_rejected_total", map[string]string{"verb": verb})
	return fmt.Errorf("%s: %w (%s)", verb, ErrInvalidState, s)
}

// Start bootstraps the engine. A Start while initializing is dropped; a
// Start after a successful bootstrap is a no-op. Bootstrap failures may be
// retried with another Start.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.rec.State == Idle:
	case m.rec.State == Failed && (m.rec.ErrorKind == fault.EngineBootstrapFailed || m.rec.ErrorKind == fault.EngineUnavailable):
		m.rec.LastError, m.rec.ErrorKind = "", ""
	case m.rec.State == Initializing:
		id := m.rec.ID
		m.mu.Unlock()
		metrics.Inc("verify_rejected_total", map[string]string{"verb": "start"})
		logger.InfoJ("verify_start", map[string]any{"result": "dropped", "op_id": id})
		return nil
	default:
		m.mu.Unlock()
		return nil
	}
	m.transition(ctx, Initializing)
	m.mu.Unlock()

	err := m.eng.Initialize(ctx, m.cfg.Network)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		kind := fault.KindOf(err)
		if kind != fault.EngineUnavailable {
			kind = fault.EngineBootstrapFailed
		}
		m.fail(ctx, kind, err)
		return err
	}
	m.transition(ctx, Ready)
	return nil
}

// ParseCapital accepts a positive base-10 integer that fits the 32-bit
// encrypted input.
func ParseCapital(text string) (*big.Int, error) {
	s := strings.TrimSpace(text)
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || s == "" || strings.HasPrefix(s, "+") {
		return nil, fault.Ef(fault.InvalidInput, "verify.input", "capital %q is not an integer", text)
	}
	if v.Sign() <= 0 {
		return nil, fault.Ef(fault.InvalidInput, "verify.input", "capital must be positive")
	}
	if v.BitLen() > input.DefaultBits {
		return nil, fault.Ef(fault.InvalidInput, "verify.input", "capital exceeds uint%d", input.DefaultBits)
	}
	return v, nil
}

// SetInput records the capital to submit. Invalid text leaves the state
// untouched.
func (m *Machine) SetInput(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rec.State
	if !(s == Ready || s == AwaitingInput || (s == Failed && m.rec.ErrorKind == fault.SubmissionFailed)) {
		return invalid("input", s)
	}
	v, err := ParseCapital(text)
	if err != nil {
		metrics.Inc("verify_input_total", map[string]string{"result": "invalid"})
		return err
	}
	m.rec.Capital = v
	m.rec.LastError, m.rec.ErrorKind, m.rec.Message = "", "", ""
	metrics.Inc("verify_input_total", map[string]string{"result": "ok"})
	if s != AwaitingInput {
		m.transition(context.Background(), AwaitingInput)
	}
	return nil
}

// Submit encrypts the capital and calls submitCapital. On confirmation the
// permission sync countdown starts.
func (m *Machine) Submit(ctx context.Context) error {
	const op = "verify.submit"
	m.mu.Lock()
	s := m.rec.State
	if !(s == AwaitingInput || (s == Failed && m.rec.ErrorKind == fault.SubmissionFailed)) || m.rec.Capital == nil {
		m.mu.Unlock()
		return invalid("submit", s)
	}
	capital := new(big.Int).Set(m.rec.Capital)
	m.rec.LastError, m.rec.ErrorKind = "", ""
	m.transition(ctx, Submitting)
	m.mu.Unlock()

	begin := time.Now()
	r, err := m.submit(ctx, capital)
	metrics.ObserveSummary("verify_submit_ms", nil, float64(time.Since(begin).Milliseconds()))

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.fail(ctx, fault.SubmissionFailed, err)
		return fault.E(fault.SubmissionFailed, op, err)
	}
	m.rec.TxHash = r.TxHash.Hex()
	m.rec.Countdown = m.cfg.Countdown
	m.transition(ctx, PendingSync)
	metrics.SetGauge("verify_countdown_seconds", nil, int64(m.rec.Countdown))
	m.startCountdown(ctx)
	return nil
}

func (m *Machine) submit(ctx context.Context, capital *big.Int) (*types.Receipt, error) {
	user, err := m.eng.Address(ctx)
	if err != nil {
		return nil, err
	}
	p, err := m.eng.Encrypt(ctx, m.cfg.Contract.Address, user, capital, input.DefaultBits)
	if err != nil {
		return nil, err
	}
	return m.eng.ExecuteEncryptedCall(ctx, m.cfg.Contract, ledger.MethodSubmitCapital, p)
}

// startCountdown must be called with m.mu held. The ticker is created before
// returning so that a clock advanced right after Submit is observed.
func (m *Machine) startCountdown(parent context.Context) {
	if m.stopTimer != nil {
		m.stopTimer()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.stopTimer = cancel
	tid, _ := trace.FromContext(parent)
	ticker := m.cfg.Clock.Ticker(time.Second)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		tctx := trace.WithTraceID(context.Background(), tid)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			m.mu.Lock()
			if m.rec.State != PendingSync || ctx.Err() != nil {
				m.mu.Unlock()
				return
			}
			m.rec.Countdown--
			metrics.SetGauge("verify_countdown_seconds", nil, int64(m.rec.Countdown))
			if m.cfg.Bus != nil {
				m.cfg.Bus.Publish(tctx, bus.Event{Kind: bus.KindTick, OpID: m.rec.ID, Body: m.rec.Countdown, TraceID: tid})
			}
			if m.rec.Countdown <= 0 {
				m.rec.Countdown = 0
				m.transition(tctx, DecryptReady)
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
		}
	}()
}

// Decrypt fetches and decrypts the verdict, retrying transient backend
// failures with a bounded, growing delay.
func (m *Machine) Decrypt(ctx context.Context) error {
	const op = "verify.decrypt"
	m.mu.Lock()
	s := m.rec.State
	if !(s == DecryptReady || (s == Failed && m.rec.ErrorKind == fault.DecryptionFailed)) {
		m.mu.Unlock()
		return invalid("decrypt", s)
	}
	m.rec.RetryCount = 0
	m.rec.LastError, m.rec.ErrorKind, m.rec.Message = "", "", ""
	m.transition(ctx, Decrypting)
	m.mu.Unlock()

	policy := m.cfg.Retry
	var lastErr error
	for attempt := 0; ; attempt++ {
		v, err := m.eng.FetchAndDecrypt(ctx, m.cfg.Contract, ledger.MethodVerificationResult)
		if err == nil {
			m.complete(ctx, v)
			return nil
		}
		lastErr = err
		if fault.Is(err, fault.NoResultAvailable) {
			m.mu.Lock()
			m.rec.Message = MsgNoResult
			m.transition(ctx, DecryptReady)
			m.mu.Unlock()
			return err
		}
		if !fault.IsTransient(err) || attempt >= policy.MaxRetries {
			break
		}
		delay := policy.Delay(attempt + 1)
		m.mu.Lock()
		m.rec.RetryCount = attempt + 1
		m.rec.LastError = fault.Message(err)
		m.mu.Unlock()
		metrics.Inc("verify_decrypt_retries_total", nil)
		logger.WarnJ("verify_retry", map[string]any{"attempt": attempt + 1, "delay_ms": delay.Milliseconds(), "err": fault.Message(err)})
		if werr := policy.wait(ctx, m.cfg.Clock, delay); werr != nil {
			lastErr = werr
			break
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail(ctx, fault.DecryptionFailed, lastErr)
	return fault.E(fault.DecryptionFailed, op, lastErr)
}

func (m *Machine) complete(ctx context.Context, v *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	verdict := v.Sign() != 0
	m.rec.Result = new(big.Int).Set(v)
	m.rec.Verdict = &verdict
	m.rec.LastError, m.rec.ErrorKind = "", ""
	metrics.Inc("verify_verdict_total", map[string]string{"verified": fmt.Sprint(verdict)})
	m.transition(ctx, Completed)
}

// Reset returns a finished operation to Ready (or Idle if the engine never
// came up) and clears all per-operation fields.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rec.State
	if !s.Terminal() {
		return invalid("reset", s)
	}
	to := Ready
	if s == Failed && (m.rec.ErrorKind == fault.EngineBootstrapFailed || m.rec.ErrorKind == fault.EngineUnavailable) {
		to = Idle
	}
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	m.rec = Record{ID: trace.New(), State: s}
	metrics.SetGauge("verify_countdown_seconds", nil, 0)
	m.transition(context.Background(), to)
	return nil
}
