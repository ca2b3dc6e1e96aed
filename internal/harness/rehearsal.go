package harness

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/Aequa-fhevm/internal/engine"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/input"
	"github.com/zmlAEQ/Aequa-fhevm/internal/ledger"
	"github.com/zmlAEQ/Aequa-fhevm/internal/verify"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

// Step is the outcome of one rehearsal stage.
type Step struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Skipped  bool          `json:"skipped,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Err      string        `json:"error,omitempty"`
	Kind     fault.Kind    `json:"kind,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report collects the steps of one run.
type Report struct {
	Steps   []Step      `json:"steps"`
	Verdict *bool       `json:"verdict,omitempty"`
	Capital *big.Int    `json:"capital,omitempty"`
	Config  engine.Info `json:"config"`
}

// Failed reports whether any step failed.
func (r Report) Failed() bool {
	for _, s := range r.Steps {
		if !s.OK && !s.Skipped {
			return true
		}
	}
	return false
}

// Script drives one rehearsal.
type Script struct {
	Stack   *Stack
	Capital *big.Int
	Retry   verify.RetryPolicy
	Clock   clock.Clock
	// SyncWait is slept between the transaction and the first decrypt so that
	// access grants reach the backend.
	SyncWait time.Duration
}

type run struct {
	rep Report
	// reason the remaining steps are skipped
	halted string
}

func (r *run) step(name string, fn func() (string, error)) bool {
	if r.halted != "" {
		r.rep.Steps = append(r.rep.Steps, Step{Name: name, Skipped: true, Detail: r.halted})
		return false
	}
	begin := time.Now()
	detail, err := fn()
	st := Step{Name: name, OK: err == nil, Detail: detail, Duration: time.Since(begin)}
	result := "ok"
	if err != nil {
		st.Err = fault.Message(err)
		st.Kind = fault.KindOf(err)
		result = "error"
		logger.WarnJ("harness_step", map[string]any{"step": name, "result": result, "err": err.Error()})
	} else {
		logger.InfoJ("harness_step", map[string]any{"step": name, "result": result, "detail": detail})
	}
	metrics.Inc("harness_steps_total", map[string]string{"step": name, "result": result})
	r.rep.Steps = append(r.rep.Steps, st)
	return err == nil
}

func (r *run) halt(reason string) { r.halted = reason }

// Run executes the rehearsal in order. A failing step skips the rest; the
// configuration summary is always produced.
func (s *Script) Run(ctx context.Context) Report {
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	if s.Retry.MaxRetries == 0 && s.Retry.Step == 0 {
		s.Retry = verify.DefaultRetry()
	}
	capital := s.Capital
	if capital == nil {
		capital = big.NewInt(15000)
	}
	eng, c := s.Stack.Engine, s.Stack.Contract
	r := &run{}

	if !r.step("initialize", func() (string, error) {
		return s.Stack.Network.Name, eng.Initialize(ctx, s.Stack.Network)
	}) {
		r.halt("initialize failed")
	}

	var user common.Address
	if !r.step("address", func() (string, error) {
		var err error
		user, err = eng.Address(ctx)
		if err == nil && user == engine.NoWallet {
			return "no wallet (read-only session)", nil
		}
		return user.Hex(), err
	}) {
		r.halt("address failed")
	}

	r.step("contract", func() (string, error) {
		return c.Address.Hex(), nil
	})

	var payload input.Payload
	if !r.step("encrypt", func() (string, error) {
		var err error
		payload, err = eng.Encrypt(ctx, c.Address, user, capital, input.DefaultBits)
		return fmt.Sprintf("handle=%s shape=%s proof=%dB", payload.Handle.Hex(), payload.Shape, len(payload.Proof)), err
	}) {
		r.halt("encrypt failed")
	}

	if user == engine.NoWallet && r.halted == "" {
		r.halt("no wallet")
	}
	if !r.step("submit", func() (string, error) {
		rcpt, err := eng.ExecuteEncryptedCall(ctx, c, ledger.MethodSubmitCapital, payload)
		if err != nil {
			return "", err
		}
		evs := c.DecodeEvents(rcpt.Logs)
		return fmt.Sprintf("tx=%s block=%v events=%d", rcpt.TxHash.Hex(), rcpt.BlockNumber, len(evs)), nil
	}) {
		r.halt("submit failed")
	}

	var handle common.Hash
	r.step("read_result", func() (string, error) {
		var err error
		handle, err = eng.ReadHandle(ctx, c, ledger.MethodVerificationResult)
		return handle.Hex(), err
	})

	if r.halted == "" && s.SyncWait > 0 {
		t := s.Clock.Timer(s.SyncWait)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}

	r.step("decrypt_result", func() (string, error) {
		var v *big.Int
		retries, err := s.Retry.Do(ctx, s.Clock, func() error {
			var err error
			v, err = eng.FetchAndDecrypt(ctx, c, ledger.MethodVerificationResult)
			return err
		})
		if err != nil {
			return fmt.Sprintf("retries=%d", retries), err
		}
		verdict := v.Sign() != 0
		r.rep.Verdict = &verdict
		return fmt.Sprintf("verified=%t retries=%d", verdict, retries), nil
	})

	r.step("decrypt_capital", func() (string, error) {
		var v *big.Int
		_, err := s.Retry.Do(ctx, s.Clock, func() error {
			var err error
			v, err = eng.FetchAndDecrypt(ctx, c, ledger.MethodCapital)
			return err
		})
		if err != nil {
			return "", err
		}
		r.rep.Capital = v
		return v.String(), nil
	})

	r.halted = ""
	r.rep.Config = eng.Config()
	r.step("config", func() (string, error) {
		info := r.rep.Config
		return fmt.Sprintf("mode=%s state=%s chain=%d gateway=%d wallet=%t", info.Mode, info.State, info.ChainID, info.GatewayID, info.HasWallet), nil
	})
	return r.rep
}
