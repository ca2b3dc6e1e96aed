package verify

import (
	"math/big"
	"time"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
)

// State 表示一次资本验证操作所处的阶段。
type State string

const (
	Idle          State = "idle"
	Initializing  State = "initializing"
	Ready         State = "ready"
	AwaitingInput State = "awaiting_input"
	Submitting    State = "submitting"
	PendingSync   State = "pending_sync"
	DecryptReady  State = "decrypt_ready"
	Decrypting    State = "decrypting"
	Completed     State = "completed"
	Failed        State = "failed"
)

// Terminal reports whether s ends an operation.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// Record is a snapshot of one operation.
type Record struct {
	ID         string     `json:"id"`
	State      State      `json:"state"`
	Capital    *big.Int   `json:"capital,omitempty"`
	Countdown  int        `json:"countdown"`
	LastError  string     `json:"lastError,omitempty"`
	ErrorKind  fault.Kind `json:"errorKind,omitempty"`
	Message    string     `json:"message,omitempty"`
	RetryCount int        `json:"retryCount"`
	Result     *big.Int   `json:"result,omitempty"`
	Verdict    *bool      `json:"verdict,omitempty"`
	TxHash     string     `json:"txHash,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (r Record) clone() Record {
	out := r
	if r.Capital != nil {
		out.Capital = new(big.Int).Set(r.Capital)
	}
	if r.Result != nil {
		out.Result = new(big.Int).Set(r.Result)
	}
	if r.Verdict != nil {
		v := *r.Verdict
		out.Verdict = &v
	}
	return out
}

// Transition is the bus payload for a state change.
type Transition struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Record Record `json:"record"`
}
