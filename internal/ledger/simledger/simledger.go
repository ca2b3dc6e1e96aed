// Package simledger is an in-memory CapitalVerification deployment. It
// implements wallet.ChainClient, so a service-mode wallet can transact with it
// exactly as it would with a node.
package simledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/zmlAEQ/Aequa-fhevm/internal/ledger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

// Coprocessor is the slice of the FHE coprocessor the contract relies on.
type Coprocessor interface {
	VerifyInput(handle common.Hash, proof []byte, contract, user common.Address) (*big.Int, int, error)
	Compute(v *big.Int, bits int) common.Hash
	Allow(handle common.Hash, addr common.Address)
}

type account struct {
	capital   common.Hash
	result    common.Hash
	submitted bool
}

type Ledger struct {
	chainID  *big.Int
	contract common.Address
	cp       Coprocessor
	clk      clock.Clock
	signer   types.Signer

	mu       sync.Mutex
	block    uint64
	nonces   map[common.Address]uint64
	accounts map[common.Address]*account
	receipts map[common.Hash]*types.Receipt
	calls    int
	sends    int
	reject   []error
}

type Option func(*Ledger)

func WithClock(c clock.Clock) Option { return func(l *Ledger) { l.clk = c } }

func New(chainID uint64, contract common.Address, cp Coprocessor, opts ...Option) *Ledger {
	id := new(big.Int).SetUint64(chainID)
	l := &Ledger{
		chainID:  id,
		contract: contract,
		cp:       cp,
		clk:      clock.New(),
		signer:   types.LatestSignerForChainID(id),
		nonces:   map[common.Address]uint64{},
		accounts: map[common.Address]*account{},
		receipts: map[common.Hash]*types.Receipt{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// RejectNext makes the next SendTransaction calls fail with the given errors.
func (l *Ledger) RejectNext(errs ...error) {
	l.mu.Lock()
	l.reject = append(l.reject, errs...)
	l.mu.Unlock()
}

// Calls and Sends count read calls and submitted transactions.
func (l *Ledger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *Ledger) Sends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sends
}

func (l *Ledger) ChainID(context.Context) (*big.Int, error) { return new(big.Int).Set(l.chainID), nil }

func (l *Ledger) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1_000_000_000), nil }

func (l *Ledger) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 250_000, nil }

func (l *Ledger) PendingNonceAt(_ context.Context, a common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[a], nil
}

func (l *Ledger) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (l *Ledger) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if msg.To == nil || *msg.To != l.contract {
		return nil, nil
	}
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("execution reverted: no selector")
	}
	a := ledger.ABI()
	m, err := a.MethodById(msg.Data[:4])
	if err != nil {
		return nil, fmt.Errorf("execution reverted: unknown selector")
	}
	acct := l.accounts[msg.From]
	if acct == nil {
		acct = &account{}
	}
	switch m.Name {
	case ledger.MethodVerificationResult:
		return m.Outputs.Pack([32]byte(acct.result))
	case ledger.MethodCapital:
		return m.Outputs.Pack([32]byte(acct.capital))
	case ledger.MethodHasSubmitted:
		args, err := m.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		user, _ := args[0].(common.Address)
		other := l.accounts[user]
		return m.Outputs.Pack(other != nil && other.submitted)
	}
	return nil, fmt.Errorf("execution reverted: %s is not a view", m.Name)
}

// SendTransaction executes tx immediately and stores its receipt.
func (l *Ledger) SendTransaction(_ context.Context, tx *types.Transaction) error {
	from, err := types.Sender(l.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.reject) > 0 {
		e := l.reject[0]
		l.reject = l.reject[1:]
		return e
	}
	if tx.Nonce() != l.nonces[from] {
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), l.nonces[from])
	}
	l.nonces[from]++
	l.sends++
	l.block++

	r := &types.Receipt{
		Type:              tx.Type(),
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            tx.Hash(),
		GasUsed:           21_000,
		CumulativeGasUsed: 21_000,
		BlockNumber:       new(big.Int).SetUint64(l.block),
		Logs:              []*types.Log{},
	}
	logs, err := l.execute(from, tx)
	if err != nil {
		r.Status = types.ReceiptStatusFailed
		logger.WarnJ("simledger_tx", map[string]any{"result": "reverted", "from": from.Hex(), "err": err.Error()})
		metrics.Inc("simledger_tx_total", map[string]string{"result": "reverted"})
	} else {
		for i, lg := range logs {
			lg.TxHash, lg.BlockNumber, lg.Index = tx.Hash(), l.block, uint(i)
		}
		r.Logs = logs
		metrics.Inc("simledger_tx_total", map[string]string{"result": "ok"})
	}
	l.receipts[tx.Hash()] = r
	return nil
}

func (l *Ledger) execute(from common.Address, tx *types.Transaction) ([]*types.Log, error) {
	if tx.To() == nil || *tx.To() != l.contract {
		return nil, fmt.Errorf("no contract at destination")
	}
	data := tx.Data()
	if len(data) < 4 {
		return nil, fmt.Errorf("no selector")
	}
	a := ledger.ABI()
	m, err := a.MethodById(data[:4])
	if err != nil || m.Name != ledger.MethodSubmitCapital {
		return nil, fmt.Errorf("unsupported call")
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	handle := common.Hash(args[0].([32]byte))
	proof := args[1].([]byte)
	capital, bits, err := l.cp.VerifyInput(handle, proof, l.contract, from)
	if err != nil {
		return nil, err
	}
	verdict := big.NewInt(0)
	if capital.Cmp(big.NewInt(ledger.Threshold)) >= 0 {
		verdict.SetInt64(1)
	}
	capH := l.cp.Compute(capital, bits)
	resH := l.cp.Compute(verdict, 32)
	for _, h := range []common.Hash{capH, resH} {
		l.cp.Allow(h, from)
		l.cp.Allow(h, l.contract)
	}
	l.accounts[from] = &account{capital: capH, result: resH, submitted: true}

	now := big.NewInt(l.clk.Now().Unix())
	return []*types.Log{l.event(ledger.EventCapitalSubmitted, from, now), l.event(ledger.EventVerification, from, now)}, nil
}

func (l *Ledger) event(name string, user common.Address, ts *big.Int) *types.Log {
	ev := ledger.ABI().Events[name]
	data, _ := ev.Inputs.NonIndexed().Pack(ts)
	return &types.Log{
		Address: l.contract,
		Topics:  []common.Hash{ev.ID, common.BytesToHash(user.Bytes())},
		Data:    data,
	}
}
