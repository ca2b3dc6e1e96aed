// Package engine owns the FHE engine for one client session: bootstrap,
// input encryption, encrypted contract calls and authorized decryption.
//
// An Adapter is bound to a wallet transport. In interactive mode the
// transport is an injected provider; in service mode it is a chain client
// plus an optional local key. Without a key the adapter still reads and
// encrypts, and reports NoWallet as its address.
package engine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/zmlAEQ/Aequa-fhevm/internal/authz"
	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
	"github.com/zmlAEQ/Aequa-fhevm/internal/input"
	"github.com/zmlAEQ/Aequa-fhevm/internal/ledger"
	"github.com/zmlAEQ/Aequa-fhevm/internal/wallet"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeService     Mode = "service"
)

// NoWallet is reported by Address when no signing key is configured.
var NoWallet = common.Address{}

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateReady
	stateFailed
)

var stateNames = [...]string{"uninitialized", "initializing", "ready", "failed"}

type Option func(*Adapter)

// WithClock sets the clock used for authorization timestamps.
func WithClock(c clock.Clock) Option { return func(a *Adapter) { a.clk = c } }

// WithValidityDays overrides the decryption grant lifetime.
func WithValidityDays(d int) Option { return func(a *Adapter) { a.days = d } }

type Adapter struct {
	mode     Mode
	provider wallet.Provider
	hasKey   bool
	loader   fhe.Loader
	clk      clock.Clock
	days     int

	state   atomic.Int32
	dropped atomic.Int64

	mu      sync.RWMutex
	inst    fhe.Instance
	network config.Network
}

// NewInteractive binds the adapter to an injected wallet provider.
func NewInteractive(p wallet.Provider, loader fhe.Loader, opts ...Option) *Adapter {
	return newAdapter(ModeInteractive, p, p != nil, loader, opts)
}

// NewService binds the adapter to a chain client. key may be nil.
func NewService(client wallet.ChainClient, key *ecdsa.PrivateKey, loader fhe.Loader, opts ...Option) *Adapter {
	var p wallet.Provider
	if client != nil {
		p = wallet.NewLocal(client, key)
	}
	return newAdapter(ModeService, p, key != nil, loader, opts)
}

func newAdapter(mode Mode, p wallet.Provider, hasKey bool, loader fhe.Loader, opts []Option) *Adapter {
	a := &Adapter{mode: mode, provider: p, hasKey: hasKey, loader: loader, clk: clock.New(), days: authz.ValidityDays}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Initialize bootstraps the engine for network exactly once. Calls made while
// a bootstrap is in flight return nil immediately and are counted as dropped;
// calls after success are no-ops. A failed bootstrap may be retried.
func (a *Adapter) Initialize(ctx context.Context, network config.Network) error {
	const op = "engine.initialize"
	if a.provider == nil {
		metrics.Inc("engine_init_total", map[string]string{"result": "unavailable"})
		return fault.Ef(fault.EngineUnavailable, op, "no wallet transport")
	}
	if a.loader == nil {
		return fault.Ef(fault.EngineUnavailable, op, "no engine loader")
	}
	for {
		s := a.state.Load()
		switch s {
		case stateReady:
			return nil
		case stateInitializing:
			a.dropped.Add(1)
			metrics.Inc("engine_init_total", map[string]string{"result": "dropped"})
			logger.InfoJ("engine_init", map[string]any{"result": "dropped"})
			return nil
		}
		if a.state.CompareAndSwap(s, stateInitializing) {
			break
		}
	}

	begin := time.Now()
	inst, err := a.bootstrap(ctx, network)
	dur := time.Since(begin).Milliseconds()
	metrics.ObserveSummary("engine_init_ms", map[string]string{"mode": string(a.mode)}, float64(dur))
	if err != nil {
		a.state.Store(stateFailed)
		metrics.Inc("engine_init_total", map[string]string{"result": "error"})
		logger.ErrorJ("engine_init", map[string]any{"result": "error", "mode": string(a.mode), "chain_id": network.ChainID, "err": err.Error(), "latency_ms": dur})
		return fault.E(fault.EngineBootstrapFailed, op, err)
	}
	a.mu.Lock()
	a.inst, a.network = inst, network
	a.mu.Unlock()
	a.state.Store(stateReady)
	metrics.Inc("engine_init_total", map[string]string{"result": "ok"})
	logger.InfoJ("engine_init", map[string]any{"result": "ok", "mode": string(a.mode), "chain_id": network.ChainID, "latency_ms": dur})
	return nil
}

func (a *Adapter) bootstrap(ctx context.Context, n config.Network) (fhe.Instance, error) {
	if err := validateNetwork(n); err != nil {
		return nil, err
	}
	id, err := a.provider.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if id.Uint64() != n.ChainID {
		return nil, errors.New("wallet chain " + id.String() + " does not match network chain " + new(big.Int).SetUint64(n.ChainID).String())
	}
	return a.loader.Load(ctx, n)
}

func validateNetwork(n config.Network) error {
	switch {
	case n.ChainID == 0:
		return errors.New("network chain id missing")
	case n.GatewayChainID == 0:
		return errors.New("gateway chain id missing")
	case n.VerifyingContractDecryption == "":
		return errors.New("decryption verifying contract missing")
	case n.RelayerURL == "":
		return errors.New("relayer url missing")
	}
	return nil
}

// Ready reports whether Initialize has completed successfully.
func (a *Adapter) Ready() bool { return a.state.Load() == stateReady }

// State names the bootstrap state.
func (a *Adapter) State() string { return stateNames[a.state.Load()] }

// Dropped counts Initialize calls that arrived while a bootstrap was running.
func (a *Adapter) Dropped() int64 { return a.dropped.Load() }

func (a *Adapter) instance(op string) (fhe.Instance, error) {
	if a.state.Load() != stateReady {
		return nil, fault.Ef(fault.EngineNotInitialized, op, "engine not initialized")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.inst, nil
}

// Address returns the submitter address, or NoWallet when the session has no
// signing key.
func (a *Adapter) Address(ctx context.Context) (common.Address, error) {
	if a.provider == nil {
		return NoWallet, nil
	}
	addr, err := a.provider.Address(ctx)
	if errors.Is(err, wallet.ErrNoKey) {
		return NoWallet, nil
	}
	return addr, err
}

// NewContract builds a contract handle. It performs no network access.
func (a *Adapter) NewContract(address common.Address, abiJSON string) (*ledger.Contract, error) {
	c, err := ledger.NewContract(address, abiJSON)
	if err != nil {
		return nil, fault.E(fault.InvalidInput, "engine.new_contract", err)
	}
	return c, nil
}

// NewInput returns a multi-value input builder for (target, submitter).
func (a *Adapter) NewInput(target, submitter common.Address) (*input.Builder, error) {
	inst, err := a.instance("engine.new_input")
	if err != nil {
		return nil, err
	}
	return input.NewBuilder(inst, target, submitter), nil
}

// Encrypt seals a single value. bits 0 selects the default width.
func (a *Adapter) Encrypt(ctx context.Context, target, submitter common.Address, value *big.Int, bits int) (input.Payload, error) {
	if bits == 0 {
		bits = input.DefaultBits
	}
	b, err := a.NewInput(target, submitter)
	if err != nil {
		return input.Payload{}, err
	}
	return b.Add(bits, value).Encrypt(ctx)
}

// ExecuteEncryptedCall submits method(handle, proof) and waits for the
// receipt. It is never retried.
func (a *Adapter) ExecuteEncryptedCall(ctx context.Context, c *ledger.Contract, method string, p input.Payload) (*types.Receipt, error) {
	const op = "engine.execute"
	if a.provider == nil {
		return nil, fault.Ef(fault.EngineUnavailable, op, "no wallet transport")
	}
	data, err := c.ABI.Pack(method, [32]byte(p.Handle), p.Proof)
	if err != nil {
		return nil, fault.E(fault.InvalidInput, op, err)
	}
	hash, err := a.provider.SendTransaction(ctx, c.Address, data)
	if err != nil {
		metrics.Inc("engine_tx_total", map[string]string{"result": "rejected"})
		logger.ErrorJ("engine_tx", map[string]any{"result": "rejected", "method": method, "err": err.Error()})
		return nil, fault.E(fault.TransactionRejected, op, err)
	}
	r, err := a.provider.WaitReceipt(ctx, hash)
	if err != nil {
		metrics.Inc("engine_tx_total", map[string]string{"result": "unconfirmed"})
		return nil, fault.E(fault.TransactionRejected, op, err)
	}
	if r.Status != types.ReceiptStatusSuccessful {
		metrics.Inc("engine_tx_total", map[string]string{"result": "reverted"})
		logger.ErrorJ("engine_tx", map[string]any{"result": "reverted", "method": method, "hash": hash.Hex()})
		return r, fault.Ef(fault.TransactionReverted, op, "transaction %s reverted", hash.Hex())
	}
	metrics.Inc("engine_tx_total", map[string]string{"result": "ok"})
	logger.InfoJ("engine_tx", map[string]any{"result": "ok", "method": method, "hash": hash.Hex(), "block": r.BlockNumber})
	return r, nil
}

// ReadHandle calls a view method returning an encrypted handle, as the
// submitter.
func (a *Adapter) ReadHandle(ctx context.Context, c *ledger.Contract, method string) (common.Hash, error) {
	if a.provider == nil {
		return common.Hash{}, fault.Ef(fault.EngineUnavailable, "engine.read", "no wallet transport")
	}
	from, err := a.Address(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	return c.ReadHandle(ctx, a.provider, from, method)
}

// HasSubmitted reports whether the submitter has called the contract before.
func (a *Adapter) HasSubmitted(ctx context.Context, c *ledger.Contract) (bool, error) {
	from, err := a.Address(ctx)
	if err != nil {
		return false, err
	}
	return c.HasSubmitted(ctx, a.provider, from)
}

func (a *Adapter) protocol(ctx context.Context, op string) (authz.Protocol, error) {
	inst, err := a.instance(op)
	if err != nil {
		return authz.Protocol{}, err
	}
	user, err := a.Address(ctx)
	if err != nil {
		return authz.Protocol{}, fault.E(fault.DecryptionFailed, op, err)
	}
	if user == NoWallet {
		return authz.Protocol{}, fault.Ef(fault.DecryptionFailed, op, "decryption needs a signing key")
	}
	return authz.Protocol{Engine: inst, Signer: a.provider, User: user, Clock: a.clk, Days: a.days}, nil
}

// Decrypt runs the authorization round trip for handle. A zero handle is
// NoResultAvailable and never reaches the backend.
func (a *Adapter) Decrypt(ctx context.Context, handle common.Hash, contract common.Address) (*big.Int, error) {
	const op = "engine.decrypt"
	if handle == (common.Hash{}) {
		return nil, fault.Ef(fault.NoResultAvailable, op, "no encrypted result for this account yet")
	}
	p, err := a.protocol(ctx, op)
	if err != nil {
		return nil, err
	}
	return p.Decrypt(ctx, handle, contract)
}

// FetchAndDecrypt reads method's handle from c and decrypts it.
func (a *Adapter) FetchAndDecrypt(ctx context.Context, c *ledger.Contract, method string) (*big.Int, error) {
	h, err := a.ReadHandle(ctx, c, method)
	if err != nil {
		return nil, fault.E(fault.DecryptionFailed, "engine.fetch", err)
	}
	return a.Decrypt(ctx, h, c.Address)
}

// Info summarises the adapter configuration.
type Info struct {
	Mode        Mode   `json:"mode"`
	State       string `json:"state"`
	ChainID     uint64 `json:"chainId"`
	GatewayID   uint64 `json:"gatewayChainId"`
	RelayerURL  string `json:"relayerUrl"`
	RPCURL      string `json:"rpcUrl"`
	HasWallet   bool   `json:"hasWallet"`
	HasProvider bool   `json:"hasProvider"`
	Ready       bool   `json:"ready"`
}

func (a *Adapter) Config() Info {
	a.mu.RLock()
	n := a.network
	a.mu.RUnlock()
	return Info{
		Mode:        a.mode,
		State:       a.State(),
		ChainID:     n.ChainID,
		GatewayID:   n.GatewayChainID,
		RelayerURL:  n.RelayerURL,
		RPCURL:      n.RPCURL,
		HasWallet:   a.hasKey,
		HasProvider: a.provider != nil,
		Ready:       a.Ready(),
	}
}
