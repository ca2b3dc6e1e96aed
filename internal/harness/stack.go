// Package harness wires an engine against either the in-process simulated
// network or a live RPC endpoint and relayer, and runs the scripted
// rehearsal of a capital verification.
package harness

import (
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/engine"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe/mock"
	"github.com/zmlAEQ/Aequa-fhevm/internal/keystore"
	"github.com/zmlAEQ/Aequa-fhevm/internal/ledger"
	"github.com/zmlAEQ/Aequa-fhevm/internal/ledger/simledger"
	"github.com/zmlAEQ/Aequa-fhevm/internal/relayer"
	"github.com/zmlAEQ/Aequa-fhevm/internal/wallet"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
)

// Stack is an engine plus the contract handle it operates on.
type Stack struct {
	Engine   *engine.Adapter
	Contract *ledger.Contract
	Network  config.Network

	// Offline only.
	Coprocessor *mock.Coprocessor
	Ledger      *simledger.Ledger

	closers []func()
}

// Options select how a live stack reaches the network.
type Options struct {
	// Key signs in service mode. It may be nil: the engine then reads and
	// encrypts but cannot submit or decrypt.
	Key *ecdsa.PrivateKey
	// Sealer produces input ciphertexts for a live relayer.
	Sealer relayer.Sealer
	// EngineOptions are passed through to the adapter.
	EngineOptions []engine.Option
}

// Close releases network connections.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Build picks the offline or live stack from cfg.
func Build(ctx context.Context, cfg config.Config, o Options) (*Stack, error) {
	if cfg.Network.Offline() {
		return Offline(cfg.Network, common.HexToAddress(cfg.Operation.Contract), o)
	}
	return Live(ctx, cfg, o)
}

// Offline runs against the mock coprocessor and simulated ledger.
func Offline(n config.Network, contract common.Address, o Options) (*Stack, error) {
	cp := mock.New(n)
	l := simledger.New(n.ChainID, contract, cp)
	a := engine.NewService(l, o.Key, mock.Loader(cp), o.EngineOptions...)
	c, err := a.NewContract(contract, ledger.CapitalVerificationABI)
	if err != nil {
		return nil, err
	}
	logger.InfoJ("harness_stack", map[string]any{"mode": "offline", "chain_id": n.ChainID, "contract": contract.Hex()})
	return &Stack{Engine: a, Contract: c, Network: n, Coprocessor: cp, Ledger: l}, nil
}

// Live dials the configured RPC endpoint. Service mode signs with o.Key;
// interactive mode delegates accounts and signing to the endpoint.
func Live(ctx context.Context, cfg config.Config, o Options) (*Stack, error) {
	n := cfg.Network
	loader := relayer.Loader{Sealer: o.Sealer, Client: relayer.NewClient(n.RelayerURL, 0)}
	s := &Stack{Network: n}
	switch cfg.Wallet.Mode {
	case "interactive":
		p, err := wallet.DialRPC(ctx, n.RPCURL)
		if err != nil {
			return nil, errors.Wrap(err, "dial wallet provider")
		}
		s.closers = append(s.closers, p.Close)
		s.Engine = engine.NewInteractive(p, loader, o.EngineOptions...)
	default:
		c, err := ethclient.DialContext(ctx, n.RPCURL)
		if err != nil {
			return nil, errors.Wrap(err, "dial rpc")
		}
		s.closers = append(s.closers, c.Close)
		s.Engine = engine.NewService(c, o.Key, loader, o.EngineOptions...)
	}
	c, err := s.Engine.NewContract(common.HexToAddress(cfg.Operation.Contract), ledger.CapitalVerificationABI)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Contract = c
	logger.InfoJ("harness_stack", map[string]any{"mode": cfg.Wallet.Mode, "chain_id": n.ChainID, "rpc": n.RPCURL, "relayer": n.RelayerURL})
	return s, nil
}

// LoadKey opens the configured service keystore. Without a keystore path it
// returns a nil key and the session runs read-only.
func LoadKey(ctx context.Context, w config.Wallet) (*ecdsa.PrivateKey, error) {
	if w.Mode == "interactive" || w.KeystorePath == "" {
		return nil, nil
	}
	key, err := keystore.FromEnv(w.KeystorePath, w.PassphraseEnv).Load(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "load service key %s", w.KeystorePath)
	}
	return key, nil
}
