package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	pkgerrors "github.com/pkg/errors"

	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
)

// Local signs with an in-process key and submits through a ChainClient.
// The key is optional; without it only read calls work.
type Local struct {
	client ChainClient
	key    *ecdsa.PrivateKey
	clk    clock.Clock
	poll   time.Duration

	mu sync.Mutex // serialises nonce assignment
}

type LocalOption func(*Local)

func WithClock(c clock.Clock) LocalOption { return func(l *Local) { l.clk = c } }
func WithPollInterval(d time.Duration) LocalOption { return func(l *Local) { l.poll = d } }

func NewLocal(client ChainClient, key *ecdsa.PrivateKey, opts ...LocalOption) *Local {
	l := &Local{client: client, key: key, clk: clock.New(), poll: 2 * time.Second}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Local) HasKey() bool { return l.key != nil }

func (l *Local) Address(context.Context) (common.Address, error) {
	if l.key == nil {
		return common.Address{}, ErrNoKey
	}
	return crypto.PubkeyToAddress(l.key.PublicKey), nil
}

func (l *Local) ChainID(ctx context.Context) (*big.Int, error) { return l.client.ChainID(ctx) }

func (l *Local) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if msg.From == (common.Address{}) && l.key != nil {
		msg.From = crypto.PubkeyToAddress(l.key.PublicKey)
	}
	return l.client.CallContract(ctx, msg, nil)
}

func (l *Local) SignTypedData(_ context.Context, td apitypes.TypedData) (string, error) {
	return SignTypedDataWithKey(td, l.key)
}

func (l *Local) SendTransaction(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	if l.key == nil {
		return common.Hash{}, ErrNoKey
	}
	from := crypto.PubkeyToAddress(l.key.PublicKey)
	chainID, err := l.client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, pkgerrors.Wrap(err, "chain id")
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, pkgerrors.Wrap(err, "gas price")
	}
	gas, err := l.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, pkgerrors.Wrap(err, "estimate gas")
	}
	gas += gas / 5

	l.mu.Lock()
	defer l.mu.Unlock()
	nonce, err := l.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, pkgerrors.Wrap(err, "nonce")
	}
	tx := types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Gas: gas, GasPrice: gasPrice, Data: data})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), l.key)
	if err != nil {
		return common.Hash{}, pkgerrors.Wrap(err, "sign tx")
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, pkgerrors.Wrap(err, "send tx")
	}
	logger.InfoJ("wallet_tx", map[string]any{"result": "sent", "hash": signed.Hash().Hex(), "nonce": nonce, "to": to.Hex()})
	return signed.Hash(), nil
}

// WaitReceipt polls until the receipt is available or ctx ends.
func (l *Local) WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return waitReceipt(ctx, l.clk, l.poll, func(ctx context.Context) (*types.Receipt, error) {
		r, err := l.client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return r, err
	})
}

func waitReceipt(ctx context.Context, clk clock.Clock, poll time.Duration, fetch func(context.Context) (*types.Receipt, error)) (*types.Receipt, error) {
	for {
		r, err := fetch(ctx)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "receipt")
		}
		if r != nil {
			return r, nil
		}
		t := clk.Timer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

var _ Provider = (*Local)(nil)
