package wallet

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	pkgerrors "github.com/pkg/errors"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
)

// RPCProvider delegates accounts, signing and submission to an external
// JSON-RPC wallet (a browser bridge, a signer daemon or a dev node).
type RPCProvider struct {
	c    *rpc.Client
	clk  clock.Clock
	poll time.Duration

	mu      sync.Mutex
	account common.Address
}

func DialRPC(ctx context.Context, url string) (*RPCProvider, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "dial wallet rpc")
	}
	return NewRPCProvider(c), nil
}

func NewRPCProvider(c *rpc.Client) *RPCProvider {
	return &RPCProvider{c: c, clk: clock.New(), poll: 2 * time.Second}
}

func (p *RPCProvider) Close() { p.c.Close() }

// Address returns the first exposed account, cached after the first success.
func (p *RPCProvider) Address(ctx context.Context) (common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.account != (common.Address{}) {
		return p.account, nil
	}
	var accts []common.Address
	if err := p.c.CallContext(ctx, &accts, "eth_accounts"); err != nil {
		return common.Address{}, pkgerrors.Wrap(err, "eth_accounts")
	}
	if len(accts) == 0 {
		return common.Address{}, ErrNoKey
	}
	p.account = accts[0]
	return p.account, nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := p.c.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, pkgerrors.Wrap(err, "eth_chainId")
	}
	return (*big.Int)(&id), nil
}

func (p *RPCProvider) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if msg.From == (common.Address{}) {
		if a, err := p.Address(ctx); err == nil {
			msg.From = a
		}
	}
	var out hexutil.Bytes
	if err := p.c.CallContext(ctx, &out, "eth_call", callArg(msg), "latest"); err != nil {
		return nil, pkgerrors.Wrap(err, "eth_call")
	}
	return out, nil
}

func (p *RPCProvider) SendTransaction(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	from, err := p.Address(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	var h common.Hash
	arg := map[string]any{"from": from, "to": to, "data": hexutil.Bytes(data)}
	if err := p.c.CallContext(ctx, &h, "eth_sendTransaction", arg); err != nil {
		return common.Hash{}, pkgerrors.Wrap(err, "eth_sendTransaction")
	}
	return h, nil
}

func (p *RPCProvider) WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return waitReceipt(ctx, p.clk, p.poll, func(ctx context.Context) (*types.Receipt, error) {
		var r *types.Receipt
		if err := p.c.CallContext(ctx, &r, "eth_getTransactionReceipt", hash); err != nil {
			return nil, err
		}
		return r, nil
	})
}

// SignTypedData uses eth_signTypedData_v4. The remote signer needs the
// EIP712Domain type, so it is re-derived from the domain before sending.
func (p *RPCProvider) SignTypedData(ctx context.Context, td apitypes.TypedData) (string, error) {
	from, err := p.Address(ctx)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(fhe.WithDomainType(td))
	if err != nil {
		return "", pkgerrors.Wrap(err, "marshal typed data")
	}
	var sig string
	if err := p.c.CallContext(ctx, &sig, "eth_signTypedData_v4", from, string(body)); err != nil {
		return "", pkgerrors.Wrap(err, "eth_signTypedData_v4")
	}
	return sig, nil
}

func callArg(msg ethereum.CallMsg) map[string]any {
	arg := map[string]any{"from": msg.From, "data": hexutil.Bytes(msg.Data)}
	if msg.To != nil {
		arg["to"] = msg.To
	}
	return arg
}

var _ Provider = (*RPCProvider)(nil)
