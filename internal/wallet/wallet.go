// Package wallet is the signing and transaction capability of a submitter:
// an address, typed-data signatures and raw transaction submission.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
)

// ErrNoKey is returned by signing operations when no account is available.
var ErrNoKey = errors.New("wallet: no signing key configured")

type Signer interface {
	// SignTypedData returns a 65 byte [R||S||V] signature, V in {27,28},
	// as 0x prefixed hex. The EIP712Domain type may be absent from td.
	SignTypedData(ctx context.Context, td apitypes.TypedData) (string, error)
}

type Provider interface {
	Signer
	Address(ctx context.Context) (common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	SendTransaction(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// ChainClient is the node surface used in service mode. *ethclient.Client
// satisfies it.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SignTypedDataWithKey signs the EIP-712 digest of td with key.
func SignTypedDataWithKey(td apitypes.TypedData, key *ecdsa.PrivateKey) (string, error) {
	if key == nil {
		return "", ErrNoKey
	}
	digest, err := fhe.TypedDataHash(td)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}
