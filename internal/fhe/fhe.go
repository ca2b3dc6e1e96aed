// Package fhe defines the opaque encryption engine capability. The engine
// seals plaintext inputs for a target contract and performs authorized user
// decryption; everything cryptographic stays behind Instance.
package fhe

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
)

// ErrNotEnabled is returned by the zero Instance.
var ErrNotEnabled = errors.New("fhe engine not enabled")

// Value is one plaintext input slot.
type Value struct {
	Bits  int
	Value *big.Int
}

// RawResult is what an engine returns from Encrypt. Engines populate one of
// three shapes: Handles+InputProof, EncryptedData+Proof, or only Raw.
type RawResult struct {
	Handles       [][]byte
	InputProof    []byte
	EncryptedData []byte
	Proof         []byte
	Raw           []byte
}

// Keypair is an ephemeral hex encoded (no 0x) decryption keypair.
type Keypair struct {
	PublicKey  string
	PrivateKey string
}

type HandleContractPair struct {
	Handle   common.Hash
	Contract common.Address
}

// DecryptRequest carries a signed user decryption authorization.
type DecryptRequest struct {
	Pairs          []HandleContractPair
	Keypair        Keypair
	Signature      string // hex, no 0x
	Contracts      []common.Address
	User           common.Address
	StartTimestamp int64
	DurationDays   int
}

// Instance is a bootstrapped engine bound to one network.
type Instance interface {
	Encrypt(ctx context.Context, contract, user common.Address, values []Value) (RawResult, error)
	GenerateKeypair() (Keypair, error)
	CreateEIP712(publicKey string, contracts []common.Address, start int64, days int) (apitypes.TypedData, error)
	UserDecrypt(ctx context.Context, req DecryptRequest) (map[common.Hash]*big.Int, error)
}

// Loader bootstraps an Instance for a network.
type Loader interface {
	Load(ctx context.Context, network config.Network) (Instance, error)
}

type LoaderFunc func(ctx context.Context, network config.Network) (Instance, error)

func (f LoaderFunc) Load(ctx context.Context, n config.Network) (Instance, error) { return f(ctx, n) }

var widths = map[int]byte{8: 2, 16: 3, 32: 4, 64: 5, 128: 6, 256: 8}

// ValidBits reports whether bits is a supported encrypted integer width.
func ValidBits(bits int) bool { _, ok := widths[bits]; return ok }

// TypeByte returns the handle type tag for an integer width.
func TypeByte(bits int) byte { return widths[bits] }

// CheckValue validates v against bits.
func CheckValue(v Value) error {
	if !ValidBits(v.Bits) {
		return fmt.Errorf("unsupported bit width %d", v.Bits)
	}
	if v.Value == nil || v.Value.Sign() < 0 {
		return fmt.Errorf("value must be non-negative")
	}
	if v.Value.BitLen() > v.Bits {
		return fmt.Errorf("value %s overflows uint%d", v.Value, v.Bits)
	}
	return nil
}
