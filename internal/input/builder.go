// Package input accumulates plaintext values for one encrypted contract call
// and turns the engine result into a call payload.
package input

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

// DefaultBits is the width used when callers do not choose one.
const DefaultBits = 32

// Encryptor is the slice of fhe.Instance the builder needs.
type Encryptor interface {
	Encrypt(ctx context.Context, contract, user common.Address, values []fhe.Value) (fhe.RawResult, error)
}

// Builder is bound to one (contract, user) pair and is single use.
type Builder struct {
	eng      Encryptor
	contract common.Address
	user     common.Address

	mu       sync.Mutex
	pending  []fhe.Value
	consumed bool
	err      error
}

func NewBuilder(eng Encryptor, contract, user common.Address) *Builder {
	return &Builder{eng: eng, contract: contract, user: user}
}

func (b *Builder) Add8(v uint64) *Builder { return b.Add(8, new(big.Int).SetUint64(v)) }
func (b *Builder) Add16(v uint64) *Builder { return b.Add(16, new(big.Int).SetUint64(v)) }
func (b *Builder) Add32(v uint64) *Builder { return b.Add(32, new(big.Int).SetUint64(v)) }
func (b *Builder) Add64(v uint64) *Builder { return b.Add(64, new(big.Int).SetUint64(v)) }
func (b *Builder) Add128(v *big.Int) *Builder { return b.Add(128, v) }
func (b *Builder) Add256(v *big.Int) *Builder { return b.Add(256, v) }

// Add appends v with the given width. The first invalid value is remembered
// and reported by Encrypt.
func (b *Builder) Add(bits int, v *big.Int) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b
	}
	val := fhe.Value{Bits: bits, Value: v}
	if err := fhe.CheckValue(val); err != nil {
		b.err = fault.E(fault.InvalidInput, "input.add", err)
		return b
	}
	b.pending = append(b.pending, fhe.Value{Bits: bits, Value: new(big.Int).Set(v)})
	return b
}

// Len returns the number of pending values.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Encrypt seals the pending values in call order. It consumes the builder.
func (b *Builder) Encrypt(ctx context.Context) (Payload, error) {
	b.mu.Lock()
	if b.consumed {
		b.mu.Unlock()
		return Payload{}, fault.Ef(fault.InvalidInput, "input.encrypt", "input already encrypted")
	}
	b.consumed = true
	values, err := b.pending, b.err
	b.mu.Unlock()

	if err != nil {
		return Payload{}, err
	}
	if len(values) == 0 {
		return Payload{}, fault.Ef(fault.InvalidInput, "input.encrypt", "no values added")
	}
	raw, err := b.eng.Encrypt(ctx, b.contract, b.user, values)
	if err != nil {
		metrics.Inc("input_encrypt_total", map[string]string{"result": "error"})
		return Payload{}, err
	}
	p := Normalize(raw)
	metrics.Inc("input_encrypt_total", map[string]string{"result": "ok"})
	if p.Shape == ShapeRaw {
		logger.WarnJ("input_normalize", map[string]any{"shape": string(p.Shape), "contract": b.contract.Hex()})
	}
	return p, nil
}
