package input

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
)

func TestNormalize_Shapes(t *testing.T) {
	h1 := bytes.Repeat([]byte{0x11}, 32)
	h2 := bytes.Repeat([]byte{0x22}, 32)
	proof := []byte{0xAA, 0xBB}

	p := Normalize(fhe.RawResult{Handles: [][]byte{h1, h2}, InputProof: proof})
	if p.Shape != ShapeHandles || p.Handle != common.BytesToHash(h1) || !bytes.Equal(p.Proof, proof) || len(p.Handles) != 2 {
		t.Fatalf("handles shape: %+v", p)
	}

	p = Normalize(fhe.RawResult{EncryptedData: h2, Proof: proof})
	if p.Shape != ShapeEncrypted || p.Handle != common.BytesToHash(h2) || !bytes.Equal(p.Proof, proof) {
		t.Fatalf("encrypted shape: %+v", p)
	}

	raw := []byte{0x01, 0x02, 0x03}
	p = Normalize(fhe.RawResult{Raw: raw})
	if p.Shape != ShapeRaw || p.Handle != common.BytesToHash(raw) || !bytes.Equal(p.Proof, raw) {
		t.Fatalf("raw shape: %+v", p)
	}

	// encryptedData without a proof is not the second shape.
	p = Normalize(fhe.RawResult{EncryptedData: h2})
	if p.Shape != ShapeRaw || !bytes.Equal(p.Proof, h2) {
		t.Fatalf("partial encrypted shape: %+v", p)
	}

	// Empty handles list falls through.
	p = Normalize(fhe.RawResult{Handles: [][]byte{}, EncryptedData: h1, Proof: proof})
	if p.Shape != ShapeEncrypted {
		t.Fatalf("empty handles: %+v", p)
	}
}

type recEngine struct {
	calls  int
	values []fhe.Value
	res    fhe.RawResult
	err    error
}

func (r *recEngine) Encrypt(_ context.Context, _, _ common.Address, v []fhe.Value) (fhe.RawResult, error) {
	r.calls++
	r.values = v
	return r.res, r.err
}

func TestBuilder_OrderAndSingleUse(t *testing.T) {
	eng := &recEngine{res: fhe.RawResult{Handles: [][]byte{bytes.Repeat([]byte{1}, 32)}, InputProof: []byte{9}}}
	b := NewBuilder(eng, common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	b.Add8(7).Add32(15000).Add256(big.NewInt(3))
	if b.Len() != 3 {
		t.Fatalf("len=%d", b.Len())
	}
	p, err := b.Encrypt(context.Background())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if p.Shape != ShapeHandles {
		t.Fatalf("shape=%s", p.Shape)
	}
	if len(eng.values) != 3 || eng.values[0].Bits != 8 || eng.values[1].Value.Int64() != 15000 || eng.values[2].Bits != 256 {
		t.Fatalf("values out of order: %+v", eng.values)
	}
	if _, err := b.Encrypt(context.Background()); !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("second encrypt: %v", err)
	}
	if eng.calls != 1 {
		t.Fatalf("engine called %d times", eng.calls)
	}
}

func TestBuilder_InvalidValueSkipsEngine(t *testing.T) {
	eng := &recEngine{}
	b := NewBuilder(eng, common.Address{}, common.Address{})
	b.Add8(300)
	if _, err := b.Encrypt(context.Background()); !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("want InvalidInput, got %v", err)
	}
	if _, err := NewBuilder(eng, common.Address{}, common.Address{}).Add(32, big.NewInt(-5)).Encrypt(context.Background()); !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("negative: %v", err)
	}
	if _, err := NewBuilder(eng, common.Address{}, common.Address{}).Encrypt(context.Background()); !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("empty: %v", err)
	}
	if eng.calls != 0 {
		t.Fatalf("engine called")
	}
}

func TestBuilder_EngineErrorPassesThrough(t *testing.T) {
	boom := errors.New("boom")
	eng := &recEngine{err: boom}
	_, err := NewBuilder(eng, common.Address{}, common.Address{}).Add32(1).Encrypt(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}
