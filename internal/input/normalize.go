package input

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
)

// Shape records which engine result layout a Payload came from.
type Shape string

const (
	ShapeHandles   Shape = "handles"
	ShapeEncrypted Shape = "encrypted_data"
	// ShapeRaw is the fallback where the raw result stands in for both the
	// handle and the proof. It has not been exercised against a live ledger.
	ShapeRaw Shape = "raw"
)

// Payload is the argument pair for an encrypted contract call.
type Payload struct {
	Handle common.Hash
	Proof  []byte
	Shape  Shape
	// Handles holds every handle of a multi-value input, Handle included.
	Handles []common.Hash
}

// Normalize maps any engine result onto a Payload. Priority: handles with a
// separate proof, then encryptedData with proof, then the raw result.
func Normalize(raw fhe.RawResult) Payload {
	switch {
	case len(raw.Handles) > 0 && len(raw.Handles[0]) > 0:
		p := Payload{Handle: common.BytesToHash(raw.Handles[0]), Proof: raw.InputProof, Shape: ShapeHandles}
		for _, h := range raw.Handles {
			p.Handles = append(p.Handles, common.BytesToHash(h))
		}
		return p
	case len(raw.EncryptedData) > 0 && len(raw.Proof) > 0:
		h := common.BytesToHash(raw.EncryptedData)
		return Payload{Handle: h, Proof: raw.Proof, Shape: ShapeEncrypted, Handles: []common.Hash{h}}
	}
	b := raw.Raw
	if len(b) == 0 {
		b = append(append([]byte(nil), raw.EncryptedData...), raw.Proof...)
	}
	h := common.BytesToHash(b)
	return Payload{Handle: h, Proof: b, Shape: ShapeRaw, Handles: []common.Hash{h}}
}
