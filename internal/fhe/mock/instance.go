package mock

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
	"github.com/zmlAEQ/Aequa-fhevm/internal/relayer"
)

// Instance serves fhe.Instance directly from a Coprocessor.
type Instance struct {
	cp *Coprocessor
}

func NewInstance(cp *Coprocessor) *Instance { return &Instance{cp: cp} }

// Loader returns a loader bound to cp. The network must match cp's chain.
func Loader(cp *Coprocessor) fhe.Loader {
	return fhe.LoaderFunc(func(ctx context.Context, n config.Network) (fhe.Instance, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n.ChainID != cp.network.ChainID {
			return nil, fmt.Errorf("mock coprocessor serves chain %d, not %d", cp.network.ChainID, n.ChainID)
		}
		return NewInstance(cp), nil
	})
}

func (i *Instance) Encrypt(_ context.Context, contract, user common.Address, values []fhe.Value) (fhe.RawResult, error) {
	hs, proof, err := i.cp.Encrypt(contract, user, values)
	if err != nil {
		return fhe.RawResult{}, err
	}
	out := fhe.RawResult{InputProof: proof}
	for _, h := range hs {
		out.Handles = append(out.Handles, h.Bytes())
	}
	return out, nil
}

func (i *Instance) GenerateKeypair() (fhe.Keypair, error) { return relayer.NewKeypair() }

func (i *Instance) CreateEIP712(publicKey string, contracts []common.Address, start int64, days int) (apitypes.TypedData, error) {
	n := i.cp.network
	return fhe.UserDecryptTypedData(n.GatewayChainID, common.HexToAddress(n.VerifyingContractDecryption),
		n.ChainID, publicKey, contracts, start, days), nil
}

func (i *Instance) UserDecrypt(_ context.Context, req fhe.DecryptRequest) (map[common.Hash]*big.Int, error) {
	return i.cp.UserDecrypt(req)
}

// Sealer encodes values in the clear for the mock relayer server:
// per value [bits u16][value 32 bytes].
type Sealer struct{}

func (Sealer) Seal(_ context.Context, _ relayer.KeyInfo, _, _ common.Address, _ uint64, values []fhe.Value) ([]byte, error) {
	out := make([]byte, 0, len(values)*34)
	for _, v := range values {
		if err := fhe.CheckValue(v); err != nil {
			return nil, err
		}
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v.Bits))
		out = append(out, b[:]...)
		out = append(out, common.LeftPadBytes(v.Value.Bytes(), 32)...)
	}
	return out, nil
}

func decodeClear(b []byte) ([]fhe.Value, error) {
	if len(b) == 0 || len(b)%34 != 0 {
		return nil, fmt.Errorf("malformed ciphertext")
	}
	var out []fhe.Value
	for off := 0; off < len(b); off += 34 {
		out = append(out, fhe.Value{
			Bits:  int(binary.BigEndian.Uint16(b[off : off+2])),
			Value: new(big.Int).SetBytes(b[off+2 : off+34]),
		})
	}
	return out, nil
}

var (
	_ fhe.Instance   = (*Instance)(nil)
	_ relayer.Sealer = Sealer{}
)
