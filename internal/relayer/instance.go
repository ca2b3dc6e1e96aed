package relayer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
)

// Sealer produces the ciphertext-with-input-verification blob for a set of
// values under the network public key. It is the cryptographic half of the
// engine and is supplied by the host.
type Sealer interface {
	Seal(ctx context.Context, key KeyInfo, contract, user common.Address, chainID uint64, values []fhe.Value) ([]byte, error)
}

// Loader bootstraps a relayer backed Instance.
type Loader struct {
	Sealer Sealer
	Client *Client // optional; built from the network relayer URL otherwise
}

func (l Loader) Load(ctx context.Context, n config.Network) (fhe.Instance, error) {
	if l.Sealer == nil {
		return nil, fmt.Errorf("relayer: no input sealer configured")
	}
	c := l.Client
	if c == nil {
		c = NewClient(n.RelayerURL, 0)
	}
	key, err := c.KeyURL(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "relayer: fetch key info")
	}
	return &Instance{client: c, sealer: l.Sealer, key: key, network: n}, nil
}

// Instance is an fhe.Instance served by a relayer.
type Instance struct {
	client  *Client
	sealer  Sealer
	key     KeyInfo
	network config.Network
}

func (i *Instance) Encrypt(ctx context.Context, contract, user common.Address, values []fhe.Value) (fhe.RawResult, error) {
	ct, err := i.sealer.Seal(ctx, i.key, contract, user, i.network.ChainID, values)
	if err != nil {
		return fhe.RawResult{}, errors.Wrap(err, "seal input")
	}
	resp, err := i.client.InputProof(ctx, InputProofRequest{
		ContractAddress: contract.Hex(),
		UserAddress:     user.Hex(),
		Ciphertext:      hex.EncodeToString(ct),
		ContractChainID: i.network.ChainID,
		ExtraData:       "0x00",
	})
	if err != nil {
		return fhe.RawResult{}, err
	}
	out := fhe.RawResult{}
	proof := []byte{byte(len(resp.Handles)), byte(len(resp.Signatures))}
	for _, h := range resp.Handles {
		b, err := fhe.DecodeHex(h)
		if err != nil || len(b) != 32 {
			return fhe.RawResult{}, fmt.Errorf("relayer: bad handle %q", h)
		}
		out.Handles = append(out.Handles, b)
		proof = append(proof, b...)
	}
	for _, s := range resp.Signatures {
		b, err := fhe.DecodeHex(s)
		if err != nil {
			return fhe.RawResult{}, fmt.Errorf("relayer: bad signature %q", s)
		}
		proof = append(proof, b...)
	}
	out.InputProof = proof
	return out, nil
}

// GenerateKeypair returns a fresh curve25519 keypair; plaintexts are sealed
// to its public half.
func (i *Instance) GenerateKeypair() (fhe.Keypair, error) { return NewKeypair() }

func NewKeypair() (fhe.Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return fhe.Keypair{}, err
	}
	return fhe.Keypair{PublicKey: hex.EncodeToString(pub[:]), PrivateKey: hex.EncodeToString(priv[:])}, nil
}

func (i *Instance) CreateEIP712(publicKey string, contracts []common.Address, start int64, days int) (apitypes.TypedData, error) {
	return fhe.UserDecryptTypedData(i.network.GatewayChainID, common.HexToAddress(i.network.VerifyingContractDecryption),
		i.network.ChainID, publicKey, contracts, start, days), nil
}

func (i *Instance) UserDecrypt(ctx context.Context, req fhe.DecryptRequest) (map[common.Hash]*big.Int, error) {
	wire := UserDecryptRequest{
		RequestValidity: RequestValidity{
			StartTimestamp: strconv.FormatInt(req.StartTimestamp, 10),
			DurationDays:   strconv.Itoa(req.DurationDays),
		},
		ContractsChainID: strconv.FormatUint(i.network.ChainID, 10),
		UserAddress:      req.User.Hex(),
		Signature:        fhe.Strip0x(req.Signature),
		PublicKey:        fhe.Strip0x(req.Keypair.PublicKey),
		ExtraData:        "0x00",
	}
	for _, p := range req.Pairs {
		wire.HandleContractPairs = append(wire.HandleContractPairs, HandleContractPair{Handle: p.Handle.Hex(), ContractAddress: p.Contract.Hex()})
	}
	for _, c := range req.Contracts {
		wire.ContractAddresses = append(wire.ContractAddresses, c.Hex())
	}
	sealed, err := i.client.UserDecrypt(ctx, wire)
	if err != nil {
		return nil, err
	}
	return OpenAll(req.Keypair, sealed)
}

// OpenAll unseals every plaintext with the keypair private key.
func OpenAll(kp fhe.Keypair, sealed []SealedPlaintext) (map[common.Hash]*big.Int, error) {
	pub, priv, err := keyArrays(kp)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Hash]*big.Int, len(sealed))
	for _, s := range sealed {
		ct, err := hexutil.Decode(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("relayer: bad payload for %s", s.Handle)
		}
		pt, ok := box.OpenAnonymous(nil, ct, pub, priv)
		if !ok {
			return nil, fmt.Errorf("relayer: cannot open payload for %s", s.Handle)
		}
		out[common.HexToHash(s.Handle)] = new(big.Int).SetBytes(pt)
	}
	return out, nil
}

// Seal encrypts v to the keypair public key (hex, optional 0x).
func Seal(publicKey string, v *big.Int) (string, error) {
	b, err := fhe.DecodeHex(publicKey)
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("relayer: bad public key")
	}
	var pub [32]byte
	copy(pub[:], b)
	ct, err := box.SealAnonymous(nil, common.LeftPadBytes(v.Bytes(), 32), &pub, rand.Reader)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(ct), nil
}

func keyArrays(kp fhe.Keypair) (*[32]byte, *[32]byte, error) {
	pb, err := fhe.DecodeHex(kp.PublicKey)
	if err != nil || len(pb) != 32 {
		return nil, nil, fmt.Errorf("relayer: bad public key")
	}
	sb, err := fhe.DecodeHex(kp.PrivateKey)
	if err != nil || len(sb) != 32 {
		return nil, nil, fmt.Errorf("relayer: bad private key")
	}
	var pub, priv [32]byte
	copy(pub[:], pb)
	copy(priv[:], sb)
	return &pub, &priv, nil
}

var _ fhe.Instance = (*Instance)(nil)
