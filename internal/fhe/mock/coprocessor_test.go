package mock

import (
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
)

var (
	contract = common.HexToAddress("0x40e8Aa088739445BC3a3727A724F56508899f65B")
)

func signRequest(t *testing.T, cp *Coprocessor, key *ecdsa.PrivateKey, req *fhe.DecryptRequest) {
	t.Helper()
	inst := NewInstance(cp)
	td, _ := inst.CreateEIP712(req.Keypair.PublicKey, req.Contracts, req.StartTimestamp, req.DurationDays)
	h, err := fhe.TypedDataHash(fhe.StripDomainType(td))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig, err := crypto.Sign(h[:], key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	req.Signature = hex.EncodeToString(sig)
}

func setup(t *testing.T) (*Coprocessor, *clock.Mock, *ecdsa.PrivateKey, common.Hash) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	cp := New(config.Local(), WithClock(clk))
	key, _ := crypto.GenerateKey()
	user := crypto.PubkeyToAddress(key.PublicKey)
	hs, proof, err := cp.Encrypt(contract, user, []fhe.Value{{Bits: 32, Value: big.NewInt(15000)}})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if v, bits, err := cp.VerifyInput(hs[0], proof, contract, user); err != nil || v.Int64() != 15000 || bits != 32 {
		t.Fatalf("verify input: %v %v %d", err, v, bits)
	}
	if _, _, err := cp.VerifyInput(hs[0], proof, contract, common.HexToAddress("0x01")); err == nil {
		t.Fatalf("proof must bind the user")
	}
	cp.Allow(hs[0], user)
	cp.Allow(hs[0], contract)
	return cp, clk, key, hs[0]
}

func request(key *ecdsa.PrivateKey, h common.Hash, start int64) fhe.DecryptRequest {
	kp, _ := NewInstance(nil).GenerateKeypair()
	return fhe.DecryptRequest{
		Pairs:          []fhe.HandleContractPair{{Handle: h, Contract: contract}},
		Keypair:        kp,
		Contracts:      []common.Address{contract},
		User:           crypto.PubkeyToAddress(key.PublicKey),
		StartTimestamp: start,
		DurationDays:   10,
	}
}

func TestHandleLayout(t *testing.T) {
	cp, _, _, h := setup(t)
	if h[30] != fhe.TypeByte(32) || h[31] != 0 {
		t.Fatalf("type/version bytes: %x", h[30:])
	}
	if new(big.Int).SetBytes(h[22:30]).Uint64() != cp.network.ChainID {
		t.Fatalf("chain id not embedded: %x", h)
	}
}

func TestUserDecrypt_Authorized(t *testing.T) {
	cp, clk, key, h := setup(t)
	req := request(key, h, clk.Now().Unix())
	signRequest(t, cp, key, &req)
	out, err := cp.UserDecrypt(req)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if out[h].Int64() != 15000 {
		t.Fatalf("plaintext=%v", out[h])
	}
}

func TestUserDecrypt_Denied(t *testing.T) {
	cp, clk, key, h := setup(t)

	other, _ := crypto.GenerateKey()
	req := request(key, h, clk.Now().Unix())
	signRequest(t, cp, other, &req)
	if _, err := cp.UserDecrypt(req); err == nil {
		t.Fatalf("foreign signature accepted")
	}

	req = request(key, h, clk.Now().Unix())
	signRequest(t, cp, key, &req)
	clk.Add(11 * 24 * time.Hour)
	if _, err := cp.UserDecrypt(req); err == nil {
		t.Fatalf("expired authorization accepted")
	}

	stranger, _ := crypto.GenerateKey()
	req = request(stranger, h, clk.Now().Unix())
	signRequest(t, cp, stranger, &req)
	_, err := cp.UserDecrypt(req)
	var be *fault.BackendError
	if !asBackend(err, &be) || be.Status != 403 {
		t.Fatalf("acl: %v", err)
	}
}

func TestFailDecrypt_Injected(t *testing.T) {
	cp, clk, key, h := setup(t)
	cp.FailDecrypt(503)
	req := request(key, h, clk.Now().Unix())
	signRequest(t, cp, key, &req)
	if _, err := cp.UserDecrypt(req); !fault.IsTransient(err) {
		t.Fatalf("want transient, got %v", err)
	}
	if _, err := cp.UserDecrypt(req); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if cp.DecryptCalls() != 2 {
		t.Fatalf("calls=%d", cp.DecryptCalls())
	}
}

func asBackend(err error, be **fault.BackendError) bool {
	e, ok := err.(*fault.BackendError)
	*be = e
	return ok
}
