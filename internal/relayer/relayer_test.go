package relayer_test

import (
	"context"
	"encoding/hex"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe/mock"
	"github.com/zmlAEQ/Aequa-fhevm/internal/relayer"
)

var contract = common.HexToAddress("0x40e8Aa088739445BC3a3727A724F56508899f65B")

func newStack(t *testing.T) (*mock.Coprocessor, fhe.Instance, config.Network) {
	t.Helper()
	n := config.Local()
	cp := mock.New(n)
	srv := httptest.NewServer(mock.Handler(cp))
	t.Cleanup(srv.Close)
	n.RelayerURL = srv.URL
	inst, err := relayer.Loader{Sealer: mock.Sealer{}}.Load(context.Background(), n)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cp, inst, n
}

func TestLoader_RequiresSealer(t *testing.T) {
	if _, err := (relayer.Loader{}).Load(context.Background(), config.Local()); err == nil {
		t.Fatalf("expected error without sealer")
	}
}

func TestLoader_UnreachableRelayer(t *testing.T) {
	n := config.Local()
	n.RelayerURL = "http://127.0.0.1:1"
	if _, err := (relayer.Loader{Sealer: mock.Sealer{}}).Load(context.Background(), n); err == nil {
		t.Fatalf("expected bootstrap error")
	}
}

func TestEncryptThenUserDecrypt(t *testing.T) {
	cp, inst, _ := newStack(t)
	key, _ := crypto.GenerateKey()
	user := crypto.PubkeyToAddress(key.PublicKey)

	raw, err := inst.Encrypt(context.Background(), contract, user, []fhe.Value{{Bits: 32, Value: big.NewInt(5000)}})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(raw.Handles) != 1 || len(raw.InputProof) == 0 {
		t.Fatalf("unexpected shape: %+v", raw)
	}
	h := common.BytesToHash(raw.Handles[0])
	if _, _, err := cp.VerifyInput(h, raw.InputProof, contract, user); err != nil {
		t.Fatalf("proof rejected: %v", err)
	}
	cp.Allow(h, user)
	cp.Allow(h, contract)

	kp, err := inst.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	start := time.Now().Unix()
	td, _ := inst.CreateEIP712(kp.PublicKey, []common.Address{contract}, start, 10)
	digest, err := fhe.TypedDataHash(fhe.StripDomainType(td))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, _ := crypto.Sign(digest[:], key)
	sig[64] += 27

	out, err := inst.UserDecrypt(context.Background(), fhe.DecryptRequest{
		Pairs:          []fhe.HandleContractPair{{Handle: h, Contract: contract}},
		Keypair:        kp,
		Signature:      hex.EncodeToString(sig),
		Contracts:      []common.Address{contract},
		User:           user,
		StartTimestamp: start,
		DurationDays:   10,
	})
	if err != nil {
		t.Fatalf("user decrypt: %v", err)
	}
	if out[h].Int64() != 5000 {
		t.Fatalf("plaintext=%v", out[h])
	}
}

func TestUserDecrypt_BackendStatusTyped(t *testing.T) {
	cp, inst, _ := newStack(t)
	cp.FailDecrypt(503)
	kp, _ := inst.GenerateKeypair()
	_, err := inst.UserDecrypt(context.Background(), fhe.DecryptRequest{Keypair: kp, DurationDays: 10})
	if !fault.IsTransient(err) {
		t.Fatalf("want transient backend error, got %v", err)
	}
}

func TestClient_ErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid signature"}`))
	}))
	defer srv.Close()
	_, err := relayer.NewClient(srv.URL, time.Second).KeyURL(context.Background())
	be, ok := err.(*fault.BackendError)
	if !ok || be.Status != 400 || be.Message != "invalid signature" || be.Transient() {
		t.Fatalf("err=%v", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	kp, err := relayer.NewKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	payload, err := relayer.Seal(kp.PublicKey, big.NewInt(1))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	h := common.HexToHash("0x01")
	out, err := relayer.OpenAll(kp, []relayer.SealedPlaintext{{Handle: h.Hex(), Payload: payload}})
	if err != nil || out[h].Int64() != 1 {
		t.Fatalf("open: %v %v", err, out)
	}
	other, _ := relayer.NewKeypair()
	if _, err := relayer.OpenAll(other, []relayer.SealedPlaintext{{Handle: h.Hex(), Payload: payload}}); err == nil {
		t.Fatalf("foreign key opened payload")
	}
}
