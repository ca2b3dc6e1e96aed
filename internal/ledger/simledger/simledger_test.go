package simledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe/mock"
	"github.com/zmlAEQ/Aequa-fhevm/internal/ledger"
	"github.com/zmlAEQ/Aequa-fhevm/internal/wallet"
)

var contractAddr = common.HexToAddress("0x40e8Aa088739445BC3a3727A724F56508899f65B")

func submit(t *testing.T, l *Ledger, cp *mock.Coprocessor, w *wallet.Local, value int64) *types.Receipt {
	t.Helper()
	ctx := context.Background()
	user, _ := w.Address(ctx)
	hs, proof, err := cp.Encrypt(contractAddr, user, []fhe.Value{{Bits: 32, Value: big.NewInt(value)}})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	c, _ := ledger.NewContract(contractAddr, ledger.CapitalVerificationABI)
	data, err := c.ABI.Pack(ledger.MethodSubmitCapital, [32]byte(hs[0]), proof)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	h, err := w.SendTransaction(ctx, contractAddr, data)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	r, err := w.WaitReceipt(ctx, h)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	return r
}

func newEnv(t *testing.T) (*Ledger, *mock.Coprocessor, *wallet.Local) {
	n := config.Local()
	cp := mock.New(n)
	l := New(n.ChainID, contractAddr, cp)
	key, _ := crypto.GenerateKey()
	return l, cp, wallet.NewLocal(l, key)
}

func TestSubmitCapital_Verdicts(t *testing.T) {
	for _, tc := range []struct {
		capital int64
		want    int64
	}{{15000, 1}, {5000, 0}, {10000, 1}, {9999, 0}} {
		l, cp, w := newEnv(t)
		r := submit(t, l, cp, w, tc.capital)
		if r.Status != types.ReceiptStatusSuccessful {
			t.Fatalf("capital %d: reverted", tc.capital)
		}
		c, _ := ledger.NewContract(contractAddr, ledger.CapitalVerificationABI)
		evs := c.DecodeEvents(r.Logs)
		if len(evs) != 2 || evs[0].Name != ledger.EventCapitalSubmitted || evs[1].Name != ledger.EventVerification {
			t.Fatalf("events=%+v", evs)
		}
		user, _ := w.Address(context.Background())
		resH, err := c.ReadHandle(context.Background(), w, user, ledger.MethodVerificationResult)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		capH, _ := c.ReadHandle(context.Background(), w, user, ledger.MethodCapital)
		if !cp.IsAllowed(resH, user) || !cp.IsAllowed(resH, contractAddr) || !cp.IsAllowed(capH, user) {
			t.Fatalf("acl not granted")
		}
		ok, _ := c.HasSubmitted(context.Background(), w, user)
		if !ok {
			t.Fatalf("hasSubmitted false")
		}
		if v, ok := cp.Peek(resH); !ok || v.Int64() != tc.want {
			t.Fatalf("capital %d: verdict %v want %d", tc.capital, v, tc.want)
		}
		if v, _ := cp.Peek(capH); v.Int64() != tc.capital {
			t.Fatalf("capital handle holds %v", v)
		}
	}
}

func TestReadBeforeSubmit_ZeroHandle(t *testing.T) {
	l, _, w := newEnv(t)
	c, _ := ledger.NewContract(contractAddr, ledger.CapitalVerificationABI)
	h, err := c.ReadHandle(context.Background(), w, common.Address{}, ledger.MethodVerificationResult)
	if err != nil || h != (common.Hash{}) {
		t.Fatalf("want zero handle, got %s %v", h, err)
	}
	if l.Calls() != 1 {
		t.Fatalf("calls=%d", l.Calls())
	}
}

func TestBadProof_Reverts(t *testing.T) {
	l, cp, w := newEnv(t)
	ctx := context.Background()
	stranger := common.HexToAddress("0x0b")
	hs, proof, _ := cp.Encrypt(contractAddr, stranger, []fhe.Value{{Bits: 32, Value: big.NewInt(1)}})
	c, _ := ledger.NewContract(contractAddr, ledger.CapitalVerificationABI)
	data, _ := c.ABI.Pack(ledger.MethodSubmitCapital, [32]byte(hs[0]), proof)
	h, err := w.SendTransaction(ctx, contractAddr, data)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	r, _ := w.WaitReceipt(ctx, h)
	if r.Status != types.ReceiptStatusFailed {
		t.Fatalf("proof for another user must revert")
	}
	if l.Sends() != 1 {
		t.Fatalf("sends=%d", l.Sends())
	}
}

func TestRejectNext(t *testing.T) {
	l, _, w := newEnv(t)
	l.RejectNext(errors.New("insufficient funds"))
	if _, err := w.SendTransaction(context.Background(), contractAddr, []byte{0, 0, 0, 0}); err == nil {
		t.Fatalf("rejection not surfaced")
	}
}
