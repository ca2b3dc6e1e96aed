package harness

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fault"
	"github.com/zmlAEQ/Aequa-fhevm/internal/verify"
)

func offline(t *testing.T, withKey bool) *Stack {
	t.Helper()
	cfg, err := config.Default(config.PresetLocal)
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	o := Options{}
	if withKey {
		o.Key, _ = crypto.GenerateKey()
	}
	s, err := Build(context.Background(), cfg, o)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(s.Close)
	if s.Coprocessor == nil || s.Ledger == nil {
		t.Fatalf("local preset should build the offline stack")
	}
	return s
}

func noSleep() verify.RetryPolicy {
	return verify.RetryPolicy{MaxRetries: 3, Step: 10 * time.Second, Sleep: func(context.Context, time.Duration) error { return nil }}
}

func stepNamed(t *testing.T, rep Report, name string) Step {
	t.Helper()
	for _, s := range rep.Steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no step %q in %+v", name, rep.Steps)
	return Step{}
}

func TestRehearsal_Offline(t *testing.T) {
	for _, tc := range []struct {
		capital int64
		want    bool
	}{{15000, true}, {5000, false}} {
		s := offline(t, true)
		rep := (&Script{Stack: s, Capital: big.NewInt(tc.capital), Retry: noSleep()}).Run(context.Background())
		if rep.Failed() {
			t.Fatalf("capital %d: %+v", tc.capital, rep.Steps)
		}
		if rep.Verdict == nil || *rep.Verdict != tc.want || rep.Capital.Int64() != tc.capital {
			t.Fatalf("capital %d: verdict=%v capital=%v", tc.capital, rep.Verdict, rep.Capital)
		}
		if len(rep.Steps) != 9 || rep.Steps[len(rep.Steps)-1].Name != "config" {
			t.Fatalf("steps=%+v", rep.Steps)
		}
		if !rep.Config.Ready || rep.Config.ChainID != 31337 {
			t.Fatalf("config=%+v", rep.Config)
		}
	}
}

func TestRehearsal_RetriesTransientDecrypt(t *testing.T) {
	s := offline(t, true)
	s.Coprocessor.FailDecrypt(503, 503)
	rep := (&Script{Stack: s, Retry: noSleep()}).Run(context.Background())
	st := stepNamed(t, rep, "decrypt_result")
	if !st.OK || st.Detail != "verified=true retries=2" {
		t.Fatalf("step=%+v", st)
	}
}

func TestRehearsal_NoWalletSkipsWrites(t *testing.T) {
	s := offline(t, false)
	rep := (&Script{Stack: s, Retry: noSleep()}).Run(context.Background())
	if st := stepNamed(t, rep, "address"); !st.OK || st.Detail != "no wallet (read-only session)" {
		t.Fatalf("address=%+v", st)
	}
	if st := stepNamed(t, rep, "encrypt"); !st.OK {
		t.Fatalf("encrypt should work without a key: %+v", st)
	}
	for _, name := range []string{"submit", "read_result", "decrypt_result", "decrypt_capital"} {
		if st := stepNamed(t, rep, name); !st.Skipped {
			t.Fatalf("%s not skipped: %+v", name, st)
		}
	}
	if st := stepNamed(t, rep, "config"); !st.OK || rep.Config.HasWallet {
		t.Fatalf("config=%+v info=%+v", st, rep.Config)
	}
	if s.Ledger.Sends() != 0 {
		t.Fatalf("ledger written without a key")
	}
}

func TestRehearsal_BootstrapFailureReported(t *testing.T) {
	n := config.Local()
	n.RelayerURL = ""
	key, _ := crypto.GenerateKey()
	s, err := Offline(n, common.HexToAddress("0x40e8Aa088739445BC3a3727A724F56508899f65B"), Options{Key: key})
	if err != nil {
		t.Fatalf("offline: %v", err)
	}
	rep := (&Script{Stack: s, Retry: noSleep()}).Run(context.Background())
	st := stepNamed(t, rep, "initialize")
	if st.OK || st.Kind != fault.EngineBootstrapFailed {
		t.Fatalf("initialize=%+v", st)
	}
	if !rep.Failed() || !stepNamed(t, rep, "submit").Skipped || !stepNamed(t, rep, "config").OK {
		t.Fatalf("steps=%+v", rep.Steps)
	}
}

func TestLoadKey(t *testing.T) {
	key, err := LoadKey(context.Background(), config.Wallet{Mode: "service"})
	if err != nil || key != nil {
		t.Fatalf("no keystore: key=%v err=%v", key, err)
	}
	if _, err := LoadKey(context.Background(), config.Wallet{Mode: "service", KeystorePath: t.TempDir() + "/missing.key"}); err == nil {
		t.Fatalf("missing keystore should fail")
	}
}
