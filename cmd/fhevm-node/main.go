package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/engine"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe/mock"
	"github.com/zmlAEQ/Aequa-fhevm/internal/harness"
	"github.com/zmlAEQ/Aequa-fhevm/internal/verify"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
)

func main() {
	var (
		preset      string
		confPath    string
		capital     string
		syncWait    time.Duration
		clearSealer bool
		asJSON      bool
	)
	flag.StringVar(&preset, "preset", config.PresetLocal, "Network preset (local|sepolia)")
	flag.StringVar(&confPath, "config", "", "Optional config file (toml|yaml|json)")
	flag.StringVar(&capital, "capital", "15000", "Capital to submit")
	flag.DurationVar(&syncWait, "sync-wait", 10*time.Second, "Wait between submit and decrypt on a live network")
	flag.BoolVar(&clearSealer, "clear-sealer", false, "Seal inputs with the clear test encoding (relayer must be a mock)")
	flag.BoolVar(&asJSON, "json", false, "Print the report as JSON")
	flag.Parse()

	cfg, err := config.Load(preset, confPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
	}
	defer logger.Sync()
	v, err := verify.ParseCapital(capital)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	key, err := harness.LoadKey(ctx, cfg.Wallet)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if key == nil && cfg.Network.Offline() {
		key, _ = crypto.GenerateKey()
		logger.InfoJ("fhevm_node", map[string]any{"result": "ephemeral_key", "address": crypto.PubkeyToAddress(key.PublicKey).Hex()})
	}
	opts := harness.Options{Key: key, EngineOptions: []engine.Option{engine.WithValidityDays(cfg.Operation.ValidityDays)}}
	if clearSealer {
		opts.Sealer = mock.Sealer{}
	}
	st, err := harness.Build(ctx, cfg, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer st.Close()

	script := &harness.Script{
		Stack:   st,
		Capital: v,
		Retry:   verify.RetryPolicy{MaxRetries: cfg.Operation.MaxRetries, Step: cfg.Operation.RetryStep},
	}
	if !cfg.Network.Offline() {
		script.SyncWait = syncWait
	}
	rep := script.Run(ctx)
	printReport(rep, asJSON)
	if rep.Failed() {
		os.Exit(1)
	}
}

func printReport(rep harness.Report, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
		return
	}
	for _, s := range rep.Steps {
		mark := "ok  "
		switch {
		case s.Skipped:
			mark = "skip"
		case !s.OK:
			mark = "FAIL"
		}
		line := fmt.Sprintf("[%s] %-16s %s", mark, s.Name, s.Detail)
		if s.Err != "" {
			line += " error=" + s.Err
		}
		fmt.Println(line)
	}
	if rep.Verdict != nil {
		fmt.Printf("verified: %t\n", *rep.Verdict)
	}
	if rep.Capital != nil {
		fmt.Printf("capital:  %s\n", rep.Capital.String())
	}
}
