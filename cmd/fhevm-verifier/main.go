package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/Aequa-fhevm/internal/api"
	"github.com/zmlAEQ/Aequa-fhevm/internal/config"
	"github.com/zmlAEQ/Aequa-fhevm/internal/engine"
	"github.com/zmlAEQ/Aequa-fhevm/internal/fhe/mock"
	"github.com/zmlAEQ/Aequa-fhevm/internal/harness"
	"github.com/zmlAEQ/Aequa-fhevm/internal/monitoring"
	"github.com/zmlAEQ/Aequa-fhevm/internal/notify"
	"github.com/zmlAEQ/Aequa-fhevm/internal/verify"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/bus"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/lifecycle"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
)

func main() {
	var (
		preset      string
		confPath    string
		apiAddr     string
		monAddr     string
		webhook     string
		clearSealer bool
	)
	flag.StringVar(&preset, "preset", config.PresetSepolia, "Network preset (sepolia|local)")
	flag.StringVar(&confPath, "config", "", "Optional config file (toml|yaml|json)")
	flag.StringVar(&apiAddr, "api", "", "Operation API listen address (overrides config)")
	flag.StringVar(&monAddr, "monitoring", "", "Monitoring listen address (overrides config)")
	flag.StringVar(&webhook, "webhook", "", "Outcome webhook URL (overrides config)")
	flag.BoolVar(&clearSealer, "clear-sealer", false, "Seal inputs with the clear test encoding (relayer must be a mock)")
	flag.Parse()

	cfg, err := config.Load(preset, confPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if apiAddr != "" {
		cfg.API.Listen = apiAddr
	}
	if monAddr != "" {
		cfg.Monitoring.Listen = monAddr
	}
	if webhook != "" {
		cfg.Notify.WebhookURL = webhook
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	key, err := harness.LoadKey(ctx, cfg.Wallet)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	if key == nil && cfg.Network.Offline() {
		key, _ = crypto.GenerateKey()
	}
	opts := harness.Options{Key: key, EngineOptions: []engine.Option{engine.WithValidityDays(cfg.Operation.ValidityDays)}}
	if clearSealer {
		opts.Sealer = mock.Sealer{}
	}
	st, err := harness.Build(ctx, cfg, opts)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	defer st.Close()

	b := bus.New(256)
	m := verify.New(st.Engine, verify.Config{
		Network:   cfg.Network,
		Contract:  st.Contract,
		Countdown: cfg.Operation.CountdownSeconds,
		Retry:     verify.RetryPolicy{MaxRetries: cfg.Operation.MaxRetries, Step: cfg.Operation.RetryStep},
		Bus:       b,
	})
	defer m.Close()

	mgr := lifecycle.New()
	mgr.Add(monitoring.New(cfg.Monitoring.Listen))
	mgr.Add(notify.NewService(b.Subscribe(), notify.WebhookSink{URL: cfg.Notify.WebhookURL, Timeout: cfg.Notify.Timeout}))
	mgr.Add(api.New(cfg.API.Listen, m, api.WithInfo(st.Engine.Config), api.WithRateLimit(cfg.API.RateLimit, cfg.API.Burst)))

	if err := mgr.StartAll(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	logger.InfoJ("fhevm_verifier", map[string]any{"result": "started", "network": cfg.Network.Name, "contract": st.Contract.Address.Hex()})
	<-ctx.Done()
	_ = mgr.StopAll(context.Background())
	b.Close()
}
