// Package config loads the network bundle and daemon settings.
//
// Files may be TOML, YAML or JSON (chosen by extension). Values are layered:
// preset defaults, then the file, then FHEVM_* environment overrides.
// Validation checks presence only; addresses are not probed on chain.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
)

// Network is the configuration bundle the engine is bound to.
type Network struct {
	Name                               string `toml:"name" yaml:"name" json:"name"`
	ChainID                            uint64 `toml:"chain_id" yaml:"chain_id" json:"chainId"`
	GatewayChainID                     uint64 `toml:"gateway_chain_id" yaml:"gateway_chain_id" json:"gatewayChainId"`
	ACLContractAddress                 string `toml:"acl_contract" yaml:"acl_contract" json:"aclContractAddress"`
	KMSContractAddress                 string `toml:"kms_contract" yaml:"kms_contract" json:"kmsContractAddress"`
	InputVerifierContractAddress       string `toml:"input_verifier_contract" yaml:"input_verifier_contract" json:"inputVerifierContractAddress"`
	VerifyingContractDecryption        string `toml:"verifying_contract_decryption" yaml:"verifying_contract_decryption" json:"verifyingContractAddressDecryption"`
	VerifyingContractInputVerification string `toml:"verifying_contract_input_verification" yaml:"verifying_contract_input_verification" json:"verifyingContractAddressInputVerification"`
	RelayerURL                         string `toml:"relayer_url" yaml:"relayer_url" json:"relayerUrl"`
	RPCURL                             string `toml:"rpc_url" yaml:"rpc_url" json:"rpcUrl"`
}

// Offline reports whether the bundle targets the in-process simulated
// ledger and mock coprocessor.
func (n Network) Offline() bool {
	return strings.HasPrefix(n.RPCURL, "sim://") || strings.HasPrefix(n.RelayerURL, "mock://")
}

type Wallet struct {
	// Mode is "service" (local key) or "interactive" (JSON-RPC provider at RPCURL).
	Mode         string `toml:"mode" yaml:"mode" json:"mode"`
	KeystorePath string `toml:"keystore" yaml:"keystore" json:"keystore"`
	// PassphraseEnv names the variable holding the keystore passphrase.
	PassphraseEnv string `toml:"passphrase_env" yaml:"passphrase_env" json:"passphraseEnv"`
}

type Operation struct {
	Contract         string        `toml:"contract" yaml:"contract" json:"contract"`
	CountdownSeconds int           `toml:"countdown_seconds" yaml:"countdown_seconds" json:"countdownSeconds"`
	MaxRetries       int           `toml:"max_retries" yaml:"max_retries" json:"maxRetries"`
	RetryStep        time.Duration `toml:"retry_step" yaml:"retry_step" json:"retryStep"`
	ValidityDays     int           `toml:"validity_days" yaml:"validity_days" json:"validityDays"`
}

type API struct {
	Listen    string  `toml:"listen" yaml:"listen" json:"listen"`
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit" json:"rateLimit"` // requests per second
	Burst     int     `toml:"burst" yaml:"burst" json:"burst"`
}

type Monitoring struct {
	Listen string `toml:"listen" yaml:"listen" json:"listen"`
}

type Notify struct {
	WebhookURL string        `toml:"webhook_url" yaml:"webhook_url" json:"webhookUrl"`
	Timeout    time.Duration `toml:"timeout" yaml:"timeout" json:"timeout"`
}

type Config struct {
	Network    Network       `toml:"network" yaml:"network" json:"network"`
	Wallet     Wallet        `toml:"wallet" yaml:"wallet" json:"wallet"`
	Operation  Operation     `toml:"operation" yaml:"operation" json:"operation"`
	API        API           `toml:"api" yaml:"api" json:"api"`
	Monitoring Monitoring    `toml:"monitoring" yaml:"monitoring" json:"monitoring"`
	Notify     Notify        `toml:"notify" yaml:"notify" json:"notify"`
	Log        logger.Config `toml:"log" yaml:"log" json:"log"`
}

const (
	PresetSepolia = "sepolia"
	PresetLocal   = "local"
)

// Sepolia returns the public testnet bundle.
func Sepolia() Network {
	return Network{
		Name:                               PresetSepolia,
		ChainID:                            11155111,
		GatewayChainID:                     10901,
		ACLContractAddress:                 "0xf0Ffdc93b7E186bC2f8CB3dAA75D86d1930A433D",
		KMSContractAddress:                 "0xbE0E383937d564D7FF0BC3b46c51f0bF8d5C311A",
		InputVerifierContractAddress:       "0xBBC1fFCdc7C316aAAd72E807D9b0272BE8F84DA0",
		VerifyingContractDecryption:        "0x5D8BD78e2ea6bbE41f26dFe9fdaEAa349e077478",
		VerifyingContractInputVerification: "0x483b9dE06E4E4C7D35CCf5837A1668487406D955",
		RelayerURL:                         "https://relayer.testnet.zama.org",
		RPCURL:                             "https://ethereum-sepolia-rpc.publicnode.com",
	}
}

// Local returns a bundle served entirely in-process.
func Local() Network {
	n := Sepolia()
	n.Name = PresetLocal
	n.ChainID = 31337
	n.RelayerURL = "mock://local"
	n.RPCURL = "sim://local"
	return n
}

// Default returns a complete configuration for the named preset.
func Default(preset string) (Config, error) {
	var (
		n        Network
		contract string
	)
	switch strings.ToLower(preset) {
	case "", PresetSepolia:
		n, contract = Sepolia(), "0xda0fB5bF9F658F72F6CBA99Cd99057d971110545"
	case PresetLocal:
		n, contract = Local(), "0x40e8Aa088739445BC3a3727A724F56508899f65B"
	default:
		return Config{}, fmt.Errorf("unknown preset %q", preset)
	}
	return Config{
		Network: n,
		Wallet:  Wallet{Mode: "service", PassphraseEnv: "FHEVM_KEYSTORE_PASS"},
		Operation: Operation{
			Contract:         contract,
			CountdownSeconds: 10,
			MaxRetries:       3,
			RetryStep:        10 * time.Second,
			ValidityDays:     10,
		},
		API:        API{Listen: "127.0.0.1:8645", RateLimit: 5, Burst: 10},
		Monitoring: Monitoring{Listen: "127.0.0.1:9645"},
		Notify:     Notify{Timeout: 2 * time.Second},
		Log:        logger.Config{Level: "info", Format: "json"},
	}, nil
}

// Load layers path (may be empty) and the environment over the preset.
func Load(preset, path string) (Config, error) {
	cfg, err := Default(preset)
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return errors.Wrapf(err, "parse %s", filepath.Base(path))
}

// ApplyEnv overlays FHEVM_* variables. lookup is os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	u64 := func(key string, dst *uint64) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				*dst = n
			} else {
				logger.WarnJ("config_env", map[string]any{"key": key, "result": "ignored", "err": err.Error()})
			}
		}
	}
	u64("FHEVM_CHAIN_ID", &c.Network.ChainID)
	u64("FHEVM_GATEWAY_CHAIN_ID", &c.Network.GatewayChainID)
	str("FHEVM_ACL_CONTRACT", &c.Network.ACLContractAddress)
	str("FHEVM_KMS_CONTRACT", &c.Network.KMSContractAddress)
	str("FHEVM_INPUT_VERIFIER_CONTRACT", &c.Network.InputVerifierContractAddress)
	str("FHEVM_VERIFYING_CONTRACT_DECRYPTION", &c.Network.VerifyingContractDecryption)
	str("FHEVM_VERIFYING_CONTRACT_INPUT_VERIFICATION", &c.Network.VerifyingContractInputVerification)
	str("FHEVM_RELAYER_URL", &c.Network.RelayerURL)
	str("FHEVM_RPC_URL", &c.Network.RPCURL)
	str("FHEVM_CONTRACT", &c.Operation.Contract)
	str("FHEVM_WALLET_MODE", &c.Wallet.Mode)
	str("FHEVM_KEYSTORE", &c.Wallet.KeystorePath)
	str("FHEVM_API_LISTEN", &c.API.Listen)
	str("FHEVM_MONITORING_LISTEN", &c.Monitoring.Listen)
	str("FHEVM_WEBHOOK_URL", &c.Notify.WebhookURL)
	str("FHEVM_LOG_LEVEL", &c.Log.Level)
	str("FHEVM_LOG_FORMAT", &c.Log.Format)
}

// Validate reports every missing field at once.
func (c Config) Validate() error {
	var missing []string
	need := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if c.Network.ChainID == 0 {
		missing = append(missing, "network.chain_id")
	}
	if c.Network.GatewayChainID == 0 {
		missing = append(missing, "network.gateway_chain_id")
	}
	need("network.acl_contract", c.Network.ACLContractAddress)
	need("network.kms_contract", c.Network.KMSContractAddress)
	need("network.input_verifier_contract", c.Network.InputVerifierContractAddress)
	need("network.verifying_contract_decryption", c.Network.VerifyingContractDecryption)
	need("network.verifying_contract_input_verification", c.Network.VerifyingContractInputVerification)
	need("network.relayer_url", c.Network.RelayerURL)
	need("network.rpc_url", c.Network.RPCURL)
	switch c.Wallet.Mode {
	case "service", "interactive":
	default:
		missing = append(missing, "wallet.mode(service|interactive)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}
