package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_Presets(t *testing.T) {
	c, err := Default(PresetSepolia)
	require.NoError(t, err)
	require.Equal(t, uint64(11155111), c.Network.ChainID)
	require.Equal(t, uint64(10901), c.Network.GatewayChainID)
	require.False(t, c.Network.Offline())
	require.NoError(t, c.Validate())

	l, err := Default(PresetLocal)
	require.NoError(t, err)
	require.Equal(t, uint64(31337), l.Network.ChainID)
	require.True(t, l.Network.Offline())

	_, err = Default("mainnet")
	require.Error(t, err)
}

func TestLoad_FormatsByExtension(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"c.toml": "[network]\nrelayer_url = \"https://r.example\"\n[operation]\nretry_step = \"5s\"\n",
		"c.yaml": "network:\n  relayer_url: https://r.example\noperation:\n  retry_step: 5s\n",
		"c.json": `{"network":{"relayerUrl":"https://r.example"},"operation":{"retryStep":5000000000}}`,
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		c, err := Load(PresetSepolia, p)
		require.NoError(t, err, name)
		require.Equal(t, "https://r.example", c.Network.RelayerURL, name)
		require.Equal(t, 5*time.Second, c.Operation.RetryStep, name)
		require.Equal(t, uint64(11155111), c.Network.ChainID, name)
	}
}

func TestLoad_UnknownExtension(t *testing.T) {
	p := filepath.Join(t.TempDir(), "c.ini")
	require.NoError(t, os.WriteFile(p, []byte("x=1"), 0o600))
	_, err := Load(PresetSepolia, p)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	c, _ := Default(PresetSepolia)
	env := map[string]string{
		"FHEVM_CHAIN_ID":    "31337",
		"FHEVM_RELAYER_URL": "mock://x",
		"FHEVM_GATEWAY_CHAIN_ID": "nope",
	}
	c.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	require.Equal(t, uint64(31337), c.Network.ChainID)
	require.Equal(t, "mock://x", c.Network.RelayerURL)
	require.Equal(t, uint64(10901), c.Network.GatewayChainID)
}

func TestValidate_ListsMissing(t *testing.T) {
	c, _ := Default(PresetSepolia)
	c.Network.KMSContractAddress = ""
	c.Network.GatewayChainID = 0
	err := c.Validate()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "network.kms_contract"))
	require.True(t, strings.Contains(err.Error(), "network.gateway_chain_id"))
}
