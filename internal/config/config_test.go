package config

import (
	"os"
	"path/filepath"
	"testing"

	"gridbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

const sample = `{
  "is_testnet": true,
  "log": {"level": "debug", "output": "console"},
  "bots": [
    {"id": "btc", "symbol": "BTCUSDT", "lower_price": 20000, "upper_price": 25000,
     "grid_count": 5, "capital": 1000, "leverage": 2},
    {"id": "eth", "symbol": "ETHUSDT", "range_pct": 0.1, "grid_count": 10, "capital": 500,
     "direction": "long", "spacing": "directional", "replacement": "offset",
     "take_profit_pct": 0.01, "reentry_pct": 0.02,
     "api_key_env": "ETH_KEY", "secret_key_env": "ETH_SECRET"}
  ]
}`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", sample)
	env := writeFile(t, dir, ".env", "GRIDBOT_TEST_KEY=from-file\n")

	t.Setenv(DefaultAPIKeyEnv, "k")
	t.Setenv(DefaultSecretKeyEnv, "s")
	t.Setenv("ETH_KEY", "ek")
	t.Setenv("ETH_SECRET", "es")

	cfg, err := LoadConfig(path, env)
	require.NoError(t, err)
	t.Cleanup(func() { os.Unsetenv("GRIDBOT_TEST_KEY") })

	assert.True(t, cfg.IsTestnet)
	assert.Equal(t, 10, cfg.TickIntervalSec, "defaults applied")
	assert.Equal(t, "data/state", cfg.DBPath)
	require.Len(t, cfg.Bots, 2)
	assert.Equal(t, "k", cfg.Bots[0].APIKey)
	assert.Equal(t, "s", cfg.Bots[0].SecretKey)
	assert.Equal(t, "ek", cfg.Bots[1].APIKey)
	assert.Equal(t, models.Long, cfg.Bots[1].Direction)
	assert.Equal(t, "from-file", os.Getenv("GRIDBOT_TEST_KEY"))
}

func TestLoadConfig_MissingEnvFileIsFine(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"bots": []}`)
	_, err := LoadConfig(path, filepath.Join(dir, "absent.env"))
	assert.NoError(t, err)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "nope.json"))
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.json", `{"bots": [{"id": "x", "symbol": "BTCUSDT", "grid_count": 1, "capital": 1, "range_pct": 0.1}]}`)
	_, err = LoadConfig(bad, filepath.Join(dir, "absent.env"))
	assert.ErrorContains(t, err, "level count")

	dup := writeFile(t, dir, "dup.json", `{"bots": [
	  {"id": "x", "symbol": "BTCUSDT", "grid_count": 3, "capital": 1, "range_pct": 0.1},
	  {"id": "x", "symbol": "ETHUSDT", "grid_count": 3, "capital": 1, "range_pct": 0.1}]}`)
	_, err = LoadConfig(dup, filepath.Join(dir, "absent.env"))
	assert.ErrorContains(t, err, "duplicate bot id")

	unknown := writeFile(t, dir, "unknown.json", `{"bogus": 1}`)
	_, err = LoadConfig(unknown, filepath.Join(dir, "absent.env"))
	assert.Error(t, err)
}
