// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/config"
)

func TestMergeYAML(t *testing.T) {
	cfg := config.Default()
	src := strings.NewReader(`
db_path: /tmp/wallet.db
default_exchange: https://exchange.demo.taler.net/
log_level: debug
`)
	require.NoError(t, config.MergeYAML(&cfg, src))
	assert.Equal(t, "/tmp/wallet.db", cfg.DBPath)
	assert.Equal(t, "https://exchange.demo.taler.net/", cfg.DefaultExchange)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestMergeYAMLExpandsEnv(t *testing.T) {
	t.Setenv("TEST_WALLET_DB_DIR", "/data")
	cfg := config.Default()
	src := strings.NewReader("db_path: ${TEST_WALLET_DB_DIR}/wallet.db\n")
	require.NoError(t, config.MergeYAML(&cfg, src))
	assert.Equal(t, "/data/wallet.db", cfg.DBPath)
}

func TestMergeYAMLEnvFallback(t *testing.T) {
	cfg := config.Default()
	src := strings.NewReader("db_path: ${UNSET_WALLET_VAR:-/fallback/wallet.db}\n")
	require.NoError(t, config.MergeYAML(&cfg, src))
	assert.Equal(t, "/fallback/wallet.db", cfg.DBPath)
}

func TestMergeYAMLMissingEnvFails(t *testing.T) {
	cfg := config.Default()
	src := strings.NewReader("db_path: ${DEFINITELY_UNSET_WALLET_VAR}\n")
	err := config.MergeYAML(&cfg, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFINITELY_UNSET_WALLET_VAR")
}

func TestMergeEnvOverrides(t *testing.T) {
	t.Setenv("TALER_WALLET_DB", "/override/wallet.db")
	t.Setenv("TALER_WALLET_LOG", "warn")
	cfg := config.Default()
	require.NoError(t, config.MergeEnv(&cfg, config.DefaultEnvMappings()))
	assert.Equal(t, "/override/wallet.db", cfg.DBPath)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.IsValid())

	cfg.LogLevel = "loud"
	require.Error(t, cfg.IsValid())

	cfg = config.Default()
	cfg.DBPath = ""
	require.Error(t, cfg.IsValid())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, config.Load(&cfg, "/no/such/config.yaml", nil))
	assert.Equal(t, config.Default().DBPath, cfg.DBPath)
}
