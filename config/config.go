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

// Package config loads the wallet's YAML configuration, expanding
// environment variables and merging explicit env overrides on top.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Wallet is the on-disk configuration of the command line wallet.
type Wallet struct {
	// DBPath is where the bbolt database lives. Defaults to
	// ~/.taler-wallet/wallet.db.
	DBPath string `yaml:"db_path"`
	// DefaultExchange is used when a command does not name one.
	DefaultExchange string `yaml:"default_exchange"`
	// BankBaseURL is the test bank for withdraw-test-balance.
	BankBaseURL string `yaml:"bank_base_url"`
	// AccessToken, when set, is sent as a bearer token on every
	// request, for banks and merchants behind an auth proxy.
	AccessToken string `yaml:"access_token"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// Timeout bounds every HTTP request the wallet makes.
	Timeout time.Duration `yaml:"timeout"`
	// MaxParallelCrypto bounds concurrent blinding work.
	MaxParallelCrypto int `yaml:"max_parallel_crypto"`
	// ExchangeUpdateInterval is how stale exchange keys may get before
	// the scheduler refreshes them.
	ExchangeUpdateInterval time.Duration `yaml:"exchange_update_interval"`
}

// Default returns the configuration used when no file exists.
func Default() Wallet {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Wallet{
		DBPath:   filepath.Join(home, ".taler-wallet", "wallet.db"),
		LogLevel: "info",
		Timeout:  30 * time.Second,
	}
}

// IsValid reports configuration errors a typo would cause.
func (c *Wallet) IsValid() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	return nil
}

// Load reads the YAML file at path into cfg and then merges env
// overrides. A missing file is not an error; the defaults stand.
func Load(cfg *Wallet, path string, envMappings map[string]EnvMapping) error {
	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return fmt.Errorf("failed to open config file: %w", err)
		default:
			defer f.Close()
			if err := MergeYAML(cfg, f); err != nil {
				return err
			}
		}
	}
	if err := MergeEnv(cfg, envMappings); err != nil {
		return err
	}
	return cfg.IsValid()
}

// MergeYAML merges YAML from src into cfg. Environment variables in
// the file are expanded: `key: ${VAR}` becomes VAR's value and fails
// when VAR is unset, `key: ${VAR:-fallback}` falls back instead.
func MergeYAML(cfg *Wallet, src io.Reader) error {
	raw, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var missing []string
	expanded := os.Expand(string(raw), func(key string) string {
		if i := strings.Index(key, ":-"); i != -1 {
			name, fallback := key[:i], key[i+2:]
			if val, ok := os.LookupEnv(name); ok {
				return val
			}
			return fallback
		}
		val, ok := os.LookupEnv(key)
		if !ok {
			missing = append(missing, key)
			return ""
		}
		return val
	})
	if len(missing) > 0 {
		return fmt.Errorf("config expects the following environment variables to be set: %v", missing)
	}

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// EnvMapping maps one environment variable onto the configuration. A
// required mapping errors when the variable is unset.
type EnvMapping struct {
	Required bool
	Func     func(cfg *Wallet, val string) error
}

// DefaultEnvMappings is the env override surface of the CLI.
func DefaultEnvMappings() map[string]EnvMapping {
	return map[string]EnvMapping{
		"TALER_WALLET_DB": {
			Func: func(cfg *Wallet, val string) error {
				cfg.DBPath = val
				return nil
			},
		},
		"TALER_WALLET_EXCHANGE": {
			Func: func(cfg *Wallet, val string) error {
				cfg.DefaultExchange = val
				return nil
			},
		},
		"TALER_WALLET_TOKEN": {
			Func: func(cfg *Wallet, val string) error {
				cfg.AccessToken = val
				return nil
			},
		},
		"TALER_WALLET_LOG": {
			Func: func(cfg *Wallet, val string) error {
				cfg.LogLevel = val
				return nil
			},
		},
	}
}

// MergeEnv applies every mapping whose variable is set, collecting all
// errors instead of stopping at the first.
func MergeEnv(cfg *Wallet, mappings map[string]EnvMapping) error {
	var errs error
	for key, mapping := range mappings {
		val, ok := os.LookupEnv(key)
		if !ok {
			if mapping.Required {
				errs = errors.Join(errs, fmt.Errorf("missing required env variable %s", key))
			}
			continue
		}
		if err := mapping.Func(cfg, val); err != nil {
			errs = errors.Join(errs, fmt.Errorf("error for env variable %s: %w", key, err))
		}
	}
	return errs
}
