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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/defcon201/GNU-Taler-Wallet-sub001/amount"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/config"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/internal/secrets"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/otel/otelutil"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/storage/boltdb"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/talercrypto"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/transport"
	"github.com/defcon201/GNU-Taler-Wallet-sub001/wallet"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "taler-wallet-cli",
		Short:         "Command line wallet for GNU Taler payments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config file")

	root.AddCommand(
		balanceCmd(),
		withdrawCmd(),
		payCmd(),
		refundCmd(),
		transactionsCmd(),
		coinsCmd(),
		refreshCmd(),
		exchangeCmd(),
		runPendingCmd(),
		apiCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taler-wallet.yaml"
	}
	return filepath.Join(home, ".taler-wallet", "config.yaml")
}

// withWallet loads the config, opens the database and hands a ready
// wallet to fn. The wallet and database close when fn returns.
func withWallet(fn func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if err := config.Load(&cfg, configPath, config.DefaultEnvMappings()); err != nil {
			return err
		}
		setupLogging(cfg.LogLevel)

		shutdownTracing, err := otelutil.Init(cmd.Context(), "taler-wallet-cli")
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer shutdownTracing(context.Background())

		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return fmt.Errorf("failed to create wallet directory: %w", err)
		}
		store, err := boltdb.Open(cfg.DBPath, wallet.Schema())
		if err != nil {
			return fmt.Errorf("failed to open wallet database: %w", err)
		}
		defer store.Close()

		client := transport.NewHTTPClient(&http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelutil.NewTransport(nil),
		})
		if cfg.AccessToken != "" {
			client = client.WithBearerToken(secrets.NewString(cfg.AccessToken))
		}
		w, err := wallet.New(wallet.Config{
			MaxParallelCrypto:      cfg.MaxParallelCrypto,
			ExchangeUpdateInterval: cfg.ExchangeUpdateInterval,
		}, store, client, talercrypto.NewLocal())
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, cfg, w, args)
	}
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(otelutil.NewSlogHandler(handler)))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the spendable balance per currency",
		Args:  cobra.NoArgs,
		RunE: withWallet(func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error {
			balances, err := w.GetBalances(ctx)
			if err != nil {
				return err
			}
			return printJSON(balances)
		}),
	}
}

func withdrawCmd() *cobra.Command {
	var exchangeURL, bankURL string
	cmd := &cobra.Command{
		Use:   "withdraw <amount>",
		Short: "Withdraw digital cash into the wallet",
		Long: "Create a reserve at the exchange, instruct the bank to fund it " +
			"and convert the balance into coins. Blocks until the coins arrive.",
		Args: cobra.ExactArgs(1),
		RunE: withWallet(func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error {
			amt, err := amount.Parse(args[0])
			if err != nil {
				return err
			}
			exchange := exchangeURL
			if exchange == "" {
				exchange = cfg.DefaultExchange
			}
			if exchange == "" {
				return fmt.Errorf("no exchange given; use --exchange or set default_exchange")
			}
			bank := bankURL
			if bank == "" {
				bank = cfg.BankBaseURL
			}
			if bank == "" {
				return fmt.Errorf("no bank given; use --bank or set bank_base_url")
			}
			rec, err := w.WithdrawTestBalance(ctx, exchange, bank, amt)
			if err != nil {
				return err
			}
			slog.Info("reserve created, withdrawing", "reservePub", rec.ReservePub)
			if err := w.RunUntilDone(ctx); err != nil {
				return err
			}
			balances, err := w.GetBalances(ctx)
			if err != nil {
				return err
			}
			return printJSON(balances)
		}),
	}
	cmd.Flags().StringVar(&exchangeURL, "exchange", "", "exchange base URL")
	cmd.Flags().StringVar(&bankURL, "bank", "", "bank base URL")
	return cmd
}

func payCmd() *cobra.Command {
	var claimToken string
	var confirm bool
	cmd := &cobra.Command{
		Use:   "pay <merchant-base-url> <order-id>",
		Short: "Pay for a merchant order",
		Args:  cobra.ExactArgs(2),
		RunE: withWallet(func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error {
			res, err := w.PreparePay(ctx, args[0], args[1], claimToken)
			if err != nil {
				return err
			}
			if !confirm || res.Status != wallet.PayStatusPaymentPossible {
				return printJSON(res)
			}
			confirmed, err := w.ConfirmPay(ctx, res.ProposalID)
			if err != nil {
				return err
			}
			if !confirmed.Paid {
				if err := w.RunUntilDone(ctx); err != nil {
					return err
				}
			}
			return printJSON(confirmed)
		}),
	}
	cmd.Flags().StringVar(&claimToken, "token", "", "claim token from the taler:// URI")
	cmd.Flags().BoolVar(&confirm, "confirm", true, "spend coins instead of only quoting the cost")
	return cmd
}

func refundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund <permission.json>",
		Short: "Apply a merchant's signed refund permission",
		Args:  cobra.ExactArgs(1),
		RunE: withWallet(func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var perm wallet.RefundPermission
			if err := json.Unmarshal(raw, &perm); err != nil {
				return fmt.Errorf("invalid refund permission: %w", err)
			}
			if err := w.ApplyRefund(ctx, perm); err != nil {
				return err
			}
			return w.RunUntilDone(ctx)
		}),
	}
}

func transactionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transactions",
		Short: "List withdrawals, payments and refunds",
		Args:  cobra.NoArgs,
		RunE: withWallet(func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error {
			txs, err := w.GetTransactions(ctx)
			if err != nil {
				return err
			}
			return printJSON(txs)
		}),
	}
}

func coinsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coins",
		Short: "Dump every coin the wallet holds",
		Args:  cobra.NoArgs,
		RunE: withWallet(func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error {
			coins, err := w.DumpCoins(ctx)
			if err != nil {
				return err
			}
			return printJSON(coins)
		}),
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <coin-pub>",
		Short: "Melt a coin and withdraw fresh ones of equal value minus fees",
		Args:  cobra.ExactArgs(1),
		RunE: withWallet(func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error {
			if err := w.ForceRefresh(ctx, args[0]); err != nil {
				return err
			}
			return w.RunUntilDone(ctx)
		}),
	}
}

func exchangeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Manage known exchanges",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <base-url>",
		Short: "Fetch and pin an exchange's signing keys",
		Args:  cobra.ExactArgs(1),
		RunE: withWallet(func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error {
			rec, err := w.AddExchange(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(rec)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known exchanges",
		Args:  cobra.NoArgs,
		RunE: withWallet(func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error {
			recs, err := w.ListExchanges(ctx)
			if err != nil {
				return err
			}
			return printJSON(recs)
		}),
	})
	return cmd
}

func runPendingCmd() *cobra.Command {
	var forever bool
	cmd := &cobra.Command{
		Use:   "run-pending",
		Short: "Process pending operations",
		Long: "Drive retries for unfinished withdrawals, payments and refreshes. " +
			"By default exits once nothing remains; --forever keeps the scheduler running.",
		Args: cobra.NoArgs,
		RunE: withWallet(func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error {
			if err := w.RetryPendingNow(ctx); err != nil {
				return err
			}
			if forever {
				return w.RunRetryLoop(ctx)
			}
			return w.RunUntilDone(ctx)
		}),
	}
	cmd.Flags().BoolVar(&forever, "forever", false, "keep running after all pending work finishes")
	return cmd
}

func apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api <operation> [payload-json]",
		Short: "Invoke a wallet core operation directly",
		Long: "Send one request through the same operation surface the browser " +
			"extension and mobile bindings use, and print the response envelope.",
		Args: cobra.RangeArgs(1, 2),
		RunE: withWallet(func(ctx context.Context, cfg config.Wallet, w *wallet.Wallet, args []string) error {
			var payload json.RawMessage
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
			}
			res := w.HandleCoreRequest(ctx, args[0], "cli", payload)
			return printJSON(res)
		}),
	}
}
