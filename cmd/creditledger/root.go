package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/meter"
)

var (
	configPath string
	cfg        creditledger.Config
	logger     *slog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CREDITLEDGER_CONFIG"),
		"Path to a YAML or TOML config file")
}

var rootCmd = &cobra.Command{
	Use:           "creditledger",
	Short:         "Operate the credit ledger",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal outside local development.
		_ = godotenv.Load()

		if configPath == "" {
			cfg = creditledger.DefaultConfig()
		} else {
			var err error
			if cfg, err = creditledger.LoadConfig(configPath); err != nil {
				return err
			}
		}
		logger = newLogger(cfg.Log)
		slog.SetDefault(logger)
		return nil
	},
}

func newLogger(c creditledger.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ledger bundles an engine with the store it runs on.
type ledger struct {
	engine *creditledger.Engine
	store  creditledger.Store
	close  func() error
}

func openLedger(ctx context.Context, m creditledger.Meter) (*ledger, error) {
	store, closeFn, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = meter.NewLogMeter(logger)
	}
	engine, err := creditledger.NewEngine(store,
		creditledger.WithTiers(cfg.Tiers),
		creditledger.WithLogger(logger),
		creditledger.WithMeter(m),
	)
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	return &ledger{engine: engine, store: store, close: closeFn}, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
