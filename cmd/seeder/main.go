// Package main migrates the store and seeds accounts from a YAML file.
//
//	seeder -config convoy.yaml -seed seed.yaml
//
// Seed file format:
//
//	accounts:
//	  - id: acct_demo
//	    opening: "10.00"
//
// Seeding is idempotent: existing accounts keep their balance.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kelpejol/convoy/internal/config"
	"github.com/kelpejol/convoy/internal/money"
	"github.com/kelpejol/convoy/internal/store"
)

// Seed is the seed file document.
type Seed struct {
	Accounts []SeedAccount `yaml:"accounts"`
}

// SeedAccount is one account to create.
type SeedAccount struct {
	ID      string       `yaml:"id"`
	Opening money.Amount `yaml:"opening"`
}

func main() {
	var configPath, seedPath string

	cmd := &cobra.Command{
		Use:           "seeder",
		Short:         "Migrate the store and seed accounts",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			seed, err := loadSeed(seedPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			return run(ctx, cfg.Database, seed, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONVOY_CONFIG"), "Path to a YAML config file")
	cmd.Flags().StringVarP(&seedPath, "seed", "s", "seed.yaml", "Path to the seed file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadSeed(path string) (Seed, error) {
	var seed Seed
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("read seed file: %w", err)
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return seed, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i, a := range seed.Accounts {
		if a.ID == "" {
			return seed, fmt.Errorf("seed account %d has no id", i)
		}
	}
	return seed, nil
}

func run(ctx context.Context, db config.DatabaseConfig, seed Seed, logger zerolog.Logger) error {
	st, err := store.Open(ctx, db, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	logger.Info().Str("driver", db.Driver).Msg("running migrations")
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	for _, a := range seed.Accounts {
		acct, err := st.CreateAccount(ctx, a.ID, a.Opening)
		if err != nil {
			return err
		}
		logger.Info().
			Str("account_id", acct.ID).
			Str("balance", acct.Balance.String()).
			Msg("account seeded")
	}

	logger.Info().Int("accounts", len(seed.Accounts)).Msg("seeding complete")
	return nil
}
