// convoyctl - command-line interface for convoy operations
//
// This tool provides administrative operations for convoy including:
//   - Account management (create, list)
//   - Balance management (get, credit)
//   - Charge and conversation history inspection
//   - Live conversation status and cancellation (via the gRPC API)
//   - Admin operations (migrate, sync, verify integrity)
//
// Usage:
//
//	convoyctl balance get --account-id acct_123
//	convoyctl balance credit --account-id acct_123 --amount 5.00
//	convoyctl charges list --account-id acct_123
//	convoyctl conversations status --conversation-id conv_9 --server localhost:9090
//	convoyctl admin sync-all
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kelpejol/convoy/internal/cache"
	"github.com/kelpejol/convoy/internal/config"
	"github.com/kelpejol/convoy/internal/ledger"
	"github.com/kelpejol/convoy/internal/store"
)

var (
	// Version is set during build
	Version = "dev"

	// Global flags
	configPath string
	verbose    bool

	// Opened in PersistentPreRunE for local commands.
	cfg   *config.Config
	st    *store.Store
	layer *cache.Layer
	ldgr  *ledger.Ledger
)

// remote marks commands that talk to a running server instead of the store.
const remote = "remote"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:   "convoyctl",
		Short: "convoyctl - command-line interface for convoy operations",
		Long: `convoyctl provides administrative operations for convoy.

Local commands open the store (and Redis, when configured) directly; the
conversations commands call a running server over gRPC.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}

			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}

			if cmd.Annotations[remote] != "" || cmd.Name() == "help" {
				return nil
			}
			return open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if layer != nil {
				layer.Close()
			}
			if st != nil {
				st.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONVOY_CONFIG"), "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(chargesCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(conversationsCmd())
	rootCmd.AddCommand(adminCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func open(ctx context.Context) error {
	var err error
	st, err = store.Open(ctx, cfg.Database, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	layer = cache.New(cache.NewClient(ctx, cfg.Redis, log.Logger), st, cache.OptionsFromConfig(cfg.Cache), nil, log.Logger)
	ldgr = ledger.New(st, layer.Accounts, nil, log.Logger)
	return nil
}

func timeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
