package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kelpejol/convoy/internal/api"
	"github.com/kelpejol/convoy/internal/money"
	balancesync "github.com/kelpejol/convoy/internal/sync"
)

// accountsCmd creates the accounts command group
func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Account management",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account with an opening balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("account-id")
			opening, _ := cmd.Flags().GetString("opening")

			amount, err := money.Parse(opening)
			if err != nil {
				return fmt.Errorf("invalid opening balance: %w", err)
			}

			ctx, cancel := timeout(5 * time.Second)
			defer cancel()

			acct, err := st.CreateAccount(ctx, id, amount)
			if err != nil {
				return err
			}
			printJSON(acct)
			return nil
		},
	}
	createCmd.Flags().String("account-id", "", "Account ID (required)")
	createCmd.Flags().String("opening", "0", "Opening balance as a decimal")
	createCmd.MarkFlagRequired("account-id")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts ordered by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			after, _ := cmd.Flags().GetString("after")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := timeout(10 * time.Second)
			defer cancel()

			accts, err := st.ListAccounts(ctx, after, limit)
			if err != nil {
				return err
			}
			printJSON(accts)
			return nil
		},
	}
	listCmd.Flags().String("after", "", "List accounts after this id")
	listCmd.Flags().Int("limit", 20, "Maximum number of accounts to return")

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

// balanceCmd creates the balance command group
func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Balance operations",
		Long:  "Inspect and credit account balances",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Get account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("account-id")

			ctx, cancel := timeout(5 * time.Second)
			defer cancel()

			durable, err := st.GetAccount(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			result := map[string]interface{}{
				"account_id": id,
				"balance":    durable.Balance.String(),
				"version":    durable.Version,
				"updated_at": durable.UpdatedAt.Format(time.RFC3339),
			}
			net, err := st.SumCharges(ctx, id)
			if err != nil {
				return err
			}
			result["net_charged"] = net.String()
			if cached, ok := layer.Accounts.Peek(ctx, id); ok {
				result["cached_balance"] = cached.Balance.String()
				result["cached_version"] = cached.Version
			}

			printJSON(result)
			return nil
		},
	}
	getCmd.Flags().String("account-id", "", "Account ID (required)")
	getCmd.MarkFlagRequired("account-id")

	creditCmd := &cobra.Command{
		Use:   "credit",
		Short: "Add balance (top-up or refund)",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("account-id")
			amountStr, _ := cmd.Flags().GetString("amount")
			opID, _ := cmd.Flags().GetString("operation-id")
			description, _ := cmd.Flags().GetString("description")

			amount, err := money.Parse(amountStr)
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			if opID == "" {
				opID = "credit:" + uuid.NewString()
			}

			ctx, cancel := timeout(10 * time.Second)
			defer cancel()

			res, err := ldgr.Credit(ctx, id, opID, amount, description)
			if err != nil {
				return err
			}

			printJSON(map[string]interface{}{
				"account_id":   id,
				"operation_id": opID,
				"applied":      res.Applied,
				"balance":      res.Balance.String(),
				"version":      res.Version,
			})
			if !res.Applied {
				log.Warn().Str("operation_id", opID).Msg("operation already applied, balance unchanged")
			}
			return nil
		},
	}
	creditCmd.Flags().String("account-id", "", "Account ID (required)")
	creditCmd.Flags().String("amount", "", "Amount as a decimal, e.g. 5.00 (required)")
	creditCmd.Flags().String("operation-id", "", "Idempotency key (default: random)")
	creditCmd.Flags().String("description", "CLI credit", "Charge description")
	creditCmd.MarkFlagRequired("account-id")
	creditCmd.MarkFlagRequired("amount")

	cmd.AddCommand(getCmd, creditCmd)
	return cmd
}

// chargesCmd creates the charges command group
func chargesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "charges",
		Short: "Charge history",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent charges for an account, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("account-id")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := timeout(10 * time.Second)
			defer cancel()

			charges, err := st.ListCharges(ctx, id, limit)
			if err != nil {
				return err
			}
			printJSON(charges)
			return nil
		},
	}
	listCmd.Flags().String("account-id", "", "Account ID (required)")
	listCmd.Flags().Int("limit", 20, "Maximum number of charges to return")
	listCmd.MarkFlagRequired("account-id")

	showCmd := &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Show the charge recorded under an operation id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := timeout(5 * time.Second)
			defer cancel()

			c, err := ldgr.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(c)
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

// historyCmd creates the history command group
func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Conversation history",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the most recent messages of a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, _ := cmd.Flags().GetString("conversation-id")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := timeout(10 * time.Second)
			defer cancel()

			msgs, err := st.RecentMessages(ctx, conv, limit)
			if err != nil {
				return err
			}
			printJSON(msgs)
			return nil
		},
	}
	showCmd.Flags().String("conversation-id", "", "Conversation ID (required)")
	showCmd.Flags().Int("limit", 50, "Maximum number of messages to return")
	showCmd.MarkFlagRequired("conversation-id")

	cmd.AddCommand(showCmd)
	return cmd
}

// conversationsCmd creates the conversations command group. These commands
// call a running server.
func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "Live conversation state (via gRPC)",
	}
	cmd.PersistentFlags().String("server", "", "Server address (default: localhost:<grpc_port>)")

	call := func(cmd *cobra.Command, method string) error {
		server, _ := cmd.Flags().GetString("server")
		if server == "" {
			server = "localhost:" + cfg.GRPCPort
		}
		conv, _ := cmd.Flags().GetString("conversation-id")

		conn, err := grpc.NewClient(server, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", server, err)
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		var resp map[string]interface{}
		if err := api.NewClient(conn).Call(ctx, method, map[string]string{"conversation_id": conv}, &resp); err != nil {
			return err
		}
		printJSON(resp)
		return nil
	}

	statusCmd := &cobra.Command{
		Use:         "status",
		Short:       "Show queued and in-flight batches of a conversation",
		Annotations: map[string]string{remote: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, api.MethodConversationStatus)
		},
	}

	cancelCmd := &cobra.Command{
		Use:         "cancel",
		Short:       "Cancel the in-flight batch of a conversation",
		Annotations: map[string]string{remote: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, api.MethodCancel)
		},
	}

	for _, c := range []*cobra.Command{statusCmd, cancelCmd} {
		c.Flags().String("conversation-id", "", "Conversation ID (required)")
		c.MarkFlagRequired("conversation-id")
	}

	cmd.AddCommand(statusCmd, cancelCmd)
	return cmd
}

// adminCmd creates the admin command group
func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
		Long:  "Schema migration and cache maintenance",
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := timeout(time.Minute)
			defer cancel()

			if err := st.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Str("driver", st.Driver()).Msg("schema up to date")
			return nil
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync-all",
		Short: "Load every account balance from the store into Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !layer.Enabled() {
				return fmt.Errorf("redis is not configured")
			}
			syncer := balancesync.NewSyncer(st, layer.Accounts, cfg.Sync, nil, log.Logger)

			ctx, cancel := timeout(2 * time.Minute)
			defer cancel()

			log.Info().Msg("starting full sync")
			n, err := syncer.InitializeCache(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			log.Info().Int("accounts", n).Msg("sync complete")
			return nil
		},
	}

	syncOneCmd := &cobra.Command{
		Use:   "sync-account",
		Short: "Refresh one account's cached balance from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("account-id")
			syncer := balancesync.NewSyncer(st, layer.Accounts, cfg.Sync, nil, log.Logger)

			ctx, cancel := timeout(10 * time.Second)
			defer cancel()

			acct, err := syncer.SyncAccount(ctx, id)
			if err != nil {
				return err
			}
			printJSON(acct)
			return nil
		},
	}
	syncOneCmd.Flags().String("account-id", "", "Account ID (required)")
	syncOneCmd.MarkFlagRequired("account-id")

	verifyCmd := &cobra.Command{
		Use:   "verify-integrity",
		Short: "Compare cached balances with the store and correct mismatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !layer.Enabled() {
				return fmt.Errorf("redis is not configured")
			}
			sample, _ := cmd.Flags().GetInt("sample")
			syncer := balancesync.NewSyncer(st, layer.Accounts, cfg.Sync, nil, log.Logger)

			ctx, cancel := timeout(2 * time.Minute)
			defer cancel()

			n, err := syncer.VerifyIntegrity(ctx, sample)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}

			printJSON(map[string]interface{}{"discrepancies": n})
			if n > 0 {
				log.Warn().Int("discrepancies", n).Msg("balance mismatches found and corrected")
				return fmt.Errorf("%d balance mismatches detected", n)
			}

			log.Info().Msg("balance integrity verified")
			return nil
		},
	}
	verifyCmd.Flags().Int("sample", 0, "Number of accounts to sample (default: sync.sample_size)")

	cmd.AddCommand(migrateCmd, syncCmd, syncOneCmd, verifyCmd)
	return cmd
}
