// tollgate-cli - Command-line interface for tollgate operations
//
// This tool provides administrative operations including:
// - Balance management (get, credit)
// - Ledger event listing
// - Admin operations (sync, verify integrity, prune events)
//
// It reads the same environment (or TOLLGATE_CONFIG file) as the server and
// opens the configured ledger backend directly.
//
// Usage:
//
//	tollgate-cli balance get --wallet-address 0xabc
//	tollgate-cli balance credit --wallet-address 0xabc --amount 500 --idempotency-key refund-42
//	tollgate-cli events list --wallet-address 0xabc
//	tollgate-cli admin sync-all
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelpejol/tollgate/internal/backend"
	"github.com/kelpejol/tollgate/internal/config"
	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set during build
var Version = "dev"

// errNoSyncer is returned by admin commands that need the redis journal.
var errNoSyncer = errors.New("command requires LEDGER_BACKEND=redis with a journal driver")

// cli holds state shared by every command.
type cli struct {
	verbose bool
	log     zerolog.Logger
	cfg     *config.Config
	backend *backend.Backend
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "tollgate-cli",
		Short: "tollgate CLI - administrative operations for the credit ledger",
		Long: `tollgate CLI provides administrative operations for the tollgate credit ledger.

Operations include balance lookups, manual credits, event listing and
maintenance of the Redis ledger and its journal.`,
		Version:           Version,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: c.open,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.backend != nil {
				c.backend.Close()
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(c.balanceCmd())
	rootCmd.AddCommand(c.eventsCmd())
	rootCmd.AddCommand(c.adminCmd())
	return rootCmd
}

func (c *cli) open(cmd *cobra.Command, args []string) error {
	level := zerolog.WarnLevel
	if c.verbose {
		level = zerolog.DebugLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	c.log = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.LedgerBackend == config.BackendMemory {
		c.log.Warn().Msg("memory backend selected, changes will not outlive this command")
	}
	c.cfg = cfg

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	c.backend, err = backend.Open(ctx, cfg, c.log, backend.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	return nil
}

// balanceCmd creates the balance command group
func (c *cli) balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Balance operations",
		Long:  "Inspect and adjust wallet balances",
	}

	// balance get
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Get wallet balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, _ := cmd.Flags().GetString("wallet-address")

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			acct, err := c.backend.Store.GetAccount(ctx, identity)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), acct)
		},
	}
	getCmd.Flags().String("wallet-address", "", "Wallet address (required)")
	getCmd.MarkFlagRequired("wallet-address")

	// balance credit
	creditCmd := &cobra.Command{
		Use:   "credit",
		Short: "Grant credits",
		Long: `Grant credits to a wallet.

The idempotency key names the grant: running the same command twice with the
same key credits once. Use it to re-apply a refund that failed, with the
refund event id from the server log as the key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, _ := cmd.Flags().GetString("wallet-address")
			amount, _ := cmd.Flags().GetInt64("amount")
			key, _ := cmd.Flags().GetString("idempotency-key")

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			res, err := c.backend.Store.Credit(ctx, identity, amount, key)
			if err != nil {
				return fmt.Errorf("failed to credit: %w", err)
			}
			if err := c.flushJournal(cmd.Context()); err != nil {
				return err
			}

			status := "credited"
			if !res.Applied {
				status = "duplicate"
				c.log.Warn().Str("event_id", key).Msg("idempotency key already applied, balance unchanged")
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"status":         status,
				"event_id":       key,
				"wallet_address": res.Account.Identity,
				"balance":        res.Account.Balance,
				"consumed":       res.Account.Consumed,
			})
		},
	}
	creditCmd.Flags().String("wallet-address", "", "Wallet address (required)")
	creditCmd.Flags().Int64("amount", 0, "Credits to grant (required)")
	creditCmd.Flags().String("idempotency-key", "", "Event id for this grant (required)")
	creditCmd.MarkFlagRequired("wallet-address")
	creditCmd.MarkFlagRequired("amount")
	creditCmd.MarkFlagRequired("idempotency-key")

	cmd.AddCommand(getCmd, creditCmd)
	return cmd
}

// eventsCmd creates the events command group
func (c *cli) eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Ledger events",
		Long:  "View applied debits and credits",
	}

	// events list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent events for a wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, _ := cmd.Flags().GetString("wallet-address")
			limit, _ := cmd.Flags().GetInt("limit")

			lister, ok := c.backend.Store.(ledger.EventLister)
			if !ok {
				return fmt.Errorf("ledger backend %s does not list events", c.cfg.LedgerBackend)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			events, err := lister.ListEvents(ctx, identity, limit)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			if events == nil {
				events = []ledger.EventRecord{}
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	listCmd.Flags().String("wallet-address", "", "Wallet address (required)")
	listCmd.Flags().Int("limit", 20, "Maximum number of events to return")
	listCmd.MarkFlagRequired("wallet-address")

	cmd.AddCommand(listCmd)
	return cmd
}

// adminCmd creates the admin command group
func (c *cli) adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
		Long:  "Maintenance of the Redis ledger and its journal",
	}

	// admin sync-all
	syncCmd := &cobra.Command{
		Use:   "sync-all",
		Short: "Restore accounts missing from Redis from the journal snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.backend.Syncer == nil {
				return errNoSyncer
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			restored, err := c.backend.Syncer.InitializeRedis(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{"restored": restored})
		},
	}

	// admin verify-integrity
	verifyCmd := &cobra.Command{
		Use:   "verify-integrity",
		Short: "Compare a sample of Redis balances with the journal snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.backend.Syncer == nil {
				return errNoSyncer
			}
			sample, _ := cmd.Flags().GetInt("sample")

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			report, err := c.backend.Syncer.VerifyIntegrity(ctx, sample)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if n := report.Discrepancies(); n > 0 {
				return fmt.Errorf("%d discrepancies detected", n)
			}
			return nil
		},
	}
	verifyCmd.Flags().Int("sample", 100, "Number of accounts to sample")

	// admin prune-events
	pruneCmd := &cobra.Command{
		Use:   "prune-events",
		Short: "Forget idempotency records older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.backend.Pruner == nil {
				return fmt.Errorf("ledger backend %s expires events on its own", c.cfg.LedgerBackend)
			}
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan <= 0 {
				olderThan = c.cfg.EventRetention
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			pruned, err := c.backend.Pruner.PruneEvents(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("prune failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"pruned":     pruned,
				"older_than": olderThan.String(),
			})
		},
	}
	pruneCmd.Flags().Duration("older-than", 0, "Age cutoff (default EVENT_RETENTION)")

	cmd.AddCommand(syncCmd, verifyCmd, pruneCmd)
	return cmd
}

// flushJournal waits for the write-behind journal so a one-shot command does
// not exit with its entry still queued.
func (c *cli) flushJournal(ctx context.Context) error {
	if c.backend.Journal == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.backend.Journal.Flush(ctx); err != nil {
		return fmt.Errorf("journal flush failed: %w", err)
	}
	return nil
}

// Helpers

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
