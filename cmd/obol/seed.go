package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/obol/internal/auth"
	"github.com/alecgard/obol/internal/config"
	"github.com/alecgard/obol/internal/ledger"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo account with a starting credit grant",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := ledger.NewStore(pool, cfg.Billing.MinBalanceThreshold, cfg.Billing.MaxAdjustment)

	// Check if seed has already run.
	existing, _, err := store.ListTransactions(ctx, ledger.Query{Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing data: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	acct, err := store.CreateAccount(ctx, ledger.CreateAccountInput{
		Name:         "demo-account",
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
	})
	if err != nil {
		return fmt.Errorf("creating demo account: %w", err)
	}

	// Grant the opening balance through the ledger so a transaction explains it.
	grant, err := store.Adjust(ctx, ledger.AdjustInput{
		AccountID: acct.ID,
		Amount:    100,
		Reason:    "seed: opening grant",
	})
	if err != nil {
		return fmt.Errorf("granting opening balance: %w", err)
	}

	slog.Info("created demo account", "id", acct.ID, "name", acct.Name, "grant_txn", grant.ID)
	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Account:   %s (%s)\n", acct.Name, acct.ID)
	fmt.Printf("Balance:   100.00 credits\n")
	fmt.Printf("API Key:   %s\n", plaintext)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost:8080/api/v1/accounts/me/balance\n", plaintext)
	fmt.Printf("  curl -N -X POST -H 'Authorization: Bearer %s' -H 'Content-Type: application/json' \\\n", plaintext)
	fmt.Printf("    -d '{\"prompt\":\"hello obol\",\"model_id\":\"echo-1\"}' http://localhost:8080/api/v1/completions\n")

	return nil
}
