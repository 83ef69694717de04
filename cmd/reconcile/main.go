/**
 * @description
 * One-shot balance reconciliation for operators. It runs the same drift
 * query as the scheduled job against the configured database, prints every
 * drifted account and exits non-zero when any was found.
 *
 * Usage:
 *   go run ./cmd/reconcile [account-number ...]
 *
 * Example:
 *   go run ./cmd/reconcile 1234567890
 *
 * @dependencies
 * - github.com/joho/godotenv: loads a local .env into the process environment.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/config, internal/store.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/thrifty/ledger-service/internal/config"
	"github.com/thrifty/ledger-service/internal/domain"
	"github.com/thrifty/ledger-service/internal/store"
)

func main() {
	// Load environment variables from .env files if they exist
	_ = godotenv.Load("../.env")
	_ = godotenv.Load(".env")

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres || strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatal("DATABASE_URL with STORE_DRIVER=postgres is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	isolation, err := store.ParseIsolationLevel(cfg.TxIsolation)
	if err != nil {
		log.Fatalf("Invalid TX_ISOLATION: %v", err)
	}
	repo := store.NewPostgresRepository(pool, isolation)

	fmt.Println("Checking balances against the transaction log...")
	drifts, err := repo.FindAccountsWithBalanceDrift(ctx)
	if err != nil {
		log.Fatalf("Failed to query balance drift: %v", err)
	}
	drifts = filterDrifts(drifts, os.Args[1:])

	if len(drifts) == 0 {
		fmt.Println("No balance drift found.")
		return
	}

	fmt.Printf("Found %d drifted account(s):\n", len(drifts))
	for _, drift := range drifts {
		fmt.Printf("  %s\n", describeDrift(drift))
	}
	os.Exit(1)
}

// filterDrifts keeps the requested account numbers; no numbers keeps all.
func filterDrifts(drifts []domain.BalanceDrift, numbers []string) []domain.BalanceDrift {
	if len(numbers) == 0 {
		return drifts
	}
	wanted := make(map[string]struct{}, len(numbers))
	for _, number := range numbers {
		wanted[strings.TrimSpace(number)] = struct{}{}
	}
	var out []domain.BalanceDrift
	for _, drift := range drifts {
		if _, ok := wanted[drift.AccountNumber]; ok {
			out = append(out, drift)
		}
	}
	return out
}

func describeDrift(drift domain.BalanceDrift) string {
	line := fmt.Sprintf("%s balance=%s book=%s",
		drift.AccountNumber,
		drift.AccountBalance.StringFixed(domain.MoneyScale),
		drift.BookBalance.StringFixed(domain.MoneyScale),
	)
	if drift.LastSnapshot != nil {
		line += " last_snapshot=" + drift.LastSnapshot.StringFixed(domain.MoneyScale)
	}
	if drift.LastSnapshotRef != nil {
		line += " ref=" + *drift.LastSnapshotRef
	}
	return line
}
