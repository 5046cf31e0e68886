package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tosgate/internal/storage/acceptbolt"
	"tosgate/internal/store"
	"tosgate/internal/tos"
)

const boltLockWait = 500 * time.Millisecond

// acceptanceLister is satisfied by both acceptance backends.
type acceptanceLister interface {
	tos.AcceptanceStore
	List(ctx context.Context) ([]store.Acceptance, error)
}

// openAcceptances opens the configured backend for the current document. The
// returned func releases it.
func openAcceptances(ctx context.Context, doc string) (acceptanceLister, func(), error) {
	if cfg.Terms.AcceptanceBackend == "bolt" {
		boltStore, err := acceptbolt.OpenWithTimeout(cfg.Terms.BoltPath, boltLockWait)
		if errors.Is(err, acceptbolt.ErrLocked) {
			return nil, nil, fmt.Errorf("%w; the API holds the bolt file while it runs: stop it, or use GET /api/terms/status, or switch to TOS_ACCEPTANCE_BACKEND=postgres", err)
		}
		if err != nil {
			return nil, nil, err
		}
		return boltStore.Document(doc), func() { boltStore.Close() }, nil
	}
	db, err := store.OpenWithPool(ctx, cfg.DatabaseURL, store.CLIPool)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(db).AcceptanceStore(doc), func() { db.Close() }, nil
}

var statusCmd = &cobra.Command{
	Use:     "status <user-id>",
	Short:   "Show whether a user has accepted the current terms",
	GroupID: "terms",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := requireDocument()
		if err != nil {
			return err
		}
		acceptances, release, err := openAcceptances(cmd.Context(), doc)
		if err != nil {
			return err
		}
		defer release()

		gate := tos.NewGate(docs, acceptances, tos.Options{DocumentID: doc, BatchSize: cfg.Terms.HistoryBatch})
		status, err := gate.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			out := map[string]any{
				"user":     args[0],
				"document": doc,
				"required": status.Required,
			}
			if status.NewestFound {
				out["newest"] = status.Newest
			}
			if status.AcceptedFound {
				out["accepted"] = status.Accepted
			}
			return printJSON(out)
		}
		fmt.Printf("User:     %s\n", args[0])
		fmt.Printf("Document: %s\n", doc)
		if status.NewestFound {
			fmt.Printf("Newest:   %d\n", status.Newest)
		} else {
			fmt.Println("Newest:   none")
		}
		if status.AcceptedFound {
			fmt.Printf("Accepted: %s\n", formatUnix(status.Accepted))
		} else {
			fmt.Println("Accepted: never")
		}
		fmt.Printf("Required: %t\n", status.Required)
		return nil
	},
}

var acceptancesCmd = &cobra.Command{
	Use:     "acceptances",
	Short:   "List recorded acceptances of the terms document",
	GroupID: "terms",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := requireDocument()
		if err != nil {
			return err
		}
		acceptances, release, err := openAcceptances(cmd.Context(), doc)
		if err != nil {
			return err
		}
		defer release()

		items, err := acceptances.List(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("No acceptances recorded.")
			return nil
		}
		for _, item := range items {
			fmt.Printf("%-36s %s\n", item.UserID, formatUnix(item.AcceptedAt))
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:     "migrate [up|down]",
	Short:   "Apply or revert the database schema",
	GroupID: "system",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}
		db, err := store.OpenWithPool(cmd.Context(), cfg.DatabaseURL, store.CLIPool)
		if err != nil {
			return err
		}
		defer db.Close()

		var apply func(*sql.DB) error
		switch direction {
		case "up":
			apply = store.ApplyMigrations
		case "down":
			apply = store.RevertMigrations
		default:
			return fmt.Errorf("unknown direction %q (must be up or down)", direction)
		}
		if err := apply(db); err != nil {
			return err
		}
		fmt.Printf("Migrations %s: done\n", direction)
		return nil
	},
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
