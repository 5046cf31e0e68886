package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tosgate/internal/config"
	"tosgate/internal/gitrepo"
)

var (
	jsonOutput bool
	documentID string

	cfg  config.Config
	docs *gitrepo.Service
)

var rootCmd = &cobra.Command{
	Use:           "tosctl <command>",
	Short:         "Inspect and publish the terms of service document",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		if documentID != "" {
			cfg.Terms.DocumentID = documentID
		}
		docs = gitrepo.New(cfg.ReposDir)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().StringVar(&documentID, "document", "", "terms document ID (defaults to TOS_DOCUMENT_ID)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "terms", Title: "Terms:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)
	rootCmd.AddCommand(newestCmd, historyCmd, publishCmd, statusCmd, acceptancesCmd, migrateCmd)
}

func requireDocument() (string, error) {
	if cfg.Terms.DocumentID == "" {
		return "", fmt.Errorf("no terms document configured (set TOS_DOCUMENT_ID or --document)")
	}
	return cfg.Terms.DocumentID, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
