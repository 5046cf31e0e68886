package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tosgate/internal/gitrepo"
	"tosgate/internal/tos"
)

var newestCmd = &cobra.Command{
	Use:     "newest",
	Short:   "Show the newest revision users must accept",
	GroupID: "terms",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := requireDocument()
		if err != nil {
			return err
		}
		newest, found, err := tos.NewestQualifying(cmd.Context(), docs, doc, cfg.Terms.HistoryBatch)
		if err != nil {
			return err
		}
		if jsonOutput {
			out := map[string]any{"document": doc, "found": found}
			if found {
				out["revision"] = newest
			}
			return printJSON(out)
		}
		if !found {
			fmt.Printf("%s: no create or edit revisions; the gate is inactive\n", doc)
			return nil
		}
		fmt.Printf("%s: revision %d (%s)\n", doc, newest, time.Unix(int64(newest), 0).UTC().Format(time.RFC3339))
		return nil
	},
}

var historyOldestFirst bool

var historyCmd = &cobra.Command{
	Use:     "history",
	Short:   "List revisions of the terms document",
	GroupID: "terms",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := requireDocument()
		if err != nil {
			return err
		}
		dir := tos.NewestFirst
		if historyOldestFirst {
			dir = tos.OldestFirst
		}
		ids, err := docs.ListRevisions(cmd.Context(), doc, 0, 0, dir)
		if err != nil {
			return err
		}
		revisions := make([]tos.Revision, 0, len(ids))
		for _, id := range ids {
			rev, err := docs.RevisionInfo(cmd.Context(), doc, id)
			if err != nil {
				return err
			}
			revisions = append(revisions, rev)
		}
		if jsonOutput {
			return printJSON(revisions)
		}
		if len(revisions) == 0 {
			fmt.Println("No revisions.")
			return nil
		}
		for _, rev := range revisions {
			marker := " "
			if rev.Type.Qualifies() {
				marker = "*"
			}
			fmt.Printf("%s %d  %-7s %s\n", marker, rev.ID, rev.Type, time.Unix(int64(rev.ID), 0).UTC().Format(time.RFC3339))
		}
		return nil
	},
}

var (
	publishType    string
	publishFile    string
	publishTitle   string
	publishMessage string
	publishAuthor  string
)

var publishCmd = &cobra.Command{
	Use:     "publish --file <path>",
	Short:   "Commit a new revision of the terms document",
	GroupID: "terms",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := requireDocument()
		if err != nil {
			return err
		}
		if publishFile == "" {
			return fmt.Errorf("--file is required")
		}
		body, err := os.ReadFile(publishFile)
		if err != nil {
			return err
		}
		title := strings.TrimSpace(publishTitle)
		if title == "" {
			title = cfg.Terms.SeedTitle
		}
		content := gitrepo.Content{Title: title, Body: string(body)}

		has, err := docs.HasRevisions(cmd.Context(), doc)
		if err != nil {
			return err
		}
		if !has {
			if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
				return err
			}
			if err := docs.EnsureDocumentRepo(doc, content, publishAuthor, time.Now()); err != nil {
				return err
			}
			fmt.Printf("Created %s\n", doc)
			return nil
		}

		changeType := tos.ParseChangeType(publishType)
		message := publishMessage
		if message == "" {
			message = "Update " + title
		}
		rev, err := docs.CommitRevision(doc, content, publishAuthor, message, changeType, time.Now())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(rev)
		}
		fmt.Printf("Published revision %d (%s)\n", rev.ID, rev.Type)
		if !rev.Type.Qualifies() {
			fmt.Println("Users will not be asked to accept this revision.")
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().BoolVar(&historyOldestFirst, "oldest-first", false, "list the oldest revision first")

	publishCmd.Flags().StringVar(&publishType, "type", string(tos.ChangeEdit), "change type (create, edit, minor, delete, revert)")
	publishCmd.Flags().StringVar(&publishFile, "file", "", "file with the new document body")
	publishCmd.Flags().StringVar(&publishTitle, "title", "", "document title")
	publishCmd.Flags().StringVarP(&publishMessage, "message", "m", "", "commit message")
	publishCmd.Flags().StringVar(&publishAuthor, "author", "tosctl", "author recorded on the revision")
}
