package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tosgate/internal/gitrepo"
	"tosgate/internal/storage/acceptbolt"
	"tosgate/internal/tos"
)

func runCLI(t *testing.T, args ...string) {
	t.Helper()
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("tosctl %v: %v", args, err)
	}
}

func TestPublishCreatesThenRevises(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOSGATE_CONFIG", "")
	t.Setenv("TOSGATE_REPOS_DIR", filepath.Join(dir, "repos"))
	t.Setenv("TOS_DOCUMENT_ID", "terms")

	bodyFile := filepath.Join(dir, "terms.md")
	if err := os.WriteFile(bodyFile, []byte("1. Be nice."), 0o644); err != nil {
		t.Fatal(err)
	}
	runCLI(t, "publish", "--file", bodyFile)

	if err := os.WriteFile(bodyFile, []byte("1. Be nice!"), 0o644); err != nil {
		t.Fatal(err)
	}
	runCLI(t, "publish", "--file", bodyFile, "--type", "minor", "-m", "Fix punctuation")
	runCLI(t, "history", "--oldest-first")
	runCLI(t, "newest")

	docs := gitrepo.New(filepath.Join(dir, "repos"))
	ids, err := docs.ListRevisions(context.Background(), "terms", 0, 0, tos.OldestFirst)
	if err != nil {
		t.Fatalf("ListRevisions() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(ids))
	}
	newest, found, err := tos.NewestQualifying(context.Background(), docs, "terms", 25)
	if err != nil || !found || newest != ids[0] {
		t.Fatalf("NewestQualifying() = (%d, %t, %v), want creation %d", newest, found, err, ids[0])
	}
	content, _, err := docs.HeadContent(context.Background(), "terms")
	if err != nil || content.Body != "1. Be nice!" {
		t.Fatalf("HeadContent() = (%q, %v)", content.Body, err)
	}
}

func TestStatusWithBoltBackend(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOSGATE_CONFIG", "")
	t.Setenv("TOSGATE_REPOS_DIR", filepath.Join(dir, "repos"))
	t.Setenv("TOS_DOCUMENT_ID", "terms")
	t.Setenv("TOS_ACCEPTANCE_BACKEND", "bolt")
	t.Setenv("TOS_BOLT_PATH", filepath.Join(dir, "accept.db"))

	runCLI(t, "status", "user-1")
	runCLI(t, "acceptances", "--json")
}

func TestRequiresDocument(t *testing.T) {
	t.Setenv("TOSGATE_CONFIG", "")
	t.Setenv("TOS_DOCUMENT_ID", "")
	rootCmd.SetArgs([]string{"newest"})
	if err := rootCmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected an error without a configured document")
	}
}

func TestBoltCommandsExplainLockedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accept.db")
	t.Setenv("TOSGATE_CONFIG", "")
	t.Setenv("TOSGATE_REPOS_DIR", filepath.Join(dir, "repos"))
	t.Setenv("TOS_DOCUMENT_ID", "terms")
	t.Setenv("TOS_ACCEPTANCE_BACKEND", "bolt")
	t.Setenv("TOS_BOLT_PATH", path)

	held, err := acceptbolt.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer held.Close()

	rootCmd.SetArgs([]string{"status", "user-1"})
	err = rootCmd.ExecuteContext(context.Background())
	if !errors.Is(err, acceptbolt.ErrLocked) {
		t.Fatalf("status error = %v, want ErrLocked", err)
	}
	if !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("error should point at the alternatives, got %q", err)
	}
}
