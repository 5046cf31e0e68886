package gitrepo

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"tosgate/internal/tos"
)

const (
	contentFile   = "content.json"
	mainBranch    = "main"
	changeTrailer = "Change-Type:"
)

var ErrRevisionNotFound = errors.New("revision not found")

type Content struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Service stores each document as a git repository. Every commit on main is
// one revision; its ID is the commit time in Unix seconds.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

type revisionEntry struct {
	revision tos.Revision
	commit   *object.Commit
}

func (s *Service) EnsureDocumentRepo(documentID string, initial Content, author string, when time.Time) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writeContent(path, initial); err != nil {
		return err
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return fmt.Errorf("git add initial content: %w", err)
	}
	hash, err := worktree.Commit(revisionMessage("Publish initial version", tos.ChangeCreate), &git.CommitOptions{
		Author: signature(author, when),
	})
	if err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitRevision appends a revision to the document. Revision IDs must be
// strictly increasing, so a commit time at or before the current head is
// moved to one second after it.
func (s *Service) CommitRevision(documentID string, content Content, author, message string, changeType tos.ChangeType, when time.Time) (tos.Revision, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return tos.Revision{}, fmt.Errorf("open repo: %w", err)
	}

	head, err := headCommit(repo)
	if err != nil {
		return tos.Revision{}, err
	}
	if when.IsZero() {
		when = time.Now()
	}
	if when.Unix() <= head.Author.When.Unix() {
		when = time.Unix(head.Author.When.Unix()+1, 0)
	}

	if err := checkoutMain(repo); err != nil {
		return tos.Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return tos.Revision{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeContent(worktree.Filesystem.Root(), content); err != nil {
		return tos.Revision{}, err
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return tos.Revision{}, fmt.Errorf("git add content: %w", err)
	}
	hash, err := worktree.Commit(revisionMessage(message, changeType), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author, when),
	})
	if err != nil {
		return tos.Revision{}, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return tos.Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

func (s *Service) HasRevisions(ctx context.Context, documentID string) (bool, error) {
	ids, err := s.ListRevisions(ctx, documentID, 0, 1, tos.NewestFirst)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

func (s *Service) ListRevisions(ctx context.Context, documentID string, offset, limit int, dir tos.Direction) ([]tos.RevisionID, error) {
	if offset < 0 {
		offset = 0
	}
	stop := 0
	if dir == tos.NewestFirst && limit > 0 {
		stop = offset + limit
	}
	entries, err := s.walk(ctx, documentID, stop)
	if err != nil {
		return nil, err
	}
	if dir == tos.OldestFirst {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	if offset >= len(entries) {
		return nil, nil
	}
	end := len(entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	ids := make([]tos.RevisionID, 0, end-offset)
	for _, entry := range entries[offset:end] {
		ids = append(ids, entry.revision.ID)
	}
	return ids, nil
}

func (s *Service) RevisionInfo(ctx context.Context, documentID string, id tos.RevisionID) (tos.Revision, error) {
	entry, err := s.find(ctx, documentID, func(rev tos.RevisionID) bool { return rev == id })
	if err != nil {
		return tos.Revision{}, err
	}
	return entry.revision, nil
}

// RevisionAtOrBefore returns the newest revision created at or before ts.
func (s *Service) RevisionAtOrBefore(ctx context.Context, documentID string, ts int64) (tos.RevisionID, bool, error) {
	entry, err := s.find(ctx, documentID, func(rev tos.RevisionID) bool { return int64(rev) <= ts })
	if errors.Is(err, ErrRevisionNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return entry.revision.ID, true, nil
}

func (s *Service) ContentAt(ctx context.Context, documentID string, id tos.RevisionID) (Content, error) {
	entry, err := s.find(ctx, documentID, func(rev tos.RevisionID) bool { return rev == id })
	if err != nil {
		return Content{}, err
	}
	return readContentFromCommit(entry.commit)
}

// HeadContent returns the current state of the document, which is the state
// after the newest revision of any change type.
func (s *Service) HeadContent(ctx context.Context, documentID string) (Content, tos.Revision, error) {
	entries, err := s.walk(ctx, documentID, 1)
	if err != nil {
		return Content{}, tos.Revision{}, err
	}
	if len(entries) == 0 {
		return Content{}, tos.Revision{}, ErrRevisionNotFound
	}
	content, err := readContentFromCommit(entries[0].commit)
	if err != nil {
		return Content{}, tos.Revision{}, err
	}
	return content, entries[0].revision, nil
}

func (s *Service) find(ctx context.Context, documentID string, match func(tos.RevisionID) bool) (revisionEntry, error) {
	entries, err := s.walk(ctx, documentID, 0)
	if err != nil {
		return revisionEntry{}, err
	}
	for _, entry := range entries {
		if match(entry.revision.ID) {
			return entry, nil
		}
	}
	return revisionEntry{}, ErrRevisionNotFound
}

// walk returns revisions newest first, stopping after stop entries when stop
// is positive. A missing repository has no revisions.
func (s *Service) walk(ctx context.Context, documentID string, stop int) ([]revisionEntry, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]revisionEntry, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		items = append(items, revisionEntry{revision: toRevision(commitObj), commit: commitObj})
		if stop > 0 && len(items) >= stop {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func checkoutMain(repo *git.Repository) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(mainBranch), Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", mainBranch, err)
	}
	return nil
}

func writeContent(root string, content Content) error {
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, contentFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", contentFile, err)
	}
	return nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}

	var content Content
	if err := json.Unmarshal(bytes, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func revisionMessage(message string, changeType tos.ChangeType) string {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "Update document"
	}
	return fmt.Sprintf("%s\n\n%s %s\n", message, changeTrailer, changeType)
}

// changeTypeFromMessage reads the Change-Type trailer. Commits without one
// count as regular edits.
func changeTypeFromMessage(message string) tos.ChangeType {
	scanner := bufio.NewScanner(strings.NewReader(message))
	value := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) >= len(changeTrailer) && strings.EqualFold(line[:len(changeTrailer)], changeTrailer) {
			value = line[len(changeTrailer):]
		}
	}
	return tos.ParseChangeType(value)
}

func toRevision(commitObj *object.Commit) tos.Revision {
	return tos.Revision{
		ID:   tos.RevisionID(commitObj.Author.When.Unix()),
		Type: changeTypeFromMessage(commitObj.Message),
	}
}

func signature(author string, when time.Time) *object.Signature {
	if when.IsZero() {
		when = time.Now()
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.tosgate.dev", sanitizeEmail(author)),
		When:  when,
	}
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}
