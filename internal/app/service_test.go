package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tosgate/internal/config"
	"tosgate/internal/gitrepo"
	"tosgate/internal/store"
	"tosgate/internal/tos"
)

type fakeStore struct {
	users          map[string]store.User
	refresh        map[string]string
	revokedAccess  map[string]bool
	revokedRefresh []string

	pingFn                 func(context.Context) error
	revokeAccessErr        error
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         make(map[string]store.User),
		refresh:       make(map[string]string),
		revokedAccess: make(map[string]bool),
	}
}

func (f *fakeStore) addUser(user store.User) store.User {
	f.users[user.ID] = user
	return user
}

func (f *fakeStore) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	for _, user := range f.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	id := "user-" + strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	return f.addUser(store.User{ID: id, DisplayName: name, Role: "editor"}), nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.GetUserByID(ctx, userID)
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.refresh, tokenHash)
	f.revokedRefresh = append(f.revokedRefresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	if f.revokeAccessErr != nil {
		return f.revokeAccessErr
	}
	f.revokedAccess[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return f.revokedAccess[jti], nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeAcceptances struct {
	values map[string]int64
	getErr error
	setErr error
}

func newFakeAcceptances() *fakeAcceptances {
	return &fakeAcceptances{values: make(map[string]int64)}
}

func (f *fakeAcceptances) Get(_ context.Context, userID string) (int64, bool, error) {
	if f.getErr != nil {
		return 0, false, f.getErr
	}
	value, ok := f.values[userID]
	return value, ok, nil
}

func (f *fakeAcceptances) Set(_ context.Context, userID string, acceptedAt int64) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.values[userID] = acceptedAt
	return nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		Terms: config.TermsConfig{
			DocumentID:      "terms",
			HistoryBatch:    25,
			PrivilegedRoles: []string{"admin"},
			SeedTitle:       "Terms of Service",
		},
	}
}

type testEnv struct {
	svc         *Service
	store       *fakeStore
	docs        *gitrepo.Service
	acceptances *fakeAcceptances
}

func newTestEnv(t *testing.T, configure func(*config.Config, *Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:       newFakeStore(),
		docs:        gitrepo.New(t.TempDir()),
		acceptances: newFakeAcceptances(),
	}
	cfg := testConfig()
	deps := Deps{Store: env.store, Docs: env.docs, Acceptances: env.acceptances}
	if configure != nil {
		configure(&cfg, &deps)
	}
	env.svc = New(cfg, deps)
	return env
}

// publishTerms creates the terms document one hour in the past so that an
// acceptance recorded now is strictly newer.
func (e *testEnv) publishTerms(t *testing.T, body string) {
	t.Helper()
	if err := e.docs.EnsureDocumentRepo("terms", gitrepo.Content{Title: "Terms of Service", Body: body}, "Legal", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("EnsureDocumentRepo() error = %v", err)
	}
}

func (e *testEnv) revise(t *testing.T, body string, changeType tos.ChangeType) tos.Revision {
	t.Helper()
	rev, err := e.docs.CommitRevision("terms", gitrepo.Content{Title: "Terms of Service", Body: body}, "Legal", "Revise terms", changeType, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CommitRevision() error = %v", err)
	}
	return rev
}

func (e *testEnv) session(t *testing.T, id, role string) Session {
	t.Helper()
	user := e.store.addUser(store.User{ID: id, DisplayName: id, Role: role})
	session, err := e.svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return session
}

func TestCheckRequestWithoutTermsProceeds(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.session(t, "user-1", "viewer")

	decision, err := env.svc.CheckRequest(context.Background(), session, false)
	if err != nil || decision != tos.Proceed {
		t.Fatalf("CheckRequest() = (%v, %v), want Proceed", decision, err)
	}
}

func TestCheckRequestRequiresAcceptanceThenProceeds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.publishTerms(t, "1. Be nice.")
	session := env.session(t, "user-1", "viewer")
	ctx := context.Background()

	decision, err := env.svc.CheckRequest(ctx, session, false)
	if err != nil || decision != tos.RequireAcceptance {
		t.Fatalf("first CheckRequest() = (%v, %v), want RequireAcceptance", decision, err)
	}
	if decision, err := env.svc.CheckRequest(ctx, session, true); err != nil || decision != tos.Proceed {
		t.Fatalf("accepting CheckRequest() = (%v, %v), want Proceed", decision, err)
	}
	if _, ok := env.acceptances.values["user-1"]; !ok {
		t.Fatal("acceptance was not recorded")
	}
	if decision, err := env.svc.CheckRequest(ctx, session, false); err != nil || decision != tos.Proceed {
		t.Fatalf("after acceptance CheckRequest() = (%v, %v), want Proceed", decision, err)
	}
}

func TestCheckRequestExemptRole(t *testing.T) {
	env := newTestEnv(t, nil)
	env.publishTerms(t, "1. Be nice.")
	admin := env.session(t, "admin-1", "admin")

	decision, err := env.svc.CheckRequest(context.Background(), admin, false)
	if err != nil || decision != tos.Proceed {
		t.Fatalf("CheckRequest() = (%v, %v), want Proceed", decision, err)
	}
	if _, ok := env.acceptances.values["admin-1"]; ok {
		t.Fatal("exempt user should not record an acceptance")
	}
}

func TestCheckLoginRevokesSessionWhenBlocked(t *testing.T) {
	env := newTestEnv(t, nil)
	env.publishTerms(t, "1. Be nice.")
	session := env.session(t, "user-1", "viewer")

	decision, err := env.svc.CheckLogin(context.Background(), session, false)
	if err != nil || decision != tos.RequireAcceptance {
		t.Fatalf("CheckLogin() = (%v, %v), want RequireAcceptance", decision, err)
	}
	if !env.store.revokedAccess[session.JTI] {
		t.Fatal("access token should be revoked")
	}
	if len(env.store.refresh) != 0 {
		t.Fatalf("refresh session should be revoked, still have %d", len(env.store.refresh))
	}
}

func TestCheckLoginWithAcceptance(t *testing.T) {
	env := newTestEnv(t, nil)
	env.publishTerms(t, "1. Be nice.")
	session := env.session(t, "user-1", "viewer")

	decision, err := env.svc.CheckLogin(context.Background(), session, true)
	if err != nil || decision != tos.Proceed {
		t.Fatalf("CheckLogin() = (%v, %v), want Proceed", decision, err)
	}
	if env.store.revokedAccess[session.JTI] {
		t.Fatal("admitted session must stay valid")
	}
}

func TestCheckLoginFailureTearsDownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.publishTerms(t, "1. Be nice.")
	env.acceptances.setErr = errors.New("disk full")
	session := env.session(t, "user-1", "viewer")

	_, err := env.svc.CheckLogin(context.Background(), session, true)
	if !errors.Is(err, tos.ErrStoreWrite) {
		t.Fatalf("CheckLogin() error = %v, want ErrStoreWrite", err)
	}
	if !env.store.revokedAccess[session.JTI] {
		t.Fatal("session should be revoked when the gate fails")
	}
}

func TestRenderPromptFirstTime(t *testing.T) {
	env := newTestEnv(t, nil)
	env.publishTerms(t, "1. Be nice.")
	session := env.session(t, "user-1", "viewer")

	prompt, err := env.svc.RenderPrompt(context.Background(), session)
	if err != nil {
		t.Fatalf("RenderPrompt() error = %v", err)
	}
	if prompt.Body != "1. Be nice." || prompt.Title != "Terms of Service" {
		t.Fatalf("unexpected prompt content: %+v", prompt)
	}
	if prompt.LastAccepted != nil || prompt.Diff != "" {
		t.Fatalf("first-time prompt must not include a diff: %+v", prompt)
	}
	if len(prompt.Actions) != 2 || prompt.Actions[0].Name != "decline" || prompt.Actions[1].Href != "/api/terms/accept" {
		t.Fatalf("unexpected actions: %+v", prompt.Actions)
	}
}

func TestRenderPromptShowsChangesSinceLastAcceptance(t *testing.T) {
	env := newTestEnv(t, nil)
	env.publishTerms(t, "1. Be nice.")
	session := env.session(t, "user-1", "viewer")
	ctx := context.Background()

	if _, err := env.svc.CheckRequest(ctx, session, true); err != nil {
		t.Fatalf("accept error = %v", err)
	}
	env.revise(t, "1. Be nice.\n2. Share data.", tos.ChangeEdit)

	prompt, err := env.svc.RenderPrompt(ctx, session)
	if err != nil {
		t.Fatalf("RenderPrompt() error = %v", err)
	}
	if prompt.LastAccepted == nil {
		t.Fatal("expected lastAccepted")
	}
	if !strings.Contains(prompt.Diff, "2. Share data.") || !strings.Contains(prompt.Diff, `class="diff-insert"`) {
		t.Fatalf("diff should show the inserted clause, got %q", prompt.Diff)
	}
}

func TestRenderPromptDiffIncludesTitle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.publishTerms(t, "1. Be nice.")
	session := env.session(t, "user-1", "viewer")
	ctx := context.Background()

	if _, err := env.svc.CheckRequest(ctx, session, true); err != nil {
		t.Fatalf("accept error = %v", err)
	}
	renamed := gitrepo.Content{Title: "Terms of Use", Body: "1. Be nice."}
	if _, err := env.docs.CommitRevision("terms", renamed, "Legal", "Rename", tos.ChangeEdit, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CommitRevision() error = %v", err)
	}

	prompt, err := env.svc.RenderPrompt(ctx, session)
	if err != nil {
		t.Fatalf("RenderPrompt() error = %v", err)
	}
	if !strings.Contains(prompt.Diff, "Terms of Use") || !strings.Contains(prompt.Diff, `class="diff-delete"`) {
		t.Fatalf("diff should show the title change, got %q", prompt.Diff)
	}
}

func TestRenderPromptNotConfigured(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, _ *Deps) { cfg.Terms.DocumentID = "" })
	_, err := env.svc.RenderPrompt(context.Background(), Session{UserID: "user-1"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "TERMS_NOT_CONFIGURED" {
		t.Fatalf("RenderPrompt() error = %v, want TERMS_NOT_CONFIGURED", err)
	}
}

func TestBootstrapSeedsDocument(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "terms.md")
	if err := os.WriteFile(seed, []byte("Seeded terms"), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	env := newTestEnv(t, func(cfg *config.Config, _ *Deps) { cfg.Terms.SeedFile = seed })
	ctx := context.Background()

	if err := env.svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	content, head, err := env.docs.HeadContent(ctx, "terms")
	if err != nil {
		t.Fatalf("HeadContent() error = %v", err)
	}
	if content.Body != "Seeded terms" || head.Type != tos.ChangeCreate {
		t.Fatalf("unexpected seeded document: %+v %+v", content, head)
	}

	env.revise(t, "Edited terms", tos.ChangeEdit)
	if err := env.svc.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}
	if content, _, _ := env.docs.HeadContent(ctx, "terms"); content.Body != "Edited terms" {
		t.Fatalf("Bootstrap must not reseed an existing document, body = %q", content.Body)
	}
}

func TestPublishRevision(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.session(t, "admin-1", "admin")
	ctx := context.Background()

	if _, err := env.svc.PublishRevision(ctx, admin, PublishRevisionInput{Body: "  "}); err == nil {
		t.Fatal("expected validation error for empty body")
	}
	created, err := env.svc.PublishRevision(ctx, admin, PublishRevisionInput{Body: "1. Be nice."})
	if err != nil {
		t.Fatalf("PublishRevision() create error = %v", err)
	}
	if created["changeType"] != tos.ChangeCreate {
		t.Fatalf("first revision should be a create, got %v", created["changeType"])
	}
	minor, err := env.svc.PublishRevision(ctx, admin, PublishRevisionInput{Body: "1. Be nice!", ChangeType: "minor"})
	if err != nil {
		t.Fatalf("PublishRevision() minor error = %v", err)
	}
	if minor["changeType"] != tos.ChangeMinor {
		t.Fatalf("expected minor revision, got %v", minor["changeType"])
	}

	items, err := env.svc.TermsHistory(ctx)
	if err != nil {
		t.Fatalf("TermsHistory() error = %v", err)
	}
	if len(items) != 2 || items[0]["qualifies"] != false || items[1]["qualifies"] != true {
		t.Fatalf("unexpected history: %+v", items)
	}
}

func TestLogoutLogsFailedRevocation(t *testing.T) {
	env := newTestEnv(t, nil)
	session := env.session(t, "user-1", "viewer")
	env.store.revokeAccessErr = errors.New("connection reset")

	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	if err := env.svc.Logout(context.Background(), session, session.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if !strings.Contains(buf.String(), `"event":"access_revoke_failed"`) || !strings.Contains(buf.String(), "connection reset") {
		t.Fatalf("expected a logged revocation failure, got %q", buf.String())
	}
	if len(env.store.refresh) != 0 {
		t.Fatal("refresh session should still be revoked")
	}
}
