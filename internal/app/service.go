package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"tosgate/internal/auth"
	"tosgate/internal/authpw"
	"tosgate/internal/config"
	"tosgate/internal/diff"
	"tosgate/internal/events"
	"tosgate/internal/gitrepo"
	"tosgate/internal/rbac"
	"tosgate/internal/store"
	"tosgate/internal/tos"
	"tosgate/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	IsExternal   bool
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

// sessionStore is the Redis side of a session: refresh tokens and the terms
// gate cache.
type sessionStore interface {
	refreshStore
	tos.Cache
}

type termsDocuments interface {
	tos.History
	EnsureDocumentRepo(string, gitrepo.Content, string, time.Time) error
	CommitRevision(string, gitrepo.Content, string, string, tos.ChangeType, time.Time) (tos.Revision, error)
	HeadContent(context.Context, string) (gitrepo.Content, tos.Revision, error)
	ContentAt(context.Context, string, tos.RevisionID) (gitrepo.Content, error)
	RevisionAtOrBefore(context.Context, string, int64) (tos.RevisionID, bool, error)
}

type passwordAuth interface {
	SignUp(context.Context, authpw.SignUpRequest) (store.User, error)
	SignIn(context.Context, authpw.SignInRequest) (store.User, error)
}

// Deps are the collaborators of a Service. Sessions and Publisher are
// optional; without Sessions refresh tokens live in Store and the gate cache
// is off.
type Deps struct {
	Store       dataStore
	Docs        termsDocuments
	Acceptances tos.AcceptanceStore
	Sessions    sessionStore
	Publisher   events.Publisher
	Passwords   passwordAuth
}

type Service struct {
	cfg         config.Config
	store       dataStore
	refresh     refreshStore
	docs        termsDocuments
	acceptances tos.AcceptanceStore
	gate        *tos.Gate
	policy      rbac.TermsPolicy
	passwords   passwordAuth
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:         cfg,
		store:       deps.Store,
		refresh:     deps.Store,
		docs:        deps.Docs,
		acceptances: deps.Acceptances,
		policy:      rbac.NewTermsPolicy(cfg.Terms.PrivilegedRoles),
		passwords:   deps.Passwords,
	}
	opts := tos.Options{
		DocumentID: cfg.Terms.DocumentID,
		BatchSize:  cfg.Terms.HistoryBatch,
		Publisher:  deps.Publisher,
	}
	if deps.Sessions != nil {
		s.refresh = deps.Sessions
		opts.Cache = deps.Sessions
		opts.UseCache = cfg.Terms.SessionCache
	} else if cfg.Terms.SessionCache {
		log.Printf(`{"component":"terms","event":"session_cache_disabled","reason":"no session store"}`)
	}
	s.gate = tos.NewGate(deps.Docs, deps.Acceptances, opts)
	return s
}

// Bootstrap seeds the terms document from the configured seed file when the
// document has no history yet.
func (s *Service) Bootstrap(ctx context.Context) error {
	documentID := s.cfg.Terms.DocumentID
	if documentID == "" {
		log.Printf(`{"component":"terms","event":"gate_inactive","reason":"no document configured"}`)
		return nil
	}
	has, err := s.docs.HasRevisions(ctx, documentID)
	if err != nil {
		return fmt.Errorf("read terms history: %w", err)
	}
	if has || s.cfg.Terms.SeedFile == "" {
		return nil
	}

	body, err := os.ReadFile(s.cfg.Terms.SeedFile)
	if err != nil {
		return fmt.Errorf("read terms seed: %w", err)
	}
	initial := gitrepo.Content{Title: s.cfg.Terms.SeedTitle, Body: string(body)}
	if err := s.docs.EnsureDocumentRepo(documentID, initial, "tosgate", time.Now()); err != nil {
		return fmt.Errorf("seed terms document: %w", err)
	}
	log.Printf(`{"component":"terms","event":"document_seeded","document_id":"%s"}`, documentID)
	return nil
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.CreateSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.CreateSession(ctx, user)
}

func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.NewClaims(user.ID, user.DisplayName, user.Role, jti, expiresAt))
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewSecret("rft", 32)
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		IsExternal:   user.IsExternal,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:      token,
		UserID:     user.ID,
		UserName:   user.DisplayName,
		Role:       user.Role,
		IsExternal: user.IsExternal,
		JTI:        claims.ID,
		ExpiresAt:  claims.ExpiresTime(),
	}, nil
}

// Logout revokes the session tokens and drops its cached gate state. It is
// also the decline action of the terms prompt.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.Printf(`{"component":"session","event":"access_revoke_failed","user_id":"%s","error":%q}`, session.UserID, err.Error())
		}
		if err := s.gate.Forget(ctx, session.JTI); err != nil {
			log.Printf(`{"component":"terms","event":"cache_forget_failed","error":%q}`, err.Error())
		}
	}
	if refreshToken != "" {
		if err := s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Printf(`{"component":"session","event":"refresh_revoke_failed","user_id":"%s","error":%q}`, session.UserID, err.Error())
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) AuthPasswordService() passwordAuth {
	return s.passwords
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) gateRequest(session Session, justAccepted bool) tos.Request {
	return tos.Request{
		UserID:         session.UserID,
		Privileged:     s.policy.Exempt(session.Role),
		SessionKey:     session.JTI,
		SessionExpires: session.ExpiresAt,
		JustAccepted:   justAccepted,
	}
}

// CheckRequest runs the terms gate before an authenticated request is served.
// justAccepted records an acceptance first.
func (s *Service) CheckRequest(ctx context.Context, session Session, justAccepted bool) (tos.Decision, error) {
	decision, err := s.gate.Decide(ctx, s.gateRequest(session, justAccepted))
	s.logDecision("request", session, justAccepted, decision, err)
	return decision, err
}

// CheckLogin runs the terms gate right after credentials were verified and a
// session was issued. Unless the outcome is Proceed the session is revoked
// before returning.
func (s *Service) CheckLogin(ctx context.Context, session Session, acceptTerms bool) (tos.Decision, error) {
	decision, err := s.gate.Decide(ctx, s.gateRequest(session, acceptTerms))
	s.logDecision("login", session, acceptTerms, decision, err)
	if err != nil || decision == tos.RequireAcceptance {
		_ = s.Logout(ctx, session, session.RefreshToken)
	}
	return decision, err
}

func (s *Service) logDecision(point string, session Session, justAccepted bool, decision tos.Decision, err error) {
	if err != nil {
		log.Printf(`{"component":"terms","event":"gate_failed","point":"%s","user_id":"%s","just_accepted":%t,"error":%q}`,
			point, session.UserID, justAccepted, err.Error())
		return
	}
	log.Printf(`{"component":"terms","event":"decision","point":"%s","user_id":"%s","just_accepted":%t,"decision":"%s"}`,
		point, session.UserID, justAccepted, decision)
}

// TermsActive reports whether the gate currently asks anything of users.
func (s *Service) TermsActive(ctx context.Context) (bool, error) {
	if s.gate.DocumentID() == "" {
		return false, nil
	}
	_, found, err := tos.NewestQualifying(ctx, s.docs, s.gate.DocumentID(), s.cfg.Terms.HistoryBatch)
	if err != nil {
		return false, fmt.Errorf("%w: %w", tos.ErrHistoryRead, err)
	}
	return found, nil
}

type PromptAction struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Method string `json:"method"`
	Href   string `json:"href"`
}

type Prompt struct {
	DocumentID   string         `json:"documentId"`
	Title        string         `json:"title"`
	Body         string         `json:"body"`
	Revision     tos.RevisionID `json:"revision"`
	LastAccepted *int64         `json:"lastAccepted"`
	Diff         string         `json:"diff,omitempty"`
	Actions      []PromptAction `json:"actions"`
}

var promptActions = []PromptAction{
	{Name: "decline", Label: "Decline and sign out", Method: http.MethodPost, Href: "/api/session/logout"},
	{Name: "accept", Label: "Accept", Method: http.MethodPost, Href: "/api/terms/accept"},
}

// RenderPrompt builds the acceptance prompt for a user: the current terms, the
// changes since the revision the user last accepted and the two actions.
func (s *Service) RenderPrompt(ctx context.Context, session Session) (Prompt, error) {
	documentID := s.gate.DocumentID()
	if documentID == "" {
		return Prompt{}, termsNotConfigured("No terms document is configured")
	}
	content, head, err := s.docs.HeadContent(ctx, documentID)
	if errors.Is(err, gitrepo.ErrRevisionNotFound) {
		return Prompt{}, termsNotConfigured("The terms document has no revisions")
	}
	if err != nil {
		return Prompt{}, fmt.Errorf("%w: %w", tos.ErrHistoryRead, err)
	}

	prompt := Prompt{
		DocumentID: documentID,
		Title:      content.Title,
		Body:       content.Body,
		Revision:   head.ID,
		Actions:    promptActions,
	}

	accepted, found, err := s.acceptances.Get(ctx, session.UserID)
	if err != nil {
		return Prompt{}, fmt.Errorf("%w: %w", tos.ErrStoreRead, err)
	}
	if !found {
		return prompt, nil
	}
	prompt.LastAccepted = &accepted

	base, ok, err := s.docs.RevisionAtOrBefore(ctx, documentID, accepted)
	if err != nil {
		return Prompt{}, fmt.Errorf("%w: %w", tos.ErrHistoryRead, err)
	}
	if !ok || base == head.ID {
		return prompt, nil
	}
	previous, err := s.docs.ContentAt(ctx, documentID, base)
	if err != nil {
		return Prompt{}, fmt.Errorf("%w: %w", tos.ErrHistoryRead, err)
	}
	prompt.Diff = diff.Inline(diffText(previous), diffText(content))
	return prompt, nil
}

// diffText puts the title on top so a renamed document shows in the diff.
func diffText(content gitrepo.Content) string {
	return content.Title + "\n\n" + content.Body
}

func (s *Service) TermsStatus(ctx context.Context, session Session) (map[string]any, error) {
	status, err := s.gate.Status(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"documentId":   status.DocumentID,
		"required":     status.Required,
		"exempt":       s.policy.Exempt(session.Role),
		"newest":       nil,
		"lastAccepted": nil,
	}
	if status.NewestFound {
		payload["newest"] = status.Newest
	}
	if status.AcceptedFound {
		payload["lastAccepted"] = status.Accepted
	}
	return payload, nil
}

func (s *Service) TermsHistory(ctx context.Context) ([]map[string]any, error) {
	documentID := s.gate.DocumentID()
	if documentID == "" {
		return []map[string]any{}, nil
	}
	ids, err := s.docs.ListRevisions(ctx, documentID, 0, 0, tos.NewestFirst)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tos.ErrHistoryRead, err)
	}
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		info, err := s.docs.RevisionInfo(ctx, documentID, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", tos.ErrHistoryRead, err)
		}
		items = append(items, map[string]any{
			"revision":   info.ID,
			"changeType": info.Type,
			"qualifies":  info.Type.Qualifies(),
		})
	}
	return items, nil
}

type PublishRevisionInput struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	ChangeType string `json:"changeType"`
	Message    string `json:"message"`
}

// PublishRevision appends a revision to the terms document. Creating the
// document and editing it both count as a new version users must accept.
func (s *Service) PublishRevision(ctx context.Context, session Session, input PublishRevisionInput) (map[string]any, error) {
	documentID := s.gate.DocumentID()
	if documentID == "" {
		return nil, termsNotConfigured("No terms document is configured")
	}
	if strings.TrimSpace(input.Body) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, codeValidation, "body is required", nil)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = s.cfg.Terms.SeedTitle
	}
	content := gitrepo.Content{Title: title, Body: input.Body}

	has, err := s.docs.HasRevisions(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tos.ErrHistoryRead, err)
	}
	if !has {
		if err := s.docs.EnsureDocumentRepo(documentID, content, session.UserName, time.Now()); err != nil {
			return nil, err
		}
		_, head, err := s.docs.HeadContent(ctx, documentID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"revision": head.ID, "changeType": head.Type}, nil
	}

	changeType := tos.ParseChangeType(input.ChangeType)
	message := strings.TrimSpace(input.Message)
	if message == "" {
		message = "Update " + title
	}
	rev, err := s.docs.CommitRevision(documentID, content, session.UserName, message, changeType, time.Now())
	if err != nil {
		return nil, err
	}
	log.Printf(`{"component":"terms","event":"revision_published","document_id":"%s","revision":%d,"change_type":"%s","by":"%s"}`,
		documentID, rev.ID, rev.Type, session.UserID)
	return map[string]any{"revision": rev.ID, "changeType": rev.Type}, nil
}
