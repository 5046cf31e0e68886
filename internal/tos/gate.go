package tos

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tosgate/internal/events"
)

var (
	ErrStoreWrite  = errors.New("acceptance could not be recorded")
	ErrStoreRead   = errors.New("acceptance could not be read")
	ErrHistoryRead = errors.New("terms history unavailable")
)

type Decision int

const (
	Proceed Decision = iota
	RequireAcceptance
)

func (d Decision) String() string {
	if d == RequireAcceptance {
		return "require_acceptance"
	}
	return "proceed"
}

// AcceptanceStore keeps the last acceptance time of each user for one
// document. Set overwrites unconditionally; the last write wins.
type AcceptanceStore interface {
	Get(ctx context.Context, userID string) (int64, bool, error)
	Set(ctx context.Context, userID string, acceptedAt int64) error
}

// CacheEntry memoizes the newest qualifying revision for one session. Head is
// the newest revision of any type when the entry was computed; the entry is
// only trusted while the document head is still the same.
type CacheEntry struct {
	Head   RevisionID `json:"head"`
	Newest RevisionID `json:"newest"`
	Found  bool       `json:"found"`
}

type Cache interface {
	Get(ctx context.Context, sessionKey, documentID string) (CacheEntry, bool, error)
	Put(ctx context.Context, sessionKey, documentID string, entry CacheEntry, expiresAt time.Time) error
	Delete(ctx context.Context, sessionKey, documentID string) error
}

type Options struct {
	DocumentID string
	BatchSize  int
	// Cache is consulted only when UseCache is set.
	UseCache  bool
	Cache     Cache
	Publisher events.Publisher
	Now       func() time.Time
}

type Gate struct {
	documentID string
	batchSize  int
	history    History
	store      AcceptanceStore
	cache      Cache
	publisher  events.Publisher
	now        func() time.Time
}

func NewGate(history History, store AcceptanceStore, opts Options) *Gate {
	g := &Gate{
		documentID: opts.DocumentID,
		batchSize:  opts.BatchSize,
		history:    history,
		store:      store,
		publisher:  opts.Publisher,
		now:        opts.Now,
	}
	if opts.UseCache {
		g.cache = opts.Cache
	}
	if g.publisher == nil {
		g.publisher = &events.NoopPublisher{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// DocumentID returns the configured terms document; empty means the gate is
// not configured and never blocks.
func (g *Gate) DocumentID() string {
	return g.documentID
}

func (g *Gate) CacheEnabled() bool {
	return g.cache != nil
}

type Request struct {
	UserID     string
	Privileged bool
	// SessionKey scopes cache entries; empty disables caching for the call.
	SessionKey     string
	SessionExpires time.Time
	JustAccepted   bool
}

// Decide reports whether the request may proceed. On error the decision is
// RequireAcceptance so that a caller ignoring the error still blocks.
func (g *Gate) Decide(ctx context.Context, req Request) (Decision, error) {
	if req.UserID == "" || g.documentID == "" {
		return Proceed, nil
	}
	if req.Privileged {
		return Proceed, nil
	}

	if req.JustAccepted {
		if err := g.accept(ctx, req); err != nil {
			return RequireAcceptance, err
		}
		return Proceed, nil
	}

	newest, found, err := g.newest(ctx, req)
	if err != nil {
		return RequireAcceptance, err
	}
	if !found {
		return Proceed, nil
	}

	accepted, ok, err := g.store.Get(ctx, req.UserID)
	if err != nil {
		return RequireAcceptance, fmt.Errorf("%w: %w", ErrStoreRead, err)
	}
	if ok && accepted >= int64(newest) {
		return Proceed, nil
	}
	return RequireAcceptance, nil
}

// accept records the acceptance. Revision IDs can run ahead of the wall
// clock when several revisions land in the same second, so the stored time is
// never older than the newest qualifying revision the user was shown.
func (g *Gate) accept(ctx context.Context, req Request) error {
	newest, found, err := g.newest(ctx, req)
	if err != nil {
		return err
	}
	acceptedAt := g.now().Unix()
	if found && int64(newest) > acceptedAt {
		acceptedAt = int64(newest)
	}
	if err := g.store.Set(ctx, req.UserID, acceptedAt); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	if err := g.publisher.Publish(ctx, events.TopicAcceptanceRecorded, events.AcceptanceRecorded{
		UserID:     req.UserID,
		DocumentID: g.documentID,
		AcceptedAt: acceptedAt,
	}); err != nil {
		log.Printf(`{"component":"tos","event":"publish_failed","topic":"%s","error":%q}`, events.TopicAcceptanceRecorded, err.Error())
	}
	return nil
}

func (g *Gate) newest(ctx context.Context, req Request) (RevisionID, bool, error) {
	if g.cache == nil || req.SessionKey == "" {
		newest, found, err := NewestQualifying(ctx, g.history, g.documentID, g.batchSize)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %w", ErrHistoryRead, err)
		}
		return newest, found, nil
	}

	head, hasHead, err := Head(ctx, g.history, g.documentID)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrHistoryRead, err)
	}
	if !hasHead {
		return 0, false, nil
	}
	entry, ok, err := g.cache.Get(ctx, req.SessionKey, g.documentID)
	if err != nil {
		log.Printf(`{"component":"tos","event":"cache_read_failed","document_id":"%s","error":%q}`, g.documentID, err.Error())
	} else if ok && entry.Head == head {
		return entry.Newest, entry.Found, nil
	}
	return g.refreshCache(ctx, req, head)
}

// refreshCache resolves the newest qualifying revision from history and
// stores it for the session. Cache write failures are logged only.
func (g *Gate) refreshCache(ctx context.Context, req Request, head RevisionID) (RevisionID, bool, error) {
	newest, found, err := NewestQualifying(ctx, g.history, g.documentID, g.batchSize)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrHistoryRead, err)
	}
	entry := CacheEntry{Head: head, Newest: newest, Found: found}
	if err := g.cache.Put(ctx, req.SessionKey, g.documentID, entry, req.SessionExpires); err != nil {
		log.Printf(`{"component":"tos","event":"cache_write_failed","document_id":"%s","error":%q}`, g.documentID, err.Error())
	}
	return newest, found, nil
}

// Forget drops the cached gate state of a session that ended.
func (g *Gate) Forget(ctx context.Context, sessionKey string) error {
	if g.cache == nil || sessionKey == "" || g.documentID == "" {
		return nil
	}
	return g.cache.Delete(ctx, sessionKey, g.documentID)
}

type Status struct {
	DocumentID    string
	Newest        RevisionID
	NewestFound   bool
	Accepted      int64
	AcceptedFound bool
	Required      bool
}

// Status reports the acceptance state of a user without applying the
// privileged-user bypass. It never consults the session cache.
func (g *Gate) Status(ctx context.Context, userID string) (Status, error) {
	status := Status{DocumentID: g.documentID}
	if g.documentID == "" || userID == "" {
		return status, nil
	}
	newest, found, err := NewestQualifying(ctx, g.history, g.documentID, g.batchSize)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrHistoryRead, err)
	}
	status.Newest, status.NewestFound = newest, found

	accepted, ok, err := g.store.Get(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrStoreRead, err)
	}
	status.Accepted, status.AcceptedFound = accepted, ok
	status.Required = found && (!ok || accepted < int64(newest))
	return status, nil
}
