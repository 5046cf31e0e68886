// Package tos decides whether a signed-in user has to accept the current
// terms-of-service revision before continuing.
package tos

import (
	"context"
	"fmt"
	"strings"
)

// RevisionID identifies a document revision. It is the Unix timestamp (in
// seconds) of the revision, so it shares a clock with acceptance records.
type RevisionID int64

type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeEdit   ChangeType = "edit"
	ChangeMinor  ChangeType = "minor"
	ChangeDelete ChangeType = "delete"
	ChangeRevert ChangeType = "revert"
)

// Qualifies reports whether a revision of this type makes earlier acceptances
// stale. Minor edits, deletions and reverts never do.
func (c ChangeType) Qualifies() bool {
	return c == ChangeCreate || c == ChangeEdit
}

// ParseChangeType maps a stored change type to a known value. Unknown or empty
// values are treated as a regular edit.
func ParseChangeType(value string) ChangeType {
	switch ChangeType(strings.ToLower(strings.TrimSpace(value))) {
	case ChangeCreate:
		return ChangeCreate
	case ChangeMinor:
		return ChangeMinor
	case ChangeDelete:
		return ChangeDelete
	case ChangeRevert:
		return ChangeRevert
	default:
		return ChangeEdit
	}
}

type Revision struct {
	ID   RevisionID
	Type ChangeType
}

type Direction int

const (
	NewestFirst Direction = iota
	OldestFirst
)

// History is the read side of a versioned document store.
type History interface {
	HasRevisions(ctx context.Context, documentID string) (bool, error)
	// ListRevisions returns at most limit revision IDs starting at offset in
	// the given direction. An empty result means the history is exhausted.
	ListRevisions(ctx context.Context, documentID string, offset, limit int, dir Direction) ([]RevisionID, error)
	RevisionInfo(ctx context.Context, documentID string, id RevisionID) (Revision, error)
}

const DefaultBatchSize = 25

// NewestQualifying walks the history from the newest revision backwards and
// returns the first revision whose change type qualifies. found is false when
// the document has no revisions or none of them qualify.
func NewestQualifying(ctx context.Context, history History, documentID string, batchSize int) (RevisionID, bool, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	has, err := history.HasRevisions(ctx, documentID)
	if err != nil {
		return 0, false, fmt.Errorf("check revisions of %s: %w", documentID, err)
	}
	if !has {
		return 0, false, nil
	}

	offset := 0
	for {
		ids, err := history.ListRevisions(ctx, documentID, offset, batchSize, NewestFirst)
		if err != nil {
			return 0, false, fmt.Errorf("list revisions of %s: %w", documentID, err)
		}
		if len(ids) == 0 {
			return 0, false, nil
		}
		offset += len(ids)
		for _, id := range ids {
			info, err := history.RevisionInfo(ctx, documentID, id)
			if err != nil {
				return 0, false, fmt.Errorf("read revision %d of %s: %w", id, documentID, err)
			}
			if info.Type.Qualifies() {
				return id, true, nil
			}
		}
	}
}

// Head returns the newest revision of any change type.
func Head(ctx context.Context, history History, documentID string) (RevisionID, bool, error) {
	ids, err := history.ListRevisions(ctx, documentID, 0, 1, NewestFirst)
	if err != nil {
		return 0, false, fmt.Errorf("read head of %s: %w", documentID, err)
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}
