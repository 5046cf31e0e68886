// Package acceptbolt keeps terms acceptances in a local BoltDB file, one
// bucket per document keyed by user ID.
package acceptbolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"tosgate/internal/store"
	"tosgate/internal/tos"
)

const (
	bucketPrefix = "tos_accept:"
	defaultTO    = 2 * time.Second
)

var (
	ErrCorruptRecord = errors.New("corrupt acceptance record")
	// ErrLocked means another process holds the file. bbolt allows a single
	// writer process, so the running API excludes every other opener.
	ErrLocked = errors.New("acceptance database is locked by another process")
)

// Store is a BoltDB-backed acceptance database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) a BoltDB database at path.
func Open(path string) (*Store, error) {
	return OpenWithTimeout(path, defaultTO)
}

// OpenWithTimeout is Open with a bound on how long to wait for the file lock.
func OpenWithTimeout(path string, timeout time.Duration) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Document scopes the store to one terms document.
func (s *Store) Document(documentID string) *Acceptances {
	return &Acceptances{db: s.db, bucket: []byte(bucketPrefix + documentID), documentID: documentID}
}

type Acceptances struct {
	db         *bolt.DB
	bucket     []byte
	documentID string
}

func (a *Acceptances) Get(ctx context.Context, userID string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var (
		out   int64
		found bool
	)
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(a.bucket)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(userID))
		if raw == nil {
			return nil
		}
		if len(raw) != 8 {
			return fmt.Errorf("%w: user %s", ErrCorruptRecord, userID)
		}
		out, found = decodeI64(raw), true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return out, found, nil
}

// Set overwrites the user's acceptance time.
func (a *Acceptances) Set(ctx context.Context, userID string, acceptedAt int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" {
		return errors.New("missing user id")
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(a.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(userID), encodeI64(acceptedAt))
	})
}

// List returns every acceptance of the document ordered by user ID.
func (a *Acceptances) List(ctx context.Context) ([]store.Acceptance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []store.Acceptance{}
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(a.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return nil
			}
			out = append(out, store.Acceptance{UserID: string(k), DocumentID: a.documentID, AcceptedAt: decodeI64(v)})
			return nil
		})
	})
	return out, err
}

func encodeI64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeI64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

var _ tos.AcceptanceStore = (*Acceptances)(nil)
