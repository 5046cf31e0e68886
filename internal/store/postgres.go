package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, is_external FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsExternal)
	if err == nil {
		role, roleErr := s.getRole(ctx, user.ID)
		if roleErr != nil {
			return User{}, roleErr
		}
		user.Role = role
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.tosgate.dev'))
		RETURNING id, display_name, email, is_external
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsExternal); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if err := s.upsertRole(ctx, user.ID, "editor"); err != nil {
		return User{}, err
	}
	user.Role = "editor"
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_external)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsExternal); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	role := user.Role
	if role == "" {
		role = "viewer"
	}
	return s.upsertRole(ctx, user.ID, role)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `SELECT id, display_name, email, password_hash, is_external FROM users WHERE id=$1`, userID)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `SELECT id, display_name, email, password_hash, is_external FROM users WHERE LOWER(email)=LOWER($1)`, email)
}

func (s *PostgresStore) getUser(ctx context.Context, query, arg string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsExternal)
	if err != nil {
		return User{}, err
	}
	role, err := s.getRole(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	user.Role = role
	return user, nil
}

func (s *PostgresStore) getRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM workspace_memberships WHERE user_id=$1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "viewer", nil
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) upsertRole(ctx context.Context, userID, role string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (user_id, role)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role=EXCLUDED.role
	`, userID, role); err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, COALESCE(wm.role, ''), u.is_external
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		LEFT JOIN workspace_memberships wm ON wm.user_id = u.id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.IsExternal)
	if err != nil {
		return User{}, err
	}
	if user.Role == "" {
		user.Role = "viewer"
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// AcceptanceStore returns the acceptance records of one terms document.
func (s *PostgresStore) AcceptanceStore(documentID string) *AcceptanceTable {
	return &AcceptanceTable{db: s.db, documentID: documentID}
}

// AcceptanceTable reads and writes tos_acceptances rows for a single document.
type AcceptanceTable struct {
	db         *sql.DB
	documentID string
}

func (a *AcceptanceTable) Get(ctx context.Context, userID string) (int64, bool, error) {
	var acceptedAt int64
	err := a.db.QueryRowContext(ctx, `
		SELECT accepted_at FROM tos_acceptances WHERE user_id=$1 AND document_id=$2
	`, userID, a.documentID).Scan(&acceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read acceptance: %w", err)
	}
	return acceptedAt, true, nil
}

// Set records the acceptance time, replacing any earlier value.
func (a *AcceptanceTable) Set(ctx context.Context, userID string, acceptedAt int64) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO tos_acceptances (user_id, document_id, accepted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, document_id) DO UPDATE SET accepted_at=EXCLUDED.accepted_at, updated_at=NOW()
	`, userID, a.documentID, acceptedAt)
	if err != nil {
		return fmt.Errorf("write acceptance: %w", err)
	}
	return nil
}

// List returns every acceptance of the document, newest first.
func (a *AcceptanceTable) List(ctx context.Context) ([]Acceptance, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT user_id, accepted_at FROM tos_acceptances
		WHERE document_id=$1
		ORDER BY accepted_at DESC, user_id
	`, a.documentID)
	if err != nil {
		return nil, fmt.Errorf("list acceptances: %w", err)
	}
	defer rows.Close()

	items := []Acceptance{}
	for rows.Next() {
		item := Acceptance{DocumentID: a.documentID}
		if err := rows.Scan(&item.UserID, &item.AcceptedAt); err != nil {
			return nil, fmt.Errorf("scan acceptance: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
