package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"cloudcollab/pkg/logger"
	"cloudcollab/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

func (s *Store) AppendActivity(ctx context.Context, e store.ActivityEvent) (store.ActivityEvent, error) {
	e.ID = uuid.NewString()
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO activities (id, kind, document_id, title, actor_id, actor_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, clock_timestamp())
		RETURNING created_at`,
		e.ID, string(e.Kind), e.DocumentID, e.Title, e.ActorID, e.ActorDisplayName,
	).Scan(&e.CreatedAt)
	if err != nil {
		logger.Sugar.Errorf("Failed to append %s activity for doc %s: %v", e.Kind, e.DocumentID, err)
		return store.ActivityEvent{}, err
	}
	s.publish(ctx, store.Change{Topic: store.TopicActivities, Kind: store.ChangePut, Key: e.ID})
	return e, nil
}

func (s *Store) RecentActivities(ctx context.Context, limit int) ([]store.ActivityEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, kind, document_id, title, actor_id, actor_name, created_at
		FROM activities ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.ActivityEvent, 0, limit)
	for rows.Next() {
		var e store.ActivityEvent
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.DocumentID, &e.Title, &e.ActorID, &e.ActorDisplayName, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = store.ActivityKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AddFile(ctx context.Context, f store.AttachedFile) (store.AttachedFile, error) {
	f.ID = uuid.NewString()
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO document_files (id, document_id, name, url, size, uploaded_by_name, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING uploaded_at`,
		f.ID, f.DocumentID, f.Name, f.URL, f.Size, f.UploadedByDisplayName,
	).Scan(&f.UploadedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
			return store.AttachedFile{}, store.ErrNotFound
		}
		logger.Sugar.Errorf("Failed to add file %s to doc %s: %v", f.Name, f.DocumentID, err)
		return store.AttachedFile{}, err
	}
	s.publish(ctx, store.Change{Topic: store.FilesTopic(f.DocumentID), Kind: store.ChangePut, Key: f.ID})
	return f, nil
}

func (s *Store) ListFiles(ctx context.Context, documentID string) ([]store.AttachedFile, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, document_id, name, url, size, uploaded_by_name, uploaded_at
		FROM document_files WHERE document_id = $1 ORDER BY uploaded_at DESC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.AttachedFile, 0)
	for rows.Next() {
		var f store.AttachedFile
		if err := rows.Scan(&f.ID, &f.DocumentID, &f.Name, &f.URL, &f.Size, &f.UploadedByDisplayName, &f.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, a store.Account) (store.Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at`,
		a.ID, strings.TrimSpace(a.Email), a.DisplayName, a.PasswordHash,
	).Scan(&a.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return store.Account{}, store.ErrEmailInUse
		}
		logger.Sugar.Errorf("Failed to create user %s: %v", a.Email, err)
		return store.Account{}, err
	}
	return a, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (store.Account, error) {
	return s.scanUser(s.DB.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at FROM users WHERE id = $1`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (store.Account, error) {
	return s.scanUser(s.DB.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at FROM users WHERE lower(email) = lower($1)`,
		strings.TrimSpace(email)))
}

func (s *Store) scanUser(row *sql.Row) (store.Account, error) {
	var a store.Account
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Account{}, store.ErrNotFound
		}
		return store.Account{}, err
	}
	return a, nil
}

// RevokeToken stores the revocation and relays the logout so sessions on
// other instances holding the token are closed too.
func (s *Store) RevokeToken(ctx context.Context, accountID, tokenID string, expiresAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < NOW()`); err != nil {
		logger.Sugar.Warnf("Failed to prune revoked tokens: %v", err)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO revoked_tokens (token_id, account_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_id) DO NOTHING`,
		tokenID, accountID, expiresAt)
	if err != nil {
		logger.Sugar.Errorf("Failed to revoke token for %s: %v", accountID, err)
		return err
	}
	s.publish(ctx, store.Change{Topic: store.AccountTopic(accountID), Kind: store.ChangeDelete, Key: tokenID})
	return nil
}

func (s *Store) TokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_id = $1)`, tokenID).Scan(&revoked)
	return revoked, err
}
