package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cloudcollab/pkg/logger"
	"cloudcollab/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const documentColumns = `id, title, body, owner_id, owner_name, collaborators, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (store.Document, error) {
	var d store.Document
	var collaborators pq.StringArray
	if err := row.Scan(&d.ID, &d.Title, &d.Body, &d.OwnerID, &d.OwnerDisplayName, &collaborators, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, store.ErrNotFound
		}
		return store.Document{}, err
	}
	d.Collaborators = []string(collaborators)
	return d, nil
}

func (s *Store) CreateDocument(ctx context.Context, doc store.Document) (store.Document, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO documents (id, title, body, owner_id, owner_name, collaborators, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING `+documentColumns,
		uuid.NewString(), doc.Title, doc.Body, doc.OwnerID, doc.OwnerDisplayName, pq.Array(doc.Collaborators))
	created, err := scanDocument(row)
	if err != nil {
		logger.Sugar.Errorf("Failed to create document: %v", err)
		return store.Document{}, err
	}
	s.publishDocument(ctx, created, "")
	return created, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (store.Document, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

func (s *Store) ListDocuments(ctx context.Context) ([]store.Document, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY updated_at DESC`)
	if err != nil {
		logger.Sugar.Errorf("Failed to list documents: %v", err)
		return nil, err
	}
	defer rows.Close()

	docs := make([]store.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *Store) SaveContent(ctx context.Context, id, title, body, origin string) (store.Document, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := s.DB.QueryRowContext(ctx, `
		UPDATE documents
		SET title = $1, body = $2, updated_at = GREATEST(NOW(), updated_at + INTERVAL '1 microsecond')
		WHERE id = $3
		RETURNING `+documentColumns, title, body, id)
	saved, err := scanDocument(row)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Sugar.Errorf("Failed to save content for doc %s: %v", id, err)
		}
		return store.Document{}, err
	}
	s.publishDocument(ctx, saved, origin)
	return saved, nil
}

func (s *Store) AddCollaborator(ctx context.Context, id, accountID string) (store.Document, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := s.DB.QueryRowContext(ctx, `
		UPDATE documents
		SET collaborators = CASE WHEN $1 = ANY(collaborators) THEN collaborators ELSE array_append(collaborators, $1) END
		WHERE id = $2
		RETURNING `+documentColumns, accountID, id)
	doc, err := scanDocument(row)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Sugar.Errorf("Failed to add collaborator %s to doc %s: %v", accountID, id, err)
		}
		return store.Document{}, err
	}
	s.publishDocument(ctx, doc, "")
	return doc, nil
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.DB.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete doc %s: %v", id, err)
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	for _, topic := range []string{store.TopicDocuments, store.DocumentTopic(id), store.PresenceTopic(id), store.TypingTopic(id), store.FilesTopic(id)} {
		s.publish(ctx, store.Change{Topic: topic, Kind: store.ChangeDelete, Key: id})
	}
	return nil
}

func (s *Store) publishDocument(ctx context.Context, doc store.Document, origin string) {
	s.publish(ctx, store.Change{Topic: store.TopicDocuments, Kind: store.ChangePut, Key: doc.ID})
	s.publish(ctx, store.Change{Topic: store.DocumentTopic(doc.ID), Kind: store.ChangePut, Key: doc.ID, Document: &doc, Origin: origin})
}

func (s *Store) UpsertPresence(ctx context.Context, e store.PresenceEntry) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO active_users (document_id, account_id, display_name, joined_at, last_seen)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (document_id, account_id) DO UPDATE SET display_name = $3, last_seen = NOW()`,
		e.DocumentID, e.AccountID, e.DisplayName)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	s.publish(ctx, store.Change{Topic: store.PresenceTopic(e.DocumentID), Kind: store.ChangePut, Key: e.AccountID})
	return nil
}

func (s *Store) DeletePresence(ctx context.Context, documentID, accountID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM active_users WHERE document_id = $1 AND account_id = $2`, documentID, accountID); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	s.publish(ctx, store.Change{Topic: store.PresenceTopic(documentID), Kind: store.ChangeDelete, Key: accountID})
	return nil
}

func (s *Store) ListPresence(ctx context.Context, documentID string) ([]store.PresenceEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT document_id, account_id, display_name, joined_at, last_seen
		FROM active_users WHERE document_id = $1 ORDER BY joined_at ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.PresenceEntry, 0)
	for rows.Next() {
		var e store.PresenceEntry
		if err := rows.Scan(&e.DocumentID, &e.AccountID, &e.DisplayName, &e.JoinedAt, &e.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ExpirePresence(ctx context.Context, before time.Time) ([]store.PresenceEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		DELETE FROM active_users WHERE last_seen < $1
		RETURNING document_id, account_id, display_name, joined_at, last_seen`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []store.PresenceEntry
	for rows.Next() {
		var e store.PresenceEntry
		if err := rows.Scan(&e.DocumentID, &e.AccountID, &e.DisplayName, &e.JoinedAt, &e.LastSeen); err != nil {
			return nil, err
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range expired {
		s.publish(ctx, store.Change{Topic: store.PresenceTopic(e.DocumentID), Kind: store.ChangeDelete, Key: e.AccountID})
	}
	return expired, nil
}

func (s *Store) UpsertTyping(ctx context.Context, t store.TypingSignal) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO typing (document_id, account_id, display_name, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id, account_id) DO UPDATE SET display_name = $3, updated_at = NOW()`,
		t.DocumentID, t.AccountID, t.DisplayName)
	if err != nil {
		return fmt.Errorf("upsert typing: %w", err)
	}
	s.publish(ctx, store.Change{Topic: store.TypingTopic(t.DocumentID), Kind: store.ChangePut, Key: t.AccountID})
	return nil
}

func (s *Store) DeleteTyping(ctx context.Context, documentID, accountID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM typing WHERE document_id = $1 AND account_id = $2`, documentID, accountID); err != nil {
		return fmt.Errorf("delete typing: %w", err)
	}
	s.publish(ctx, store.Change{Topic: store.TypingTopic(documentID), Kind: store.ChangeDelete, Key: accountID})
	return nil
}

func (s *Store) ListTyping(ctx context.Context, documentID string) ([]store.TypingSignal, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT document_id, account_id, display_name, updated_at
		FROM typing WHERE document_id = $1 ORDER BY updated_at ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.TypingSignal, 0)
	for rows.Next() {
		var t store.TypingSignal
		if err := rows.Scan(&t.DocumentID, &t.AccountID, &t.DisplayName, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
