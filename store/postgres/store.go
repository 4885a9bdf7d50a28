// Package postgres implements store.Store on PostgreSQL through lib/pq.
// Writes are published on the local feed and, when a notify channel is
// configured, relayed to other server instances with pg_notify.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloudcollab/pkg/logger"
	"cloudcollab/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Store struct {
	DB *sql.DB

	feed          *store.Feed
	instanceID    string
	notifyChannel string

	// writeMu serializes write+publish so local subscribers observe commit order.
	writeMu sync.Mutex
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithNotify relays every change to other instances on the given channel.
func WithNotify(channel string) Option {
	return func(s *Store) { s.notifyChannel = channel }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, feed: store.NewFeed(), instanceID: uuid.NewString()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Feed() *store.Feed { return s.feed }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT        PRIMARY KEY,
		email         TEXT        NOT NULL,
		display_name  TEXT        NOT NULL,
		password_hash TEXT        NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (lower(email))`,
	`CREATE TABLE IF NOT EXISTS documents (
		id            TEXT        PRIMARY KEY,
		title         TEXT        NOT NULL,
		body          TEXT        NOT NULL DEFAULT '',
		owner_id      TEXT        NOT NULL,
		owner_name    TEXT        NOT NULL DEFAULT '',
		collaborators TEXT[]      NOT NULL DEFAULT '{}',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents (updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS document_files (
		id               TEXT        PRIMARY KEY,
		document_id      TEXT        NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		name             TEXT        NOT NULL,
		url              TEXT        NOT NULL,
		size             BIGINT      NOT NULL DEFAULT 0,
		uploaded_by_name TEXT        NOT NULL DEFAULT '',
		uploaded_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS active_users (
		document_id  TEXT        NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		account_id   TEXT        NOT NULL,
		display_name TEXT        NOT NULL DEFAULT '',
		joined_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (document_id, account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS typing (
		document_id  TEXT        NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		account_id   TEXT        NOT NULL,
		display_name TEXT        NOT NULL DEFAULT '',
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (document_id, account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id          TEXT        PRIMARY KEY,
		kind        TEXT        NOT NULL,
		document_id TEXT        NOT NULL,
		title       TEXT        NOT NULL DEFAULT '',
		actor_id    TEXT        NOT NULL,
		actor_name  TEXT        NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS revoked_tokens (
		token_id   TEXT        PRIMARY KEY,
		account_id TEXT        NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Sugar.Info("Database schema is up to date")
	return nil
}

// envelope is the pg_notify payload. Document bodies are not sent because
// notify payloads are capped at 8000 bytes; receivers reload the record.
type envelope struct {
	Instance string       `json:"instance"`
	Change   store.Change `json:"change"`
}

func (s *Store) publish(ctx context.Context, c store.Change) {
	s.feed.Publish(c)
	if s.notifyChannel == "" {
		return
	}
	relayed := c
	relayed.Document = nil
	payload, err := json.Marshal(envelope{Instance: s.instanceID, Change: relayed})
	if err != nil {
		logger.Sugar.Errorf("Failed to marshal change for relay: %v", err)
		return
	}
	if _, err := s.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.notifyChannel, string(payload)); err != nil {
		logger.Sugar.Warnf("Failed to relay change on %s: %v", c.Topic, err)
	}
}

// Relay listens on the notify channel and republishes changes made by other
// instances on the local feed until ctx is done.
func (s *Store) Relay(ctx context.Context, dsn string) error {
	if s.notifyChannel == "" {
		return nil
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Sugar.Warnf("Change relay listener event %d: %v", ev, err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(s.notifyChannel); err != nil {
		return fmt.Errorf("listen on %s: %w", s.notifyChannel, err)
	}
	logger.Sugar.Infof("Relaying store changes on channel %s", s.notifyChannel)

	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil means the connection was re-established; changes may have been missed.
			if n == nil {
				continue
			}
			s.handleNotification(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					logger.Sugar.Warnf("Change relay ping failed: %v", err)
				}
			}()
		}
	}
}

func (s *Store) handleNotification(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logger.Sugar.Warnf("Ignoring malformed change notification: %v", err)
		return
	}
	if env.Instance == s.instanceID {
		return
	}
	c := env.Change
	if c.Kind == store.ChangePut && strings.HasPrefix(c.Topic, store.DocumentTopic("")) {
		doc, err := s.GetDocument(ctx, c.Key)
		if err != nil {
			logger.Sugar.Warnf("Failed to reload relayed document %s: %v", c.Key, err)
			return
		}
		c.Document = &doc
	}
	s.feed.Publish(c)
}
