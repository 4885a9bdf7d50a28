package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrEmailInUse = errors.New("email already in use")
)

type Documents interface {
	CreateDocument(ctx context.Context, doc Document) (Document, error)
	GetDocument(ctx context.Context, id string) (Document, error)
	// ListDocuments returns every document, most recently updated first.
	ListDocuments(ctx context.Context) ([]Document, error)
	// SaveContent overwrites title and body in one write and assigns a new
	// updatedAt that is strictly greater than the previous one. origin is
	// echoed on the change notification only.
	SaveContent(ctx context.Context, id, title, body, origin string) (Document, error)
	AddCollaborator(ctx context.Context, id, accountID string) (Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

type Presence interface {
	UpsertPresence(ctx context.Context, e PresenceEntry) error
	DeletePresence(ctx context.Context, documentID, accountID string) error
	ListPresence(ctx context.Context, documentID string) ([]PresenceEntry, error)
	// ExpirePresence deletes entries last seen before the cutoff and returns them.
	ExpirePresence(ctx context.Context, before time.Time) ([]PresenceEntry, error)

	UpsertTyping(ctx context.Context, t TypingSignal) error
	DeleteTyping(ctx context.Context, documentID, accountID string) error
	ListTyping(ctx context.Context, documentID string) ([]TypingSignal, error)
}

type Activities interface {
	AppendActivity(ctx context.Context, e ActivityEvent) (ActivityEvent, error)
	// RecentActivities returns the newest events first.
	RecentActivities(ctx context.Context, limit int) ([]ActivityEvent, error)
}

type Files interface {
	AddFile(ctx context.Context, f AttachedFile) (AttachedFile, error)
	ListFiles(ctx context.Context, documentID string) ([]AttachedFile, error)
}

type Users interface {
	CreateUser(ctx context.Context, a Account) (Account, error)
	GetUser(ctx context.Context, id string) (Account, error)
	GetUserByEmail(ctx context.Context, email string) (Account, error)

	// RevokeToken marks a token id as logged out until expiresAt and
	// publishes a delete keyed by tokenID on the account topic.
	RevokeToken(ctx context.Context, accountID, tokenID string, expiresAt time.Time) error
	TokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Store is the full Document Store. Every successful write is published on
// Feed() in commit order.
type Store interface {
	Documents
	Presence
	Activities
	Files
	Users
	Feed() *Feed
}
