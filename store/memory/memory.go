// Package memory is an in-process implementation of store.Store used for
// development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"cloudcollab/store"

	"github.com/google/uuid"
)

type Store struct {
	mu   sync.Mutex
	feed *store.Feed
	now  func() time.Time

	documents  map[string]store.Document
	presence   map[string]map[string]store.PresenceEntry
	typing     map[string]map[string]store.TypingSignal
	activities []store.ActivityEvent
	files      map[string][]store.AttachedFile
	users      map[string]store.Account
	revoked    map[string]time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		feed:      store.NewFeed(),
		now:       time.Now,
		documents: make(map[string]store.Document),
		presence:  make(map[string]map[string]store.PresenceEntry),
		typing:    make(map[string]map[string]store.TypingSignal),
		files:     make(map[string][]store.AttachedFile),
		users:     make(map[string]store.Account),
		revoked:   make(map[string]time.Time),
	}
}

func (s *Store) Feed() *store.Feed { return s.feed }

func (s *Store) CreateDocument(_ context.Context, doc store.Document) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	doc.ID = uuid.NewString()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.Collaborators = append([]string(nil), doc.Collaborators...)
	s.documents[doc.ID] = doc

	out := cloneDocument(doc)
	s.publishDocument(store.ChangePut, &out, "")
	return cloneDocument(doc), nil
}

func (s *Store) GetDocument(_ context.Context, id string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *Store) ListDocuments(_ context.Context) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make([]store.Document, 0, len(s.documents))
	for _, d := range s.documents {
		docs = append(docs, cloneDocument(d))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].UpdatedAt.After(docs[j].UpdatedAt) })
	return docs, nil
}

func (s *Store) SaveContent(_ context.Context, id, title, body, origin string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	doc.Title = title
	doc.Body = body
	doc.UpdatedAt = nextTimestamp(s.now().UTC(), doc.UpdatedAt)
	s.documents[id] = doc

	out := cloneDocument(doc)
	s.publishDocument(store.ChangePut, &out, origin)
	return cloneDocument(doc), nil
}

func (s *Store) AddCollaborator(_ context.Context, id, accountID string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	for _, c := range doc.Collaborators {
		if c == accountID {
			return cloneDocument(doc), nil
		}
	}
	doc.Collaborators = append(doc.Collaborators, accountID)
	s.documents[id] = doc

	out := cloneDocument(doc)
	s.publishDocument(store.ChangePut, &out, "")
	return cloneDocument(doc), nil
}

func (s *Store) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.documents, id)
	delete(s.presence, id)
	delete(s.typing, id)
	delete(s.files, id)

	s.feed.Publish(store.Change{Topic: store.TopicDocuments, Kind: store.ChangeDelete, Key: id})
	s.feed.Publish(store.Change{Topic: store.DocumentTopic(id), Kind: store.ChangeDelete, Key: id})
	s.feed.Publish(store.Change{Topic: store.PresenceTopic(id), Kind: store.ChangeDelete, Key: id})
	s.feed.Publish(store.Change{Topic: store.TypingTopic(id), Kind: store.ChangeDelete, Key: id})
	s.feed.Publish(store.Change{Topic: store.FilesTopic(id), Kind: store.ChangeDelete, Key: id})
	return nil
}

// publishDocument emits on the document list topic and the per-document
// topic. Must be called with s.mu held.
func (s *Store) publishDocument(kind store.ChangeKind, doc *store.Document, origin string) {
	s.feed.Publish(store.Change{Topic: store.TopicDocuments, Kind: kind, Key: doc.ID})
	s.feed.Publish(store.Change{Topic: store.DocumentTopic(doc.ID), Kind: kind, Key: doc.ID, Document: doc, Origin: origin})
}

func (s *Store) UpsertPresence(_ context.Context, e store.PresenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.presence[e.DocumentID] == nil {
		s.presence[e.DocumentID] = make(map[string]store.PresenceEntry)
	}
	now := s.now().UTC()
	if prev, ok := s.presence[e.DocumentID][e.AccountID]; ok && e.JoinedAt.IsZero() {
		e.JoinedAt = prev.JoinedAt
	}
	if e.JoinedAt.IsZero() {
		e.JoinedAt = now
	}
	e.LastSeen = now
	s.presence[e.DocumentID][e.AccountID] = e
	s.feed.Publish(store.Change{Topic: store.PresenceTopic(e.DocumentID), Kind: store.ChangePut, Key: e.AccountID})
	return nil
}

func (s *Store) DeletePresence(_ context.Context, documentID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.presence[documentID][accountID]; !ok {
		return nil
	}
	delete(s.presence[documentID], accountID)
	s.feed.Publish(store.Change{Topic: store.PresenceTopic(documentID), Kind: store.ChangeDelete, Key: accountID})
	return nil
}

func (s *Store) ListPresence(_ context.Context, documentID string) ([]store.PresenceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.PresenceEntry, 0, len(s.presence[documentID]))
	for _, e := range s.presence[documentID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) ExpirePresence(_ context.Context, before time.Time) ([]store.PresenceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []store.PresenceEntry
	for docID, entries := range s.presence {
		for accountID, e := range entries {
			if e.LastSeen.Before(before) {
				delete(entries, accountID)
				expired = append(expired, e)
				s.feed.Publish(store.Change{Topic: store.PresenceTopic(docID), Kind: store.ChangeDelete, Key: accountID})
			}
		}
	}
	return expired, nil
}

func (s *Store) UpsertTyping(_ context.Context, t store.TypingSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typing[t.DocumentID] == nil {
		s.typing[t.DocumentID] = make(map[string]store.TypingSignal)
	}
	t.UpdatedAt = s.now().UTC()
	s.typing[t.DocumentID][t.AccountID] = t
	s.feed.Publish(store.Change{Topic: store.TypingTopic(t.DocumentID), Kind: store.ChangePut, Key: t.AccountID})
	return nil
}

func (s *Store) DeleteTyping(_ context.Context, documentID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.typing[documentID][accountID]; !ok {
		return nil
	}
	delete(s.typing[documentID], accountID)
	s.feed.Publish(store.Change{Topic: store.TypingTopic(documentID), Kind: store.ChangeDelete, Key: accountID})
	return nil
}

func (s *Store) ListTyping(_ context.Context, documentID string) ([]store.TypingSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.TypingSignal, 0, len(s.typing[documentID]))
	for _, t := range s.typing[documentID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) AppendActivity(_ context.Context, e store.ActivityEvent) (store.ActivityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = uuid.NewString()
	now := s.now().UTC()
	if n := len(s.activities); n > 0 {
		now = nextTimestamp(now, s.activities[n-1].CreatedAt)
	}
	e.CreatedAt = now
	s.activities = append(s.activities, e)
	s.feed.Publish(store.Change{Topic: store.TopicActivities, Kind: store.ChangePut, Key: e.ID})
	return e, nil
}

func (s *Store) RecentActivities(_ context.Context, limit int) ([]store.ActivityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.activities)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]store.ActivityEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.activities[i])
	}
	return out, nil
}

func (s *Store) AddFile(_ context.Context, f store.AttachedFile) (store.AttachedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[f.DocumentID]; !ok {
		return store.AttachedFile{}, store.ErrNotFound
	}
	f.ID = uuid.NewString()
	f.UploadedAt = s.now().UTC()
	s.files[f.DocumentID] = append(s.files[f.DocumentID], f)
	s.feed.Publish(store.Change{Topic: store.FilesTopic(f.DocumentID), Kind: store.ChangePut, Key: f.ID})
	return f, nil
}

func (s *Store) ListFiles(_ context.Context, documentID string) ([]store.AttachedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := s.files[documentID]
	out := make([]store.AttachedFile, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		out = append(out, files[i])
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, a store.Account) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, a.Email) {
			return store.Account{}, store.ErrEmailInUse
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.now().UTC()
	s.users[a.ID] = a
	return a, nil
}

func (s *Store) GetUser(_ context.Context, id string) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return store.Account{}, store.ErrNotFound
}

func (s *Store) RevokeToken(_ context.Context, accountID, tokenID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, id)
		}
	}
	s.revoked[tokenID] = expiresAt
	s.feed.Publish(store.Change{Topic: store.AccountTopic(accountID), Kind: store.ChangeDelete, Key: tokenID})
	return nil
}

func (s *Store) TokenRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[tokenID]
	return ok, nil
}

// nextTimestamp keeps per-record timestamps strictly increasing even when
// the wall clock stalls or steps back.
func nextTimestamp(now, prev time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

func cloneDocument(d store.Document) store.Document {
	d.Collaborators = append([]string(nil), d.Collaborators...)
	return d
}
