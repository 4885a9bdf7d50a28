package memory

import (
	"context"
	"testing"
	"time"

	"cloudcollab/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateAndSaveContent(t *testing.T) {
	ctx := context.Background()
	s := New()

	doc, err := s.CreateDocument(ctx, store.Document{Title: "Spec v1", OwnerID: "a", Collaborators: []string{"a"}})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "", doc.Body)
	assert.Equal(t, []string{"a"}, doc.Collaborators)

	ch, cancel := s.Feed().Subscribe(store.DocumentTopic(doc.ID))
	defer cancel()

	saved, err := s.SaveContent(ctx, doc.ID, "Spec v1", "Hello", "sess:1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", saved.Body)
	assert.True(t, saved.UpdatedAt.After(doc.UpdatedAt))

	c := <-ch
	assert.Equal(t, store.ChangePut, c.Kind)
	assert.Equal(t, "sess:1", c.Origin)
	require.NotNil(t, c.Document)
	assert.Equal(t, "Hello", c.Document.Body)
}

func TestStore_UpdatedAtStrictlyIncreasesWithFrozenClock(t *testing.T) {
	ctx := context.Background()
	s := New()
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	doc, err := s.CreateDocument(ctx, store.Document{Title: "t"})
	require.NoError(t, err)

	prev := doc.UpdatedAt
	for i := 0; i < 3; i++ {
		saved, err := s.SaveContent(ctx, doc.ID, "t", "b", "")
		require.NoError(t, err)
		assert.True(t, saved.UpdatedAt.After(prev))
		prev = saved.UpdatedAt
	}
}

func TestStore_SaveContentMissingDocument(t *testing.T) {
	_, err := New().SaveContent(context.Background(), "nope", "t", "b", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_AddCollaboratorIsSetUnion(t *testing.T) {
	ctx := context.Background()
	s := New()
	doc, _ := s.CreateDocument(ctx, store.Document{Title: "t", OwnerID: "a", Collaborators: []string{"a"}})

	_, err := s.AddCollaborator(ctx, doc.ID, "b")
	require.NoError(t, err)
	got, err := s.AddCollaborator(ctx, doc.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Collaborators)
}

func TestStore_DeleteDocumentNotifiesAndCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	doc, _ := s.CreateDocument(ctx, store.Document{Title: "t"})
	require.NoError(t, s.UpsertPresence(ctx, store.PresenceEntry{DocumentID: doc.ID, AccountID: "a"}))
	_, err := s.AddFile(ctx, store.AttachedFile{DocumentID: doc.ID, Name: "f.pdf"})
	require.NoError(t, err)

	ch, cancel := s.Feed().Subscribe(store.DocumentTopic(doc.ID))
	defer cancel()

	require.NoError(t, s.DeleteDocument(ctx, doc.ID))
	assert.Equal(t, store.ChangeDelete, (<-ch).Kind)

	_, err = s.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	roster, _ := s.ListPresence(ctx, doc.ID)
	assert.Empty(t, roster)
	files, _ := s.ListFiles(ctx, doc.ID)
	assert.Empty(t, files)
}

func TestStore_ListDocumentsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.CreateDocument(ctx, store.Document{Title: "a"})
	b, _ := s.CreateDocument(ctx, store.Document{Title: "b"})
	_, err := s.SaveContent(ctx, a.ID, "a", "x", "")
	require.NoError(t, err)

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, a.ID, docs[0].ID)
	assert.Equal(t, b.ID, docs[1].ID)
}

func TestStore_PresenceKeepsJoinedAtOnRefresh(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.UpsertPresence(ctx, store.PresenceEntry{DocumentID: "d", AccountID: "a", DisplayName: "A"}))
	first, _ := s.ListPresence(ctx, "d")
	require.Len(t, first, 1)

	require.NoError(t, s.UpsertPresence(ctx, store.PresenceEntry{DocumentID: "d", AccountID: "a", DisplayName: "A"}))
	second, _ := s.ListPresence(ctx, "d")
	assert.Equal(t, first[0].JoinedAt, second[0].JoinedAt)
	assert.False(t, second[0].LastSeen.Before(first[0].LastSeen))
}

func TestStore_ExpirePresence(t *testing.T) {
	ctx := context.Background()
	s := New()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return old }
	require.NoError(t, s.UpsertPresence(ctx, store.PresenceEntry{DocumentID: "d", AccountID: "stale"}))
	s.now = time.Now
	require.NoError(t, s.UpsertPresence(ctx, store.PresenceEntry{DocumentID: "d", AccountID: "fresh"}))

	expired, err := s.ExpirePresence(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].AccountID)

	roster, _ := s.ListPresence(ctx, "d")
	require.Len(t, roster, 1)
	assert.Equal(t, "fresh", roster[0].AccountID)
}

func TestStore_RecentActivities(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, title := range []string{"one", "two", "three"} {
		_, err := s.AppendActivity(ctx, store.ActivityEvent{Kind: store.ActivityCreated, Title: title})
		require.NoError(t, err)
	}

	recent, err := s.RecentActivities(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "three", recent[0].Title)
	assert.Equal(t, "two", recent[1].Title)
}

func TestStore_UsersEmailIsUniqueCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.CreateUser(ctx, store.Account{Email: "b@x.com", DisplayName: "B"})
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, store.Account{Email: "B@X.com"})
	assert.ErrorIs(t, err, store.ErrEmailInUse)

	u, err := s.GetUserByEmail(ctx, "B@x.COM")
	require.NoError(t, err)
	assert.Equal(t, "B", u.DisplayName)

	_, err = s.GetUserByEmail(ctx, "c@x.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_RevokeTokenPrunesExpired(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ch, cancel := s.Feed().Subscribe(store.AccountTopic("u1"))
	defer cancel()

	require.NoError(t, s.RevokeToken(ctx, "u1", "old", now.Add(time.Minute)))
	c := <-ch
	assert.Equal(t, store.ChangeDelete, c.Kind)
	assert.Equal(t, "old", c.Key)

	now = now.Add(time.Hour)
	require.NoError(t, s.RevokeToken(ctx, "u1", "new", now.Add(time.Minute)))

	revoked, err := s.TokenRevoked(ctx, "new")
	require.NoError(t, err)
	assert.True(t, revoked)
	revoked, err = s.TokenRevoked(ctx, "old")
	require.NoError(t, err)
	assert.False(t, revoked)
}
