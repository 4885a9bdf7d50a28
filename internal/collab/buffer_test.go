package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloudcollab/config"
	"cloudcollab/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCollabConfig() config.CollabConfig {
	return config.CollabConfig{
		AutosaveDelay:       50 * time.Millisecond,
		TypingTTL:           100 * time.Millisecond,
		ToastDismiss:        100 * time.Millisecond,
		SaveMaxRetries:      3,
		SaveRetryBackoff:    time.Millisecond,
		RecentActivityLimit: 10,
	}
}

// fakeStore records writes and assigns strictly increasing timestamps.
type fakeStore struct {
	mu     sync.Mutex
	writes []Content
	fails  int
	err    error
	block  chan struct{}
	clock  time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeStore) persist(ctx context.Context, title, body, origin string) (store.Document, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return store.Document{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Document{}, f.err
	}
	if f.fails > 0 {
		f.fails--
		return store.Document{}, errors.New("connection reset")
	}
	f.writes = append(f.writes, Content{Title: title, Body: body})
	f.clock = f.clock.Add(time.Millisecond)
	return store.Document{ID: "doc-1", Title: title, Body: body, UpdatedAt: f.clock}, nil
}

func (f *fakeStore) written() []Content {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Content(nil), f.writes...)
}

type stateLog struct {
	mu     sync.Mutex
	states []SaveState
}

func (l *stateLog) record(s SaveState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Status, len(l.states))
	for i, s := range l.states {
		out[i] = s.Status
	}
	return out
}

func newTestBuffer(t *testing.T, fs *fakeStore, log *stateLog) *Buffer {
	t.Helper()
	doc := store.Document{ID: "doc-1", Title: "Draft", UpdatedAt: fs.clock}
	b := NewBuffer(doc, "sess-a", fs.persist, testCollabConfig(), nil, log.record)
	t.Cleanup(func() { b.Close(false) })
	return b
}

func TestBuffer_DebounceCoalescesBurst(t *testing.T) {
	fs := newFakeStore()
	b := newTestBuffer(t, fs, &stateLog{})

	for _, v := range []string{"H", "He", "Hel", "Hell", "Hello"} {
		require.NoError(t, b.Edit(FieldBody, v))
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return len(fs.written()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	writes := fs.written()
	require.Len(t, writes, 1)
	assert.Equal(t, Content{Title: "Draft", Body: "Hello"}, writes[0])
	assert.False(t, b.Dirty())
	state := b.State()
	assert.Equal(t, StatusSaved, state.Status)
	require.NotNil(t, state.LastSavedAt)
}

func TestBuffer_EditIsImmediate(t *testing.T) {
	b := newTestBuffer(t, newFakeStore(), &stateLog{})

	require.NoError(t, b.Edit(FieldTitle, "New title"))
	assert.Equal(t, "New title", b.Content().Title)
	assert.True(t, b.Dirty())
	assert.Equal(t, StatusDirty, b.State().Status)

	assert.ErrorIs(t, b.Edit("color", "red"), ErrUnknownField)
}

func TestBuffer_DirtyBufferDiscardsRemote(t *testing.T) {
	fs := newFakeStore()
	b := newTestBuffer(t, fs, &stateLog{})

	require.NoError(t, b.Edit(FieldBody, "mine"))

	decision, fields, content := b.ApplyRemote(store.Document{ID: "doc-1", Title: "Theirs", Body: "theirs", UpdatedAt: fs.clock.Add(time.Second)}, "sess-b:1")
	assert.Equal(t, DecisionDiscarded, decision)
	assert.Empty(t, fields)
	assert.Equal(t, Content{Title: "Draft", Body: "mine"}, content)
	assert.Equal(t, Content{Title: "Draft", Body: "mine"}, b.Content())
}

func TestBuffer_AppliesRemoteFieldByField(t *testing.T) {
	fs := newFakeStore()
	b := newTestBuffer(t, fs, &stateLog{})

	decision, fields, content := b.ApplyRemote(store.Document{ID: "doc-1", Title: "Draft", Body: "from bob", UpdatedAt: fs.clock.Add(time.Second)}, "sess-b:1")
	assert.Equal(t, DecisionApplied, decision)
	assert.Equal(t, []Field{FieldBody}, fields)
	assert.Equal(t, "from bob", content.Body)
}

func TestBuffer_IgnoresEchoAndStale(t *testing.T) {
	fs := newFakeStore()
	b := newTestBuffer(t, fs, &stateLog{})

	decision, _, _ := b.ApplyRemote(store.Document{ID: "doc-1", Body: "echo", UpdatedAt: fs.clock.Add(time.Second)}, "sess-a:7")
	assert.Equal(t, DecisionEcho, decision)
	assert.Equal(t, "", b.Content().Body)

	// Anything not newer than the echoed commit is stale.
	decision, _, _ = b.ApplyRemote(store.Document{ID: "doc-1", Body: "old", UpdatedAt: fs.clock.Add(500 * time.Millisecond)}, "sess-b:3")
	assert.Equal(t, DecisionStale, decision)
	assert.Equal(t, "", b.Content().Body)
}

func TestBuffer_DiscardsRemoteWhileWriteInFlight(t *testing.T) {
	fs := newFakeStore()
	fs.block = make(chan struct{})
	b := newTestBuffer(t, fs, &stateLog{})

	// A manual save of a clean buffer: nothing is dirty, only the write is pending.
	saved := make(chan error, 1)
	go func() {
		_, err := b.Save(context.Background())
		saved <- err
	}()

	assert.Eventually(t, func() bool { return b.State().Status == StatusSaving }, time.Second, time.Millisecond)

	decision, _, _ := b.ApplyRemote(store.Document{ID: "doc-1", Body: "theirs", UpdatedAt: fs.clock.Add(time.Hour)}, "sess-b:1")
	assert.Equal(t, DecisionDiscarded, decision)

	close(fs.block)
	require.NoError(t, <-saved)
	assert.Equal(t, "", b.Content().Body)
}

func TestBuffer_AppliesRemoteAfterOwnEcho(t *testing.T) {
	fs := newFakeStore()
	fs.block = make(chan struct{})
	b := newTestBuffer(t, fs, &stateLog{})

	require.NoError(t, b.Edit(FieldBody, "mine"))
	saved := make(chan error, 1)
	go func() {
		_, err := b.Save(context.Background())
		saved <- err
	}()
	assert.Eventually(t, func() bool { return b.State().Status == StatusSaving }, time.Second, time.Millisecond)

	// Our write commits and echoes back before the store call returns.
	decision, _, _ := b.ApplyRemote(store.Document{ID: "doc-1", Title: "Draft", Body: "mine", UpdatedAt: fs.clock.Add(time.Second)}, "sess-a:1")
	assert.Equal(t, DecisionEcho, decision)
	assert.False(t, b.Dirty())

	// A later foreign commit replaces ours in the store, so it must show locally.
	decision, fields, _ := b.ApplyRemote(store.Document{ID: "doc-1", Title: "Draft", Body: "theirs", UpdatedAt: fs.clock.Add(2 * time.Second)}, "sess-b:1")
	assert.Equal(t, DecisionApplied, decision)
	assert.Equal(t, []Field{FieldBody}, fields)

	close(fs.block)
	require.NoError(t, <-saved)
	assert.Equal(t, "theirs", b.Content().Body)
}

func TestBuffer_RetriesFailedSave(t *testing.T) {
	fs := newFakeStore()
	fs.fails = 2
	log := &stateLog{}
	b := newTestBuffer(t, fs, log)

	require.NoError(t, b.Edit(FieldBody, "retry me"))
	_, err := b.Save(context.Background())
	require.NoError(t, err)

	assert.Contains(t, log.statuses(), StatusSaveFailed)
	assert.Equal(t, StatusSaved, b.State().Status)
	assert.Equal(t, []Content{{Title: "Draft", Body: "retry me"}}, fs.written())
}

func TestBuffer_GivesUpAfterMaxRetries(t *testing.T) {
	fs := newFakeStore()
	fs.fails = 100
	b := newTestBuffer(t, fs, &stateLog{})

	require.NoError(t, b.Edit(FieldBody, "lost?"))
	_, err := b.Save(context.Background())

	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "save", syncErr.Op)
	assert.Equal(t, StatusError, b.State().Status)
	assert.NotEmpty(t, b.State().Error)
	assert.True(t, b.Dirty())

	// The next edit re-arms autosave.
	fs.mu.Lock()
	fs.fails = 0
	fs.mu.Unlock()
	require.NoError(t, b.Edit(FieldBody, "lost? no"))
	assert.Eventually(t, func() bool { return b.State().Status == StatusSaved }, time.Second, 5*time.Millisecond)
}

func TestBuffer_MissingDocumentIsNotRetried(t *testing.T) {
	fs := newFakeStore()
	fs.err = store.ErrNotFound
	b := newTestBuffer(t, fs, &stateLog{})

	_, err := b.Save(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuffer_ManualSaveCancelsPendingAutosave(t *testing.T) {
	fs := newFakeStore()
	b := newTestBuffer(t, fs, &stateLog{})

	require.NoError(t, b.Edit(FieldBody, "now"))
	_, err := b.Save(context.Background())
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	assert.Len(t, fs.written(), 1)
}

func TestBuffer_CloseFlushesDirtyOnce(t *testing.T) {
	fs := newFakeStore()
	doc := store.Document{ID: "doc-1", Title: "Draft", UpdatedAt: fs.clock}
	cfg := testCollabConfig()
	cfg.AutosaveDelay = time.Hour
	b := NewBuffer(doc, "sess-a", fs.persist, cfg, nil, nil)

	require.NoError(t, b.Edit(FieldBody, "unsaved"))
	b.Close(true)
	b.Close(true)

	assert.Equal(t, []Content{{Title: "Draft", Body: "unsaved"}}, fs.written())
	assert.ErrorIs(t, b.Edit(FieldBody, "late"), ErrClosed)
}
