// Package collab runs one live editing session per viewer of a document:
// a local buffer with debounced autosave, the remote change channel,
// presence, typing, attached files and the activity feed.
package collab

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"cloudcollab/blob"
	"cloudcollab/config"
	"cloudcollab/internal/activity"
	"cloudcollab/internal/metrics"
	"cloudcollab/internal/presence"
	"cloudcollab/pkg/logger"
	"cloudcollab/store"

	"github.com/google/uuid"
)

// Events receives the view state of a session. Calls come from several
// goroutines and must not block for long.
type Events interface {
	State(Snapshot)
	RemoteUpdate(content Content, fields []Field)
	Collaborators(ids []string)
	SaveStatus(SaveState)
	Presence([]presence.Member)
	Typing([]presence.Member)
	Files([]store.AttachedFile)
	Activity([]store.ActivityEvent)
	Toast(activity.Toast)
	ToastDismiss()
	DocumentGone()
}

type Snapshot struct {
	DocumentID       string    `json:"documentId"`
	Title            string    `json:"title"`
	Body             string    `json:"body"`
	OwnerID          string    `json:"ownerId"`
	OwnerDisplayName string    `json:"ownerName"`
	Collaborators    []string  `json:"collaborators"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Save             SaveState `json:"save"`
}

type Deps struct {
	Store    store.Store
	Presence *presence.Tracker
	Activity *activity.Feed
	Blobs    blob.Store
	Metrics  *metrics.Metrics
	Config   config.CollabConfig
}

type Session struct {
	id         string
	documentID string
	account    store.Account
	deps       Deps
	events     Events

	buffer      *Buffer
	channel     *Channel
	toaster     *activity.Toaster
	leave       func()
	stopWatches context.CancelFunc
	watchers    sync.WaitGroup

	mu            sync.Mutex
	collaborators []string

	gone      atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Open starts a session for acc on a document it collaborates on. The first
// event delivered is the State snapshot.
func Open(ctx context.Context, deps Deps, documentID string, acc store.Account, events Events) (*Session, error) {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	feed := deps.Store.Feed()
	channel := SubscribeChannel(feed, documentID)
	doc, err := deps.Store.GetDocument(ctx, documentID)
	if err != nil {
		channel.Close()
		return nil, err
	}
	if !doc.HasCollaborator(acc.ID) {
		channel.Close()
		return nil, ErrNotCollaborator
	}

	s := &Session{
		id:            uuid.NewString(),
		documentID:    documentID,
		account:       acc,
		deps:          deps,
		events:        events,
		channel:       channel,
		collaborators: slices.Clone(doc.Collaborators),
		done:          make(chan struct{}),
	}
	persist := func(ctx context.Context, title, body, origin string) (store.Document, error) {
		return deps.Store.SaveContent(ctx, documentID, title, body, origin)
	}
	s.buffer = NewBuffer(doc, s.id, persist, deps.Config, deps.Metrics, events.SaveStatus)

	events.State(Snapshot{
		DocumentID:       doc.ID,
		Title:            doc.Title,
		Body:             doc.Body,
		OwnerID:          doc.OwnerID,
		OwnerDisplayName: doc.OwnerDisplayName,
		Collaborators:    doc.Collaborators,
		UpdatedAt:        doc.UpdatedAt,
		Save:             s.buffer.State(),
	})

	s.leave = deps.Presence.Join(documentID, acc.ID, acc.DisplayName)

	watchCtx, stop := context.WithCancel(context.Background())
	s.stopWatches = stop

	roster, _ := deps.Presence.SubscribeRoster(watchCtx, documentID)
	forward(&s.watchers, roster, events.Presence)

	typing, _ := deps.Presence.SubscribeTyping(watchCtx, documentID, acc.ID)
	forward(&s.watchers, typing, events.Typing)

	files, _ := store.Watch(watchCtx, feed, store.FilesTopic(documentID), func(ctx context.Context) ([]store.AttachedFile, error) {
		return deps.Store.ListFiles(ctx, documentID)
	})
	forward(&s.watchers, files, events.Files)

	recent, _ := deps.Activity.SubscribeRecent(watchCtx, deps.Config.RecentActivityLimit)
	forward(&s.watchers, recent, events.Activity)

	s.toaster = activity.NewToaster(deps.Config.ToastDismiss, events.Toast, events.ToastDismiss)
	toasts, _ := deps.Activity.SubscribeLatestForToast(watchCtx, acc.ID)
	forward(&s.watchers, toasts, s.toaster.Show)

	deps.Metrics.Sessions.Inc()

	// Changes queued since the subscription replay now; the ones already in
	// doc are stale.
	channel.Start(s.buffer, deps.Metrics, ChannelHooks{
		Document: s.documentChanged,
		Applied:  events.RemoteUpdate,
		Gone:     s.documentGone,
	})
	logger.Sugar.Infof("Session %s opened doc %s for %s", s.id, documentID, acc.ID)
	return s, nil
}

func forward[T any](wg *sync.WaitGroup, ch <-chan T, fn func(T)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := range ch {
			fn(v)
		}
	}()
}

func (s *Session) ID() string         { return s.id }
func (s *Session) DocumentID() string { return s.documentID }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Edit applies a keystroke-level change and marks the account as typing.
func (s *Session) Edit(field Field, value string) error {
	if err := s.buffer.Edit(field, value); err != nil {
		return err
	}
	s.deps.Presence.SignalTyping(s.documentID, s.account.ID, s.account.DisplayName)
	return nil
}

func (s *Session) Typing() {
	s.deps.Presence.SignalTyping(s.documentID, s.account.ID, s.account.DisplayName)
}

// Save persists immediately and records an "updated" activity.
func (s *Session) Save(ctx context.Context) error {
	doc, err := s.buffer.Save(ctx)
	if err != nil {
		return err
	}
	if _, err := s.deps.Activity.Append(ctx, store.ActivityUpdated, doc, s.account); err != nil {
		logger.Sugar.Warnf("Saved doc %s but failed to record activity: %v", s.documentID, err)
	}
	return nil
}

// Upload attaches files to the document and records one "file-upload"
// activity when at least one file was stored.
func (s *Session) Upload(ctx context.Context, uploads []Upload) ([]store.AttachedFile, error) {
	stored, err := UploadFiles(ctx, s.deps.Store, s.deps.Blobs, s.documentID, s.account, uploads, s.deps.Metrics)
	if len(stored) > 0 {
		doc := store.Document{ID: s.documentID, Title: s.buffer.Content().Title}
		if _, aerr := s.deps.Activity.Append(ctx, store.ActivityFileUpload, doc, s.account); aerr != nil {
			logger.Sugar.Warnf("Failed to record upload activity on doc %s: %v", s.documentID, aerr)
		}
	}
	return stored, err
}

func (s *Session) DismissToast() { s.toaster.Dismiss() }

func (s *Session) Content() Content     { return s.buffer.Content() }
func (s *Session) SaveState() SaveState { return s.buffer.State() }

// documentChanged reports sharing changes, which do not touch updatedAt and
// so never reach the buffer as applied changes.
func (s *Session) documentChanged(doc store.Document) {
	s.mu.Lock()
	if slices.Equal(s.collaborators, doc.Collaborators) {
		s.mu.Unlock()
		return
	}
	s.collaborators = slices.Clone(doc.Collaborators)
	ids := slices.Clone(doc.Collaborators)
	s.mu.Unlock()
	s.events.Collaborators(ids)
}

func (s *Session) documentGone() {
	if !s.gone.CompareAndSwap(false, true) {
		return
	}
	logger.Sugar.Infof("Doc %s was deleted, closing session %s", s.documentID, s.id)
	s.events.DocumentGone()
	go s.Close()
}

// Close flushes unsaved edits once, leaves presence and disposes every
// subscription. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.channel.Close()
		s.buffer.Close(!s.gone.Load())
		s.toaster.Stop()
		s.stopWatches()
		s.watchers.Wait()
		s.deps.Presence.StopTyping(s.documentID, s.account.ID)
		s.leave()
		s.deps.Metrics.Sessions.Dec()
		logger.Sugar.Infof("Session %s closed doc %s", s.id, s.documentID)
		close(s.done)
	})
}
