package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloudcollab/config"
	"cloudcollab/internal/metrics"
	"cloudcollab/pkg/logger"
	"cloudcollab/store"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const closeFlushTimeout = 5 * time.Second

var tracer = otel.Tracer("cloudcollab/internal/collab")

type Field string

const (
	FieldTitle Field = "title"
	FieldBody  Field = "body"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusDirty      Status = "dirty"
	StatusSaving     Status = "saving"
	StatusSaved      Status = "saved"
	StatusSaveFailed Status = "save_failed"
	StatusError      Status = "error"
)

type Content struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type SaveState struct {
	Status      Status     `json:"status"`
	LastSavedAt *time.Time `json:"lastSavedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// pendingWrite is the save currently in flight. It counts as committed once
// its own change notification comes back, even before the store call returns.
type pendingWrite struct {
	origin    string
	edits     uint64
	committed bool
}

// PersistFunc writes title and body in one store write tagged with origin.
type PersistFunc func(ctx context.Context, title, body, origin string) (store.Document, error)

// Buffer is the local copy of a document being edited. Edits apply
// immediately and are persisted after a quiet period; saves run one at a
// time so they commit in edit order.
type Buffer struct {
	documentID string
	sessionID  string
	persist    PersistFunc
	delay      time.Duration
	maxRetries int
	retryBase  time.Duration
	metrics    *metrics.Metrics
	onState    func(SaveState)

	saveMu sync.Mutex

	mu          sync.Mutex
	content     Content
	dirty       bool
	edits       uint64
	seq         uint64
	pending     *pendingWrite
	committed   time.Time
	lastSavedAt time.Time
	status      Status
	lastErr     string
	timer       *time.Timer
	timerGen    uint64
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBuffer(doc store.Document, sessionID string, persist PersistFunc, cfg config.CollabConfig, m *metrics.Metrics, onState func(SaveState)) *Buffer {
	if m == nil {
		m = metrics.Nop()
	}
	if onState == nil {
		onState = func(SaveState) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Buffer{
		documentID: doc.ID,
		sessionID:  sessionID,
		persist:    persist,
		delay:      cfg.AutosaveDelay,
		maxRetries: cfg.SaveMaxRetries,
		retryBase:  cfg.SaveRetryBackoff,
		metrics:    m,
		onState:    onState,
		content:    Content{Title: doc.Title, Body: doc.Body},
		committed:  doc.UpdatedAt,
		status:     StatusIdle,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Edit applies a local change and restarts the autosave timer.
func (b *Buffer) Edit(field Field, value string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	switch field {
	case FieldTitle:
		b.content.Title = value
	case FieldBody:
		b.content.Body = value
	default:
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	b.dirty = true
	b.edits++
	b.status = StatusDirty

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timerGen++
	gen := b.timerGen
	b.timer = time.AfterFunc(b.delay, func() { b.autosave(gen) })

	state := b.stateLocked()
	b.mu.Unlock()

	b.onState(state)
	return nil
}

func (b *Buffer) autosave(gen uint64) {
	b.mu.Lock()
	if b.closed || gen != b.timerGen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	if err := b.flush(b.ctx, "auto", true); err != nil && !errors.Is(err, context.Canceled) {
		logger.Sugar.Warnf("Autosave failed for doc %s: %v", b.documentID, err)
	}
}

// Save persists the current content right away, cancelling a pending
// autosave.
func (b *Buffer) Save(ctx context.Context) (store.Document, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return store.Document{}, ErrClosed
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
		b.timerGen++
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	ctx, cancel := mergeCancel(ctx, b.ctx)
	defer cancel()
	return b.flushDoc(ctx, "manual", true)
}

func (b *Buffer) flush(ctx context.Context, trigger string, retry bool) error {
	_, err := b.flushDoc(ctx, trigger, retry)
	return err
}

func (b *Buffer) flushDoc(ctx context.Context, trigger string, retry bool) (store.Document, error) {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	b.mu.Lock()
	if trigger == "auto" && !b.dirty {
		b.mu.Unlock()
		return store.Document{}, nil
	}
	content := b.content
	edits := b.edits
	b.seq++
	origin := fmt.Sprintf("%s:%d", b.sessionID, b.seq)
	b.pending = &pendingWrite{origin: origin, edits: edits}
	b.status = StatusSaving
	state := b.stateLocked()
	b.mu.Unlock()
	b.onState(state)

	ctx, span := tracer.Start(ctx, "collab.save", trace.WithAttributes(
		attribute.String("document.id", b.documentID),
		attribute.String("save.trigger", trigger),
	))
	defer span.End()

	var saved store.Document
	op := func() error {
		doc, err := b.persist(ctx, content.Title, content.Body, origin)
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		saved = doc
		return nil
	}

	var err error
	if retry && b.maxRetries > 0 {
		err = backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), uint64(b.maxRetries)), ctx),
			func(err error, wait time.Duration) {
				b.metrics.SaveRetries.Inc()
				logger.Sugar.Warnf("Save of doc %s failed, retrying in %s: %v", b.documentID, wait, err)
				b.setFailed(StatusSaveFailed, err)
			})
	} else {
		err = op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	}

	b.mu.Lock()
	b.pending = nil
	if err != nil {
		b.status = StatusError
		b.lastErr = err.Error()
		state := b.stateLocked()
		b.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		b.metrics.Saves.WithLabelValues(trigger, "error").Inc()
		b.onState(state)
		return store.Document{}, &SyncError{Op: "save", DocumentID: b.documentID, Err: err}
	}

	if saved.UpdatedAt.After(b.committed) {
		b.committed = saved.UpdatedAt
	}
	b.lastSavedAt = saved.UpdatedAt
	b.lastErr = ""
	if b.edits == edits {
		b.dirty = false
		b.status = StatusSaved
	} else {
		b.status = StatusDirty
	}
	state = b.stateLocked()
	b.mu.Unlock()

	b.metrics.Saves.WithLabelValues(trigger, "ok").Inc()
	b.onState(state)
	return saved, nil
}

func (b *Buffer) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if b.retryBase > 0 {
		eb.InitialInterval = b.retryBase
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (b *Buffer) setFailed(status Status, err error) {
	b.mu.Lock()
	b.status = status
	b.lastErr = err.Error()
	state := b.stateLocked()
	b.mu.Unlock()
	b.onState(state)
}

// ApplyRemote decides what to do with a committed change of the document
// and applies it to the local copy when nothing local is pending.
func (b *Buffer) ApplyRemote(doc store.Document, origin string) (Decision, []Field, Content) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if origin != "" && strings.HasPrefix(origin, b.sessionID+":") {
		if doc.UpdatedAt.After(b.committed) {
			b.committed = doc.UpdatedAt
		}
		if doc.UpdatedAt.After(b.lastSavedAt) {
			b.lastSavedAt = doc.UpdatedAt
		}
		if b.pending != nil && b.pending.origin == origin {
			b.pending.committed = true
			if b.edits == b.pending.edits {
				b.dirty = false
			}
		}
		return DecisionEcho, nil, b.content
	}
	if !doc.UpdatedAt.After(b.committed) {
		return DecisionStale, nil, b.content
	}
	b.committed = doc.UpdatedAt

	// A foreign change seen before the echo of our in-flight write committed
	// before it and is about to be overwritten.
	if b.dirty || (b.pending != nil && !b.pending.committed) {
		return DecisionDiscarded, nil, b.content
	}

	var changed []Field
	if doc.Title != b.content.Title {
		b.content.Title = doc.Title
		changed = append(changed, FieldTitle)
	}
	if doc.Body != b.content.Body {
		b.content.Body = doc.Body
		changed = append(changed, FieldBody)
	}
	return DecisionApplied, changed, b.content
}

func (b *Buffer) Content() Content {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content
}

func (b *Buffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

func (b *Buffer) State() SaveState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Buffer) stateLocked() SaveState {
	s := SaveState{Status: b.status, Error: b.lastErr}
	if !b.lastSavedAt.IsZero() {
		t := b.lastSavedAt
		s.LastSavedAt = &t
	}
	return s
}

// Close cancels the autosave timer and any retry in progress. With flush
// set, a dirty buffer gets one last write attempt.
func (b *Buffer) Close(flush bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerGen++
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	if !flush || !b.Dirty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer cancel()
	if err := b.flush(ctx, "close", false); err != nil {
		logger.Sugar.Errorf("Final save of doc %s failed, unsaved edits lost: %v", b.documentID, err)
	}
}

// mergeCancel returns a context cancelled when either parent is.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
