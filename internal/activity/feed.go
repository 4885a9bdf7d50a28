// Package activity records document events and streams them back as a
// recent-history list and as toasts for other users' actions.
package activity

import (
	"context"
	"fmt"

	"cloudcollab/pkg/logger"
	"cloudcollab/store"
)

type Feed struct {
	store store.Activities
	feed  *store.Feed
	limit int
}

func NewFeed(st store.Activities, feed *store.Feed, defaultLimit int) *Feed {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	return &Feed{store: st, feed: feed, limit: defaultLimit}
}

// Append records an immutable event. The store assigns id and createdAt.
func (f *Feed) Append(ctx context.Context, kind store.ActivityKind, doc store.Document, actor store.Account) (store.ActivityEvent, error) {
	e, err := f.store.AppendActivity(ctx, store.ActivityEvent{
		Kind:             kind,
		DocumentID:       doc.ID,
		Title:            doc.Title,
		ActorID:          actor.ID,
		ActorDisplayName: actor.DisplayName,
	})
	if err != nil {
		return store.ActivityEvent{}, fmt.Errorf("append %s activity: %w", kind, err)
	}
	logger.Sugar.Debugf("Activity %s on doc %s by %s", kind, doc.ID, actor.ID)
	return e, nil
}

func (f *Feed) Recent(ctx context.Context, limit int) ([]store.ActivityEvent, error) {
	if limit <= 0 {
		limit = f.limit
	}
	return f.store.RecentActivities(ctx, limit)
}

// SubscribeRecent streams the newest events first, truncated to limit.
func (f *Feed) SubscribeRecent(ctx context.Context, limit int) (<-chan []store.ActivityEvent, func()) {
	return store.Watch(ctx, f.feed, store.TopicActivities, func(ctx context.Context) ([]store.ActivityEvent, error) {
		return f.Recent(ctx, limit)
	})
}

// SubscribeLatestForToast emits the newest event each time it changes,
// skipping events whose actor is excludingAccountID.
func (f *Feed) SubscribeLatestForToast(ctx context.Context, excludingAccountID string) (<-chan store.ActivityEvent, func()) {
	recent, cancel := f.SubscribeRecent(ctx, 1)
	out := make(chan store.ActivityEvent, 1)

	go func() {
		defer close(out)
		var lastID string
		for events := range recent {
			if len(events) == 0 {
				continue
			}
			latest := events[0]
			if latest.ActorID == excludingAccountID || latest.ID == lastID {
				continue
			}
			lastID = latest.ID
			store.SendLatest(out, latest)
		}
	}()

	return out, cancel
}

// Label is the verb shown for an event kind.
func Label(kind store.ActivityKind) string {
	switch kind {
	case store.ActivityCreated:
		return "created"
	case store.ActivityUpdated:
		return "updated"
	case store.ActivityDeleted:
		return "deleted"
	case store.ActivityFileUpload:
		return "uploaded files to"
	default:
		return "changed"
	}
}

// Describe renders an event as a sentence, e.g. "Ann uploaded files to Plan".
func Describe(e store.ActivityEvent) string {
	actor := e.ActorDisplayName
	if actor == "" {
		actor = "Someone"
	}
	title := e.Title
	if title == "" {
		title = "a document"
	}
	return fmt.Sprintf("%s %s %s", actor, Label(e.Kind), title)
}
