// Package presence tracks who has a document open and who is typing in it.
// Everything here is best-effort: store failures are logged and dropped.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"cloudcollab/config"
	"cloudcollab/pkg/logger"
	"cloudcollab/store"
)

const writeTimeout = 5 * time.Second

type Member struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
}

type key struct {
	documentID string
	accountID  string
}

type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

type Tracker struct {
	store     store.Presence
	feed      *store.Feed
	heartbeat time.Duration
	ttl       time.Duration
	typingTTL time.Duration

	mu     sync.Mutex
	joins  map[key]int
	typing map[key]*typingTimer
	gen    uint64
}

func NewTracker(st store.Presence, feed *store.Feed, cfg config.CollabConfig) *Tracker {
	return &Tracker{
		store:     st,
		feed:      feed,
		heartbeat: cfg.PresenceHeartbeat,
		ttl:       cfg.PresenceTTL,
		typingTTL: cfg.TypingTTL,
		joins:     make(map[key]int),
		typing:    make(map[key]*typingTimer),
	}
}

// Join creates or refreshes the presence entry and keeps it alive until the
// returned disposer is called. Joins of the same account are counted, so the
// entry survives until its last tab leaves.
func (t *Tracker) Join(documentID, accountID, displayName string) func() {
	k := key{documentID, accountID}
	entry := store.PresenceEntry{DocumentID: documentID, AccountID: accountID, DisplayName: displayName}

	t.mu.Lock()
	t.joins[k]++
	t.mu.Unlock()

	t.upsert(entry)

	stop := make(chan struct{})
	if t.heartbeat > 0 {
		go func() {
			ticker := time.NewTicker(t.heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					t.upsert(entry)
				}
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)

			t.mu.Lock()
			t.joins[k]--
			last := t.joins[k] <= 0
			if last {
				delete(t.joins, k)
			}
			t.mu.Unlock()

			if !last {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			if err := t.store.DeletePresence(ctx, documentID, accountID); err != nil {
				logger.Sugar.Warnf("Failed to leave doc %s for %s: %v", documentID, accountID, err)
			}
		})
	}
}

func (t *Tracker) upsert(e store.PresenceEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := t.store.UpsertPresence(ctx, e); err != nil {
		logger.Sugar.Warnf("Failed to join doc %s for %s: %v", e.DocumentID, e.AccountID, err)
	}
}

// SubscribeRoster streams the viewers of a document, one member per account,
// ordered by join time.
func (t *Tracker) SubscribeRoster(ctx context.Context, documentID string) (<-chan []Member, func()) {
	return store.Watch(ctx, t.feed, store.PresenceTopic(documentID), func(ctx context.Context) ([]Member, error) {
		entries, err := t.store.ListPresence(ctx, documentID)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].JoinedAt.Before(entries[j].JoinedAt) })

		seen := make(map[string]bool, len(entries))
		roster := make([]Member, 0, len(entries))
		for _, e := range entries {
			if seen[e.AccountID] {
				continue
			}
			seen[e.AccountID] = true
			roster = append(roster, Member{AccountID: e.AccountID, DisplayName: e.DisplayName})
		}
		return roster, nil
	})
}

// SignalTyping upserts the typing signal and (re)arms its expiry. Repeated
// calls restart the timer rather than extending it.
func (t *Tracker) SignalTyping(documentID, accountID, displayName string) {
	k := key{documentID, accountID}

	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := t.store.UpsertTyping(ctx, store.TypingSignal{DocumentID: documentID, AccountID: accountID, DisplayName: displayName}); err != nil {
		logger.Sugar.Warnf("Failed to signal typing on doc %s for %s: %v", documentID, accountID, err)
	}

	if prev, ok := t.typing[k]; ok {
		prev.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.typing[k] = &typingTimer{
		gen:   gen,
		timer: time.AfterFunc(t.typingTTL, func() { t.expireTyping(k, gen) }),
	}
}

func (t *Tracker) expireTyping(k key, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.typing[k]; !ok || cur.gen != gen {
		return
	}
	delete(t.typing, k)
	t.deleteTyping(k)
}

// StopTyping cancels a pending expiry and removes the signal right away.
func (t *Tracker) StopTyping(documentID, accountID string) {
	k := key{documentID, accountID}

	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.typing[k]
	if !ok {
		return
	}
	cur.timer.Stop()
	delete(t.typing, k)
	t.deleteTyping(k)
}

// deleteTyping must be called with t.mu held.
func (t *Tracker) deleteTyping(k key) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := t.store.DeleteTyping(ctx, k.documentID, k.accountID); err != nil {
		logger.Sugar.Warnf("Failed to clear typing on doc %s for %s: %v", k.documentID, k.accountID, err)
	}
}

// SubscribeTyping streams everyone typing in a document except the caller.
func (t *Tracker) SubscribeTyping(ctx context.Context, documentID, excludingAccountID string) (<-chan []Member, func()) {
	return store.Watch(ctx, t.feed, store.TypingTopic(documentID), func(ctx context.Context) ([]Member, error) {
		signals, err := t.store.ListTyping(ctx, documentID)
		if err != nil {
			return nil, err
		}
		out := make([]Member, 0, len(signals))
		for _, s := range signals {
			if s.AccountID == excludingAccountID {
				continue
			}
			out = append(out, Member{AccountID: s.AccountID, DisplayName: s.DisplayName})
		}
		return out, nil
	})
}

// RunExpiry removes entries whose heartbeat stopped more than the TTL ago,
// for viewers that disconnected without leaving. It blocks until ctx is done.
func (t *Tracker) RunExpiry(ctx context.Context) error {
	if t.ttl <= 0 {
		return nil
	}
	interval := t.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			expired, err := t.store.ExpirePresence(ctx, now.Add(-t.ttl))
			if err != nil {
				if ctx.Err() == nil {
					logger.Sugar.Warnf("Presence expiry sweep failed: %v", err)
				}
				continue
			}
			if len(expired) > 0 {
				logger.Sugar.Infof("Expired %d stale presence entries", len(expired))
			}
		}
	}
}

// Close cancels pending typing expiries and clears their signals.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, cur := range t.typing {
		cur.timer.Stop()
		delete(t.typing, k)
		t.deleteTyping(k)
	}
}
