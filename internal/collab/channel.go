package collab

import (
	"sync"

	"cloudcollab/internal/metrics"
	"cloudcollab/store"
)

// Decision is how a session handled one change notification.
type Decision string

const (
	DecisionGone      Decision = "gone"
	DecisionEcho      Decision = "echo"
	DecisionStale     Decision = "stale"
	DecisionDiscarded Decision = "discarded"
	DecisionApplied   Decision = "applied"
)

// ChannelHooks are called from the channel's delivery goroutine.
type ChannelHooks struct {
	// Document sees every committed put, whatever the buffer decides.
	Document func(store.Document)
	// Applied runs when a remote change replaced local fields.
	Applied func(Content, []Field)
	// Gone runs once if the document is deleted, after which the channel stops.
	Gone func()
}

// Channel follows the committed changes of one document and feeds them to a
// Buffer.
type Channel struct {
	changes   <-chan store.Change
	cancel    func()
	startOnce sync.Once
	done      chan struct{}
}

// SubscribeChannel starts queueing the document's changes. Call it before
// reading the document so that no commit can land between the read and the
// subscription; changes already in the read are classified stale later.
func SubscribeChannel(feed *store.Feed, documentID string) *Channel {
	changes, cancel := feed.Subscribe(store.DocumentTopic(documentID))
	return &Channel{changes: changes, cancel: cancel, done: make(chan struct{})}
}

// Start delivers queued and future changes to b.
func (c *Channel) Start(b *Buffer, m *metrics.Metrics, hooks ChannelHooks) {
	if m == nil {
		m = metrics.Nop()
	}
	c.startOnce.Do(func() {
		go c.run(b, m, hooks)
	})
}

func (c *Channel) run(b *Buffer, m *metrics.Metrics, hooks ChannelHooks) {
	defer close(c.done)
	for change := range c.changes {
		if change.Kind == store.ChangeDelete {
			m.RemoteChanges.WithLabelValues(string(DecisionGone)).Inc()
			if hooks.Gone != nil {
				hooks.Gone()
			}
			return
		}
		if change.Document == nil {
			continue
		}
		if hooks.Document != nil {
			hooks.Document(*change.Document)
		}
		decision, fields, content := b.ApplyRemote(*change.Document, change.Origin)
		m.RemoteChanges.WithLabelValues(string(decision)).Inc()
		if decision == DecisionApplied && len(fields) > 0 && hooks.Applied != nil {
			hooks.Applied(content, fields)
		}
	}
}

// Close unsubscribes and waits for the delivery goroutine. It must not be
// called from a hook.
func (c *Channel) Close() {
	c.cancel()
	c.startOnce.Do(func() { close(c.done) })
	<-c.done
}
