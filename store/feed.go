package store

import (
	"sync"

	"cloudcollab/pkg/logger"
)

const feedBuffer = 256

type ChangeKind string

const (
	ChangePut    ChangeKind = "put"
	ChangeDelete ChangeKind = "delete"
)

const (
	TopicDocuments  = "documents"
	TopicActivities = "activities"
)

func DocumentTopic(id string) string { return "document/" + id }
func PresenceTopic(id string) string { return "presence/" + id }
func TypingTopic(id string) string   { return "typing/" + id }
func FilesTopic(id string) string    { return "files/" + id }
func AccountTopic(id string) string  { return "account/" + id }

// Change describes one committed write. Document is set for document topics.
type Change struct {
	Topic    string     `json:"topic"`
	Kind     ChangeKind `json:"kind"`
	Key      string     `json:"key"`
	Document *Document  `json:"document,omitempty"`
	Origin   string     `json:"origin,omitempty"`
}

// Feed is an in-process publish/subscribe bus keyed by topic.
type Feed struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Change
	nextID int
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[string]map[int]chan Change)}
}

// Subscribe returns a buffered channel of changes for topic and a cancel
// func that unsubscribes and closes the channel.
func (f *Feed) Subscribe(topic string) (<-chan Change, func()) {
	ch := make(chan Change, feedBuffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	if f.subs[topic] == nil {
		f.subs[topic] = make(map[int]chan Change)
	}
	f.subs[topic][id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			if subs, ok := f.subs[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(f.subs, topic)
				}
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers c to every subscriber of c.Topic without blocking.
// Callers publish while holding their write lock, so each subscriber sees
// changes of a topic in commit order. A lagging subscriber loses puts, but
// a delete always gets through by evicting the oldest buffered change.
func (f *Feed) Publish(c Change) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs[c.Topic] {
		select {
		case ch <- c:
			continue
		default:
		}
		if c.Kind != ChangeDelete {
			logger.Sugar.Warnf("Feed subscriber on %s is lagging, dropping change %s", c.Topic, c.Key)
			continue
		}
		f.force(ch, c)
	}
}

// force evicts buffered changes until c fits. f.mu must be held so the
// subscription cannot be closed underneath.
func (f *Feed) force(ch chan Change, c Change) {
	for {
		select {
		case ch <- c:
			return
		default:
		}
		select {
		case old := <-ch:
			logger.Sugar.Warnf("Feed subscriber on %s is lagging, evicting change %s for delete %s", c.Topic, old.Key, c.Key)
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (f *Feed) Subscribers(topic string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[topic])
}
