package account

import (
	"sync"

	"cloudcollab/store"
)

// Session is the auth state of one connection. It emits the signed-in
// account and then nil once the token is logged out anywhere.
type Session struct {
	svc     *Service
	claims  *Claims
	account store.Account

	mu      sync.Mutex
	current *store.Account
	subs    map[int]chan *store.Account
	nextID  int
	cancel  func()
	closed  bool
}

// NewSession wraps an account returned by Authenticate. Init starts
// listening for logout.
func (s *Service) NewSession(acc store.Account, claims *Claims) *Session {
	return &Session{
		svc:     s,
		claims:  claims,
		account: acc,
		current: &acc,
		subs:    make(map[int]chan *store.Account),
	}
}

func (s *Session) Init() {
	ch, cancel := s.svc.feed.Subscribe(store.AccountTopic(s.account.ID))
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		for c := range ch {
			if c.Kind == store.ChangeDelete && c.Key == s.claims.ID {
				s.signOut()
			}
		}
	}()
}

func (s *Session) signOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return
	}
	s.current = nil
	for _, ch := range s.subs {
		select {
		case ch <- nil:
		default:
		}
	}
}

// Current returns the signed-in account or nil.
func (s *Session) Current() *store.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe delivers the current value immediately and then every change.
func (s *Session) Subscribe() (<-chan *store.Account, func()) {
	ch := make(chan *store.Account, 2)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch <- s.current
	if s.closed {
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
