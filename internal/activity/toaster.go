package activity

import (
	"sync"
	"time"

	"cloudcollab/store"
)

type Toast struct {
	Event store.ActivityEvent `json:"event"`
	Label string              `json:"label"`
	Text  string              `json:"text"`
}

// Toaster shows one toast at a time and hides it after a fixed delay. A new
// toast replaces the visible one and restarts the delay.
type Toaster struct {
	delay     time.Duration
	onShow    func(Toast)
	onDismiss func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	visible bool
	stopped bool
}

func NewToaster(delay time.Duration, onShow func(Toast), onDismiss func()) *Toaster {
	return &Toaster{delay: delay, onShow: onShow, onDismiss: onDismiss}
}

func (t *Toaster) Show(e store.ActivityEvent) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.visible = true
	t.timer = time.AfterFunc(t.delay, func() { t.expire(gen) })
	t.mu.Unlock()

	t.onShow(Toast{Event: e, Label: Label(e.Kind), Text: Describe(e)})
}

func (t *Toaster) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.visible || t.stopped {
		t.mu.Unlock()
		return
	}
	t.visible = false
	t.mu.Unlock()

	t.onDismiss()
}

// Dismiss hides the visible toast right away.
func (t *Toaster) Dismiss() {
	t.mu.Lock()
	if !t.visible || t.stopped {
		t.mu.Unlock()
		return
	}
	t.visible = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()

	t.onDismiss()
}

// Stop cancels the pending dismissal without emitting anything.
func (t *Toaster) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}
