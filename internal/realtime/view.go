package realtime

import (
	"sync"

	"github.com/capitalize-ai/live-support/internal/notify"
)

// notificationBuffer bounds undelivered notifications per client.
const notificationBuffer = 8

// View is what the engine needs to know about the viewing surface.
type View interface {
	ActiveConversationID() string
	Backgrounded() bool
}

// ViewState is a concurrency-safe View fed by client signals.
type ViewState struct {
	mu           sync.RWMutex
	active       string
	backgrounded bool
}

// NewViewState creates a foregrounded view with no open conversation.
func NewViewState() *ViewState {
	return &ViewState{}
}

var _ View = (*ViewState)(nil)

// ActiveConversationID returns the open conversation, or "".
func (v *ViewState) ActiveConversationID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.active
}

// SetActive records the open conversation. "" means none.
func (v *ViewState) SetActive(conversationID string) {
	v.mu.Lock()
	v.active = conversationID
	v.mu.Unlock()
}

// Backgrounded reports whether the viewing surface lost focus.
func (v *ViewState) Backgrounded() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.backgrounded
}

// SetBackgrounded records the host's visibility signal.
func (v *ViewState) SetBackgrounded(backgrounded bool) {
	v.mu.Lock()
	v.backgrounded = backgrounded
	v.mu.Unlock()
}

// Presence holds the live view surface of each connected visitor, keyed
// by visitor id. Entries live while at least one stream holds them.
type Presence struct {
	mu      sync.Mutex
	entries map[string]*presenceEntry
}

// VisitorSurface is a visitor's view state, notification queue and the
// reply watcher its streams share.
type VisitorSurface struct {
	View          *ViewState
	Notifications *notify.Queue
	Replies       *Watcher
}

func newVisitorSurface() *VisitorSurface {
	view := NewViewState()
	queue := notify.NewQueue(notificationBuffer)
	return &VisitorSurface{
		View:          view,
		Notifications: queue,
		Replies:       NewWatcher(view, queue),
	}
}

type presenceEntry struct {
	surface *VisitorSurface
	refs    int
}

// NewPresence creates an empty registry.
func NewPresence() *Presence {
	return &Presence{entries: make(map[string]*presenceEntry)}
}

// Acquire returns the visitor's surface and a release func.
func (p *Presence) Acquire(visitorID string) (*VisitorSurface, func()) {
	p.mu.Lock()
	e, ok := p.entries[visitorID]
	if !ok {
		e = &presenceEntry{surface: newVisitorSurface()}
		p.entries[visitorID] = e
	}
	e.refs++
	p.mu.Unlock()

	var once sync.Once
	return e.surface, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			e.refs--
			if e.refs <= 0 && p.entries[visitorID] == e {
				delete(p.entries, visitorID)
			}
		})
	}
}

// Update applies the visitor's visibility and permission signals and returns
// the surface they were applied to, or nil when the visitor has no live
// stream. fresh is true when permission has just been granted.
func (p *Presence) Update(visitorID string, backgrounded, granted bool) (surface *VisitorSurface, fresh bool) {
	p.mu.Lock()
	e, ok := p.entries[visitorID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.surface.View.SetBackgrounded(backgrounded)
	return e.surface, e.surface.Notifications.SetPermission(granted)
}

// Len returns the number of connected visitors.
func (p *Presence) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
