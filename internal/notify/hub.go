package notify

import (
	"log/slog"
	"sync"
)

// DefaultBuffer is the per-subscriber event buffer size. A subscriber whose
// buffer is full when an event arrives is treated as dead and pruned.
const DefaultBuffer = 16

// Subscriber is one live client connection registered with the Hub. Events
// are delivered on Events; Done is closed when the subscriber is removed
// from the registry.
type Subscriber struct {
	owner    string
	events   chan Event
	done     chan struct{}
	doneOnce sync.Once
}

// Events returns the channel the subscriber receives events on. The channel
// is never closed; select on Done to detect removal.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Done is closed when the subscriber has been disconnected from the hub.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Owner returns the owning user id the subscriber was registered under.
func (s *Subscriber) Owner() string {
	return s.owner
}

func (s *Subscriber) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Hub maintains live client subscriptions per owner and fans out typed
// events. It is safe for use from the request-handling goroutines and the
// response consumer loop concurrently: the mutex guards only registry
// operations, sends happen on a snapshot outside the lock.
type Hub struct {
	mu     sync.Mutex
	owners map[string]map[*Subscriber]struct{}
	buffer int
	closed bool
	logger *slog.Logger
}

// NewHub creates a hub. The instance is constructed at startup and injected
// wherever notifications originate; there is no package-level registry.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		owners: make(map[string]map[*Subscriber]struct{}),
		buffer: DefaultBuffer,
		logger: logger,
	}
}

// Connect registers a new subscription under the owner's key. One owner may
// hold any number of concurrent subscriptions (multiple devices or tabs).
func (h *Hub) Connect(owner string) *Subscriber {
	sub := &Subscriber{
		owner:  owner,
		events: make(chan Event, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.markDone()
		return sub
	}
	set, ok := h.owners[owner]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.owners[owner] = set
	}
	set[sub] = struct{}{}
	count := len(set)
	h.mu.Unlock()

	h.logger.Debug("Notification subscriber connected",
		slog.String("owner_id", owner),
		slog.Int("connections", count),
	)

	return sub
}

// Disconnect removes a single subscription. Removing the owner's last
// subscription deletes the owner's registry entry entirely.
func (h *Hub) Disconnect(sub *Subscriber) {
	h.mu.Lock()
	h.remove(sub)
	h.mu.Unlock()

	h.logger.Debug("Notification subscriber disconnected",
		slog.String("owner_id", sub.owner),
	)
}

// remove deletes sub from the registry. Caller must hold h.mu.
func (h *Hub) remove(sub *Subscriber) {
	if set, ok := h.owners[sub.owner]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.owners, sub.owner)
		}
	}
	sub.markDone()
}

// Notify broadcasts event to every subscriber currently registered for
// owner. Delivery is best-effort: a subscriber that cannot accept the event
// is pruned and skipped, never surfaced to the caller. Notifying an owner
// with no live subscribers is a no-op.
func (h *Hub) Notify(owner string, event Event) {
	h.mu.Lock()
	set, ok := h.owners[owner]
	if !ok {
		h.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- event:
		case <-sub.done:
			// Already disconnected between snapshot and send.
		default:
			// Buffer full: the reader is gone or hopelessly behind. Prune
			// rather than block the caller.
			h.mu.Lock()
			h.remove(sub)
			h.mu.Unlock()
			h.logger.Warn("Dropped dead notification subscriber",
				slog.String("owner_id", owner),
				slog.String("event_type", event.Type),
			)
		}
	}
}

// Close disconnects every subscriber and rejects future connects. Called
// once at process shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, set := range h.owners {
		for sub := range set {
			sub.markDone()
		}
	}
	h.owners = make(map[string]map[*Subscriber]struct{})
	h.mu.Unlock()

	h.logger.Info("Notification hub closed")
}

// OwnerConnections returns the number of live subscriptions for owner.
func (h *Hub) OwnerConnections(owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.owners[owner])
}
