package events

import (
	"sync"

	"github.com/feichai0017/page-colorizer/pkg/logger"
)

// Subscriber receives events. Deliver must not block; an error means the
// subscriber is gone and it will be dropped from every subscription.
type Subscriber interface {
	Deliver(e Event) error
}

// Sink is what the workflow engine emits into.
type Sink interface {
	Emit(documentID string, e Event)
}

// Hub fans events out to per-document and global subscribers.
type Hub struct {
	mu     sync.RWMutex
	byDoc  map[string]map[Subscriber]struct{}
	global map[Subscriber]struct{}
	logger logger.Logger
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		byDoc:  make(map[string]map[Subscriber]struct{}),
		global: make(map[Subscriber]struct{}),
		logger: log,
	}
}

// Subscribe registers s for one document, or for every document when
// documentID is empty.
func (h *Hub) Subscribe(documentID string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if documentID == "" {
		h.global[s] = struct{}{}
		return
	}
	set, ok := h.byDoc[documentID]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.byDoc[documentID] = set
	}
	set[s] = struct{}{}
}

// Unsubscribe removes s from every set it belongs to.
func (h *Hub) Unsubscribe(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s Subscriber) {
	delete(h.global, s)
	for id, set := range h.byDoc {
		delete(set, s)
		if len(set) == 0 {
			delete(h.byDoc, id)
		}
	}
}

// Emit delivers e once to each distinct subscriber of documentID or of the
// global set.
func (h *Hub) Emit(documentID string, e Event) {
	h.mu.RLock()
	targets := make(map[Subscriber]struct{}, len(h.global)+len(h.byDoc[documentID]))
	for s := range h.byDoc[documentID] {
		targets[s] = struct{}{}
	}
	for s := range h.global {
		targets[s] = struct{}{}
	}
	h.mu.RUnlock()

	h.deliver(targets, e)
}

// Broadcast delivers e once to every subscriber the hub knows about.
func (h *Hub) Broadcast(e Event) {
	h.mu.RLock()
	targets := make(map[Subscriber]struct{}, len(h.global))
	for s := range h.global {
		targets[s] = struct{}{}
	}
	for _, set := range h.byDoc {
		for s := range set {
			targets[s] = struct{}{}
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, e)
}

func (h *Hub) deliver(targets map[Subscriber]struct{}, e Event) {
	var failed []Subscriber
	for s := range targets {
		if err := s.Deliver(e); err != nil {
			h.logger.Debug("Dropping subscriber after failed delivery",
				logger.String("type", string(e.Type)),
				logger.Error(err),
			)
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, s := range failed {
		h.removeLocked(s)
	}
	h.mu.Unlock()
}

// Count returns the number of distinct subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[Subscriber]struct{}, len(h.global))
	for s := range h.global {
		seen[s] = struct{}{}
	}
	for _, set := range h.byDoc {
		for s := range set {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}
