package store

import "sync"

// Hub fans change events out to subscribers keyed by (account,
// folder). Broadcast never blocks: a subscriber that has fallen behind
// misses intermediate events but can always re-read the store, which
// is already past the state the event announced.
type Hub struct {
	mu   sync.RWMutex
	subs map[subKey]map[chan Event]struct{}
}

type subKey struct {
	accountID string
	folder    string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[subKey]map[chan Event]struct{})}
}

// Subscribe registers for events on one (account, folder) pair. An
// empty folder subscribes to all events of the account. The returned
// func unsubscribes and closes the channel.
func (h *Hub) Subscribe(accountID, folder string) (<-chan Event, func()) {
	key := subKey{accountID: accountID, folder: folder}
	ch := make(chan Event, 8)

	h.mu.Lock()
	if _, ok := h.subs[key]; !ok {
		h.subs[key] = make(map[chan Event]struct{})
	}
	h.subs[key][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subscribers, ok := h.subs[key]
		if !ok {
			return
		}
		if _, present := subscribers[ch]; !present {
			// Already closed by an account drop.
			return
		}
		delete(subscribers, ch)
		if len(subscribers) == 0 {
			delete(h.subs, key)
		}
		close(ch)
	}
}

// Publish delivers an event to folder-level and account-level
// subscribers without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	keys := []subKey{
		{accountID: ev.AccountID, folder: ev.Folder},
	}
	if ev.Folder != "" {
		keys = append(keys, subKey{accountID: ev.AccountID})
	}

	for _, key := range keys {
		for ch := range h.subs[key] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// dropAccount removes every subscription of an account. Channels are
// closed so consumers observe the account's removal.
func (h *Hub) dropAccount(accountID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, subscribers := range h.subs {
		if key.accountID != accountID {
			continue
		}
		for ch := range subscribers {
			close(ch)
		}
		delete(h.subs, key)
	}
}
