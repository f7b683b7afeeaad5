package network

import (
	"sort"
	"sync"

	"baatcheet/metrics"
)

// Registry tracks open channels per identity and the rooms each channel is
// subscribed to. An identity with no channels is offline.
type Registry struct {
	mu sync.RWMutex

	byIdentity    map[string]map[string]*Channel
	subscriptions map[string]map[string]struct{}

	metrics *metrics.Metrics
}

// NewRegistry returns an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		byIdentity:    make(map[string]map[string]*Channel),
		subscriptions: make(map[string]map[string]struct{}),
		metrics:       m,
	}
}

// Add registers ch under its principal and subscribes it to roomIDs.
func (r *Registry) Add(ch *Channel, roomIDs []string) {
	identityID := ch.Principal().ID

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byIdentity[identityID]
	if !ok {
		set = make(map[string]*Channel)
		r.byIdentity[identityID] = set
	}
	if _, exists := set[ch.ID()]; !exists && r.metrics != nil {
		r.metrics.OpenChannels.Inc()
	}
	set[ch.ID()] = ch

	rooms := make(map[string]struct{}, len(roomIDs))
	for _, roomID := range roomIDs {
		rooms[roomID] = struct{}{}
	}
	r.subscriptions[ch.ID()] = rooms
}

// Remove drops ch. Removing an unknown channel is a no-op.
func (r *Registry) Remove(ch *Channel) {
	identityID := ch.Principal().ID

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byIdentity[identityID]
	if !ok {
		return
	}
	if _, exists := set[ch.ID()]; !exists {
		return
	}
	delete(set, ch.ID())
	delete(r.subscriptions, ch.ID())
	if len(set) == 0 {
		delete(r.byIdentity, identityID)
	}
	if r.metrics != nil {
		r.metrics.OpenChannels.Dec()
	}
}

// Subscribe adds roomID to ch's subscriptions.
func (r *Registry) Subscribe(ch *Channel, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.subscriptions[ch.ID()]
	if !ok {
		return
	}
	rooms[roomID] = struct{}{}
}

// Subscriptions returns the sorted rooms ch is subscribed to.
func (r *Registry) Subscriptions(ch *Channel) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.subscriptions[ch.ID()]))
	for roomID := range r.subscriptions[ch.ID()] {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Channels returns a snapshot of identityID's open channels.
func (r *Registry) Channels(identityID string) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byIdentity[identityID]
	out := make([]*Channel, 0, len(set))
	for _, ch := range set {
		out = append(out, ch)
	}
	return out
}

// Online reports whether identityID has at least one open channel.
func (r *Registry) Online(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}

// CloseAll closes every registered channel.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	channels := make([]*Channel, 0, len(r.subscriptions))
	for _, set := range r.byIdentity {
		for _, ch := range set {
			channels = append(channels, ch)
		}
	}
	r.mu.RUnlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}
