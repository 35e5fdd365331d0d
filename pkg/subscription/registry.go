package subscription

import (
	"sort"
	"strings"
	"sync"
)

// Registry tracks, for each owner (a module uuid, or the broker's own
// internal handle id), the set of topic prefixes it has subscribed to.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{subs: make(map[string]map[string]struct{})}
}

// Subscribe adds topic to owner's subscription set. Subscribing to a topic
// already present is a no-op: the set holds each topic once and keeps no
// count, so sub followed by unsub leaves the set as it was only when topic
// was not already subscribed; otherwise the unsub removes it.
func (r *Registry) Subscribe(owner, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[owner]
	if !ok {
		set = make(map[string]struct{})
		r.subs[owner] = set
	}
	set[topic] = struct{}{}
	return nil
}

// Unsubscribe removes topic from owner's subscription set. Unsubscribing a
// topic that was never subscribed is a no-op, never an error.
func (r *Registry) Unsubscribe(owner, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[owner]
	if !ok {
		return nil
	}
	delete(set, topic)
	if len(set) == 0 {
		delete(r.subs, owner)
	}
	return nil
}

// RemoveOwner drops every subscription owned by owner. Module teardown does
// not call it: a module's subscriptions stay registered after it exits, and
// events matching them are then skipped at delivery.
func (r *Registry) RemoveOwner(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, owner)
}

// MatchesOwner reports whether any prefix in owner's subscription set
// matches topic.
func (r *Registry) MatchesOwner(owner, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.subs[owner]
	if !ok {
		return false
	}
	for prefix := range set {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

// Matches returns every owner with at least one subscription prefix
// matching topic, each owner listed at most once regardless of how many of
// its prefixes match. The result is sorted for deterministic iteration.
func (r *Registry) Matches(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var owners []string
	for owner, set := range r.subs {
		for prefix := range set {
			if strings.HasPrefix(topic, prefix) {
				owners = append(owners, owner)
				break
			}
		}
	}
	sort.Strings(owners)
	return owners
}

// OwnerCount returns the number of distinct owners holding at least one
// subscription, for metrics.
func (r *Registry) OwnerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Prefixes returns a sorted snapshot of owner's subscription set, for
// diagnostics and tests.
func (r *Registry) Prefixes(owner string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subs[owner]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
