package service

import (
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/relaybroker/pkg/message"
	"github.com/cuemby/relaybroker/pkg/rpcerr"
)

// Handler receives a message dispatched to the service it is registered
// under. Implementations must not block the switch's own lock; a module
// handler typically just forwards m onto an inproc channel.
type Handler interface {
	Handle(m message.Message) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(m message.Message) error

func (f HandlerFunc) Handle(m message.Message) error { return f(m) }

// Entry is one registered service.
type Entry struct {
	// Name is the topic prefix this entry owns, e.g. "job-manager".
	Name string
	// Owner is the uuid of the module that registered this name, or ""
	// for a built-in broker service.
	Owner string
	// Handler is invoked for any message whose topic matches Name.
	Handler Handler
}

// Switch is the broker's service switch: a registry of topic-prefix to
// Entry, dispatched by longest-dotted-prefix match.
type Switch struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty service switch.
func New() *Switch {
	return &Switch{entries: make(map[string]*Entry)}
}

// Add registers a new service name. It returns rpcerr.ErrExists if name is
// already registered.
func (s *Switch) Add(name, owner string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return rpcerr.ErrExists
	}
	s.entries[name] = &Entry{Name: name, Owner: owner, Handler: h}
	return nil
}

// Remove unregisters name. It returns rpcerr.ErrNotFound if name is not
// registered.
func (s *Switch) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return rpcerr.ErrNotFound
	}
	delete(s.entries, name)
	return nil
}

// RemoveByUUID unregisters every entry owned by uuid, returning the names
// removed. Called when a module exits so the switch never dispatches to a
// dead module's handler.
func (s *Switch) RemoveByUUID(uuid string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for name, e := range s.entries {
		if e.Owner == uuid {
			delete(s.entries, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// GetUUID returns the owning uuid of a registered name. It returns
// rpcerr.ErrNotFound if name is not registered.
func (s *Switch) GetUUID(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return "", rpcerr.ErrNotFound
	}
	return e.Owner, nil
}

// Send dispatches m to the entry whose name is the longest dot-bounded
// prefix of m.Topic. It returns rpcerr.ErrNoService if no entry matches.
func (s *Switch) Send(m message.Message) error {
	s.mu.RLock()
	e, ok := s.match(m.Topic)
	s.mu.RUnlock()
	if !ok {
		return rpcerr.ErrNoService
	}
	return e.Handler.Handle(m)
}

// match finds the entry with the longest name that is a dot-bounded prefix
// of topic. A name matches topic either if it equals topic exactly, or if
// topic continues past name with a ".". Since names are unique keys in the
// map, the longest match is unambiguous — no tie-break is needed.
func (s *Switch) match(topic string) (*Entry, bool) {
	best := ""
	var bestEntry *Entry
	for name, e := range s.entries {
		if topic != name && !strings.HasPrefix(topic, name+".") {
			continue
		}
		if len(name) > len(best) {
			best = name
			bestEntry = e
		}
	}
	return bestEntry, bestEntry != nil
}

// Count returns the number of registered service names, for metrics and
// overlay.topology introspection.
func (s *Switch) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Authorize enforces the dynamic-registration naming rule: name must begin
// with the credential's userid followed by "-" (the "<userid>-name"
// convention for user-private dynamic services); any other name is
// rejected with rpcerr.ErrPermission. The credential's Rolemask is not
// consulted, so no role is exempt from the rule. Built-in registrations
// performed by the broker itself (owner == "") call Add directly and never
// pass through this check.
func (s *Switch) Authorize(name string, cred message.Credentials) error {
	prefix := strconv.Itoa(cred.Userid) + "-"
	if strings.HasPrefix(name, prefix) {
		return nil
	}
	return rpcerr.ErrPermission
}
