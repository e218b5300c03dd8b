package minion

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Known subscription handles.
const (
	HandleGeneralFeed       = "general_feed"
	HandlePersonFeed        = "person_feed"
	HandleThreadFeed        = "thread_feed"
	HandleFollowing         = "following"
	HandleTempMetadata      = "temp_subscribe_metadata"
	handleTempEventsPrefix  = "temp_events_"
)

// subscription tracks one live subscription on the relay. The wire id is
// rewritten on every (re)subscribe so relays that silently cut
// subscriptions restart cleanly.
type subscription struct {
	handle  string
	wireID  string
	filters nostr.Filters

	// eoseAt is when the relay signalled end-of-stored-events, 0 while
	// still replaying history.
	eoseAt int64
}

// subscriptions maps handles to live subscriptions and wire ids back to
// handles.
type subscriptions struct {
	byHandle map[string]*subscription
	byWireID map[string]*subscription
	counter  int
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		byHandle: make(map[string]*subscription),
		byWireID: make(map[string]*subscription),
	}
}

// upsert installs (or replaces) the subscription for a handle, assigning a
// fresh wire id. Returns the subscription and the previous wire id ("" if
// none) so the caller can CLOSE it.
func (s *subscriptions) upsert(handle string, filters nostr.Filters) (*subscription, string) {
	previous := ""
	if old, ok := s.byHandle[handle]; ok {
		previous = old.wireID
		delete(s.byWireID, old.wireID)
	}

	s.counter++
	sub := &subscription{
		handle:  handle,
		wireID:  fmt.Sprintf("%s:%d", handle, s.counter),
		filters: filters,
	}
	s.byHandle[handle] = sub
	s.byWireID[sub.wireID] = sub
	return sub, previous
}

// get returns the subscription for a handle.
func (s *subscriptions) get(handle string) (*subscription, bool) {
	sub, ok := s.byHandle[handle]
	return sub, ok
}

// byWire returns the subscription for a wire id.
func (s *subscriptions) byWire(wireID string) (*subscription, bool) {
	sub, ok := s.byWireID[wireID]
	return sub, ok
}

// remove drops a subscription by handle, returning its wire id.
func (s *subscriptions) remove(handle string) (string, bool) {
	sub, ok := s.byHandle[handle]
	if !ok {
		return "", false
	}
	delete(s.byHandle, handle)
	delete(s.byWireID, sub.wireID)
	return sub.wireID, true
}

// all returns every live subscription.
func (s *subscriptions) all() []*subscription {
	out := make([]*subscription, 0, len(s.byHandle))
	for _, sub := range s.byHandle {
		out = append(out, sub)
	}
	return out
}

// nextTempEventsHandle allocates a unique temp_events handle.
func (s *subscriptions) nextTempEventsHandle() string {
	s.counter++
	return fmt.Sprintf("%s%d", handleTempEventsPrefix, s.counter)
}
