package transport

import "sync"

// Route pairs an event name with its handler.
type Route struct {
	Event   string
	Handler Handler
}

// Set is a group of subscriptions acquired together and released together.
type Set struct {
	once sync.Once
	subs []Subscription
}

// Attach registers every route on ch and returns the resulting Set.
func Attach(ch Channel, routes ...Route) *Set {
	s := &Set{subs: make([]Subscription, 0, len(routes))}
	for _, r := range routes {
		s.subs = append(s.subs, ch.On(r.Event, r.Handler))
	}
	return s
}

// Detach unsubscribes every route. Only the first call has any effect; a
// nil Set is a no-op.
func (s *Set) Detach() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		for _, sub := range s.subs {
			sub.Unsubscribe()
		}
		s.subs = nil
	})
}
