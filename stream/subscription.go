package stream

import "sync"

// Subscription is a registered handler on a Reader.
type Subscription struct {
	once        sync.Once
	unsubscribe func()
}

// Unsubscribe removes the handler. Once it returns, the handler will not be invoked again,
// except for an invocation already in progress. It is safe to call more than once, and from within a handler.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}
