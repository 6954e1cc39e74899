package authreq

import (
	"context"
	"sync"
)

const (
	defaultRequestBuffer    = 16
	defaultSubscriberBuffer = 4
)

// Surface carries login requests into the coordinator and loginSucceeded
// notifications back out to requesters. It is created by the owner of the
// coordinator and handed to it at construction.
type Surface struct {
	requests chan AuthService

	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

// NewSurface creates a surface whose request channel holds up to buffer
// pending requests.
func NewSurface(buffer int) *Surface {
	if buffer <= 0 {
		buffer = defaultRequestBuffer
	}
	return &Surface{
		requests: make(chan AuthService, buffer),
		subs:     make(map[int]chan struct{}),
	}
}

// RequestLogin raises a login request for svc. It blocks only while the
// request buffer is full.
func (s *Surface) RequestLogin(ctx context.Context, svc AuthService) error {
	select {
	case s.requests <- svc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Requests is the inbound side, read by the coordinator.
func (s *Surface) Requests() <-chan AuthService {
	return s.requests
}

// Subscribe registers for loginSucceeded notifications. The returned cancel
// func must be called once the subscriber is done.
func (s *Surface) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, defaultSubscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// NotifyLoginSucceeded tells every subscriber to retry. It never blocks; a
// subscriber with a full buffer already has a retry pending.
func (s *Surface) NotifyLoginSucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the number of active subscribers.
func (s *Surface) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
