package changes

import (
	"context"
	"sync"
	"time"
)

// Feed is an in-memory collection that emits notifications to every open subscription.
// It implements Source and Counter and backs the memory backend and the tests.
type Feed struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	subs    map[*feedStream]struct{}
	buffer  int
	countFn func() (int64, error)
}

// NewFeed creates an empty feed; buffer is the per-subscription channel capacity.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{
		docs:   map[string]map[string]any{},
		subs:   map[*feedStream]struct{}{},
		buffer: buffer,
	}
}

// Subscribe opens a new stream that receives notifications published after this call.
func (f *Feed) Subscribe(_ context.Context) (Stream, error) {
	s := &feedStream{
		feed: f,
		ch:   make(chan Notification, f.buffer),
		done: make(chan struct{}),
	}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s, nil
}

// Insert stores doc under key and notifies subscribers.
func (f *Feed) Insert(key string, doc map[string]any) {
	f.mu.Lock()
	f.docs[key] = doc
	f.mu.Unlock()
	f.Publish(Notification{Operation: OpInsert, Key: key, Document: doc})
}

// Delete removes key and notifies subscribers. The removed document is attached as pre-image.
func (f *Feed) Delete(key string) {
	f.mu.Lock()
	doc := f.docs[key]
	delete(f.docs, key)
	f.mu.Unlock()
	f.Publish(Notification{Operation: OpDelete, Key: key, Document: doc})
}

// Publish delivers n to every open subscription without touching the stored documents.
func (f *Feed) Publish(n Notification) {
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now().UTC()
	}
	f.mu.Lock()
	subs := make([]*feedStream, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.push(n)
	}
}

// Fail terminates every open subscription with err.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	subs := make([]*feedStream, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.fail(err)
	}
}

// Subscribers returns the number of open subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// SetCountFunc overrides Count, e.g. to simulate a failing count query.
func (f *Feed) SetCountFunc(fn func() (int64, error)) {
	f.mu.Lock()
	f.countFn = fn
	f.mu.Unlock()
}

// Count returns the number of stored documents.
func (f *Feed) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countFn != nil {
		return f.countFn()
	}
	return int64(len(f.docs)), nil
}

func (f *Feed) remove(s *feedStream) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

type feedStream struct {
	feed *Feed
	ch   chan Notification

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (s *feedStream) push(n Notification) {
	select {
	case <-s.done:
	case s.ch <- n:
	}
}

func (s *feedStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *feedStream) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return ErrStreamClosed
	}
	return s.err
}

func (s *feedStream) Next(ctx context.Context) (Notification, error) {
	// buffered notifications win over a terminal failure
	select {
	case n := <-s.ch:
		return n, nil
	default:
	}
	select {
	case n := <-s.ch:
		return n, nil
	case <-s.done:
		select {
		case n := <-s.ch:
			return n, nil
		default:
		}
		return Notification{}, s.failure()
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	}
}

func (s *feedStream) TryNext(_ context.Context) (Notification, bool, error) {
	select {
	case n := <-s.ch:
		return n, true, nil
	default:
		return Notification{}, false, nil
	}
}

func (s *feedStream) Close(_ context.Context) error {
	s.fail(ErrStreamClosed)
	s.feed.remove(s)
	return nil
}
