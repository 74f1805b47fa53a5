package inbox

import (
	"context"
	"sync"

	"github.com/angelmondragon/ledger-notify/internal/identity"
	"github.com/angelmondragon/ledger-notify/pkg/docstore"
)

type fakeSource struct {
	mu           sync.Mutex
	listener     identity.Listener
	subscribes   int
	unsubscribes int
}

func (f *fakeSource) Subscribe(listener identity.Listener) identity.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.listener = listener
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.unsubscribes++
			f.mu.Unlock()
		})
	}
}

func (f *fakeSource) emit(s *identity.Session) {
	f.mu.Lock()
	listener := f.listener
	f.mu.Unlock()
	listener(s)
}

type fakeNavigator struct {
	mu        sync.Mutex
	locations []string
}

func (f *fakeNavigator) Redirect(location string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, location)
}

func (f *fakeNavigator) redirects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.locations...)
}

// countingStore records every live query and cancel made through it.
type countingStore struct {
	next LiveStore

	mu      sync.Mutex
	queries []docstore.Query
	cancels int
	events  []string
}

func (c *countingStore) LiveQuery(ctx context.Context, q docstore.Query, listener docstore.Listener) (docstore.Cancel, error) {
	c.mu.Lock()
	c.queries = append(c.queries, q)
	c.events = append(c.events, "open")
	c.mu.Unlock()

	cancel, err := c.next.LiveQuery(ctx, q, listener)
	if err != nil {
		return nil, err
	}
	return func() {
		c.mu.Lock()
		c.cancels++
		c.events = append(c.events, "cancel")
		c.mu.Unlock()
		cancel()
	}, nil
}

func (c *countingStore) counts() (queries, cancels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries), c.cancels
}

func (c *countingStore) log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

// manualStore hands the listener back to the test instead of querying.
type manualStore struct {
	mu        sync.Mutex
	listeners []docstore.Listener
	err       error
}

func (m *manualStore) LiveQuery(_ context.Context, _ docstore.Query, listener docstore.Listener) (docstore.Cancel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.listeners = append(m.listeners, listener)
	return func() {}, nil
}

func (m *manualStore) emit(i int, snap docstore.Snapshot) {
	m.mu.Lock()
	listener := m.listeners[i]
	m.mu.Unlock()
	listener(snap)
}

type fakeMetrics struct {
	mu        sync.Mutex
	opened    int
	closed    int
	snapshots int
	failures  int
	rejected  int
}

func (f *fakeMetrics) SubscriptionOpened() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
}

func (f *fakeMetrics) SubscriptionClosed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeMetrics) AddRejected(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected += n
}

func (f *fakeMetrics) ObserveSnapshot(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	if err != nil {
		f.failures++
	}
}
