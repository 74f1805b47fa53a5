package docstore

import (
	"context"
	"encoding/json"
	"sync"

	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
)

type watcher struct {
	id       uint64
	query    Query
	col      *Collection
	filters  map[string]string
	listener Listener
	wake     chan struct{}
	stop     chan struct{}
	once     sync.Once
}

func (w *watcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) halt() {
	w.once.Do(func() { close(w.stop) })
}

func (w *watcher) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// matches reports whether a written document may affect the query result.
// Mutable fields are not compared since the document may have just left the
// result set.
func (w *watcher) matches(notice change) bool {
	if notice.Collection != w.col.Name {
		return false
	}
	for field, want := range w.filters {
		if f, _ := w.col.field(field); f != nil && f.Mutable {
			continue
		}
		if got, ok := notice.Fields[field]; ok && got != want {
			return false
		}
	}
	return true
}

// LiveQuery delivers the full result set of q to listener now and after every
// change that may affect it. Snapshots for one subscription are delivered
// sequentially from a single goroutine. A failed re-query delivers a snapshot
// carrying the error and ends the subscription. Cancel, or the end of ctx,
// stops delivery; a snapshot already being delivered is not interrupted.
func (s *Store) LiveQuery(ctx context.Context, q Query, listener Listener) (Cancel, error) {
	if listener == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "listener is required")
	}
	col, err := s.validateQuery(ctx, q)
	if err != nil {
		return nil, err
	}

	filters := make(map[string]string, len(q.Filters))
	for _, f := range q.Filters {
		field, _ := col.field(f.Field)
		v, _ := coerce(field.Kind, f.Value)
		filters[f.Field] = stringify(v)
	}
	w := &watcher{
		query:    q,
		col:      col,
		filters:  filters,
		listener: listener,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, pkgerrors.New(pkgerrors.CodeSubscription, "document store is closed")
	}
	s.nextID++
	w.id = s.nextID
	s.watchers[w.id] = w
	s.mu.Unlock()

	go s.watch(ctx, w)

	return func() {
		w.halt()
		s.remove(w.id)
	}, nil
}

// Watching reports how many live queries are open.
func (s *Store) Watching() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *Store) watch(ctx context.Context, w *watcher) {
	defer s.remove(w.id)
	for {
		docs, err := s.Find(ctx, w.query)
		if w.stopped() || ctx.Err() != nil {
			return
		}
		if err != nil {
			w.listener(Snapshot{Err: pkgerrors.Wrap(pkgerrors.CodeSubscription, err, "live query failed"), At: s.now()})
			return
		}
		w.listener(Snapshot{Documents: docs, At: s.now()})

		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.wake:
		}
	}
}

func (s *Store) remove(id uint64) {
	s.mu.Lock()
	delete(s.watchers, id)
	s.mu.Unlock()
}

func (s *Store) dispatch(ctx context.Context, payload []byte) {
	var notice change
	if err := json.Unmarshal(payload, &notice); err != nil {
		if s.logg != nil {
			s.logg.Warn(ctx, "dropping malformed document change notice")
		}
		return
	}

	s.mu.Lock()
	targets := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		if w.matches(notice) {
			targets = append(targets, w)
		}
	}
	s.mu.Unlock()

	for _, w := range targets {
		w.signal()
	}
}
