package inbox

import (
	"context"
	"sync"

	"github.com/angelmondragon/ledger-notify/internal/identity"
	"github.com/angelmondragon/ledger-notify/internal/notifications"
	"github.com/angelmondragon/ledger-notify/pkg/docstore"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
)

// LiveStore opens live queries.
type LiveStore interface {
	LiveQuery(ctx context.Context, q docstore.Query, listener docstore.Listener) (docstore.Cancel, error)
}

// State is an immutable view of the mirror.
type State struct {
	Records []notifications.Record
	Unread  int
	Err     error
}

// Observer receives the state after every change of the mirror.
type Observer func(State)

type subscriptionMetrics interface {
	SubscriptionOpened()
	SubscriptionClosed()
	ObserveSnapshot(err error)
	AddRejected(n int)
}

type SynchronizerParams struct {
	Store LiveStore
	// Limit caps the mirror; zero mirrors every record.
	Limit    int
	Observer Observer
	Metrics  subscriptionMetrics
	Logger   *logger.Logger
}

// Synchronizer mirrors the live inbox query of the current session. At most
// one subscription is open; it is cancelled before a replacement opens.
type Synchronizer struct {
	store    LiveStore
	limit    int
	observer Observer
	metrics  subscriptionMetrics
	logg     *logger.Logger

	notifyMu sync.Mutex
	mu       sync.Mutex
	ctx      context.Context
	gen      uint64
	owner    string
	cancel   docstore.Cancel
	state    State
}

func NewSynchronizer(params SynchronizerParams) *Synchronizer {
	return &Synchronizer{
		store:    params.Store,
		limit:    params.Limit,
		observer: params.Observer,
		metrics:  params.Metrics,
		logg:     params.Logger,
		ctx:      context.Background(),
	}
}

// Bind sets the context live queries run under.
func (s *Synchronizer) Bind(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

// SetSession follows the session: nil tears the subscription down, a new
// owner replaces it, the same owner keeps it.
func (s *Synchronizer) SetSession(sess *identity.Session) {
	if sess == nil {
		s.Stop()
		return
	}

	s.mu.Lock()
	if s.owner == sess.UserID && s.cancel != nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	old := s.cancel
	s.cancel = nil
	s.owner = sess.UserID
	s.state = State{}
	ctx := docstore.WithPrincipal(s.ctx, sess.UserID)
	s.mu.Unlock()

	s.release(old)

	if s.logg != nil {
		ctx = s.logg.WithUserID(ctx, sess.UserID)
	}
	cancel, err := s.store.LiveQuery(ctx, notifications.InboxQuery(sess.UserID, s.limit), func(snap docstore.Snapshot) {
		s.apply(ctx, gen, snap)
	})

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ObserveSnapshot(err)
		}
		if s.logg != nil {
			s.logg.Error(ctx, "open inbox subscription", err)
		}
		s.publish(gen, func(st *State) { st.Err = err })
		return
	}
	s.cancel = cancel
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SubscriptionOpened()
	}
}

// Stop cancels the subscription, if any, and empties the mirror.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	old := s.cancel
	hadOwner := s.owner != ""
	s.cancel = nil
	s.owner = ""
	s.mu.Unlock()

	s.release(old)
	if hadOwner {
		s.publish(gen, func(st *State) { *st = State{} })
	}
}

// State returns the current mirror.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Records returns the mirror in store order.
func (s *Synchronizer) Records() []notifications.Record {
	return s.State().Records
}

// Active reports whether a subscription is open.
func (s *Synchronizer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Synchronizer) release(cancel docstore.Cancel) {
	if cancel == nil {
		return
	}
	cancel()
	if s.metrics != nil {
		s.metrics.SubscriptionClosed()
	}
}

func (s *Synchronizer) apply(ctx context.Context, gen uint64, snap docstore.Snapshot) {
	if s.metrics != nil {
		s.metrics.ObserveSnapshot(snap.Err)
	}
	if snap.Err != nil {
		if s.logg != nil {
			s.logg.Error(ctx, "inbox subscription failed", snap.Err)
		}
		s.publish(gen, func(st *State) { st.Err = snap.Err })
		return
	}

	records, rejected := notifications.FromDocuments(snap.Documents)
	if len(rejected) > 0 {
		if s.metrics != nil {
			s.metrics.AddRejected(len(rejected))
		}
		if s.logg != nil {
			for _, err := range rejected {
				s.logg.Warn(s.logg.WithField(ctx, "reason", err.Error()), "dropping malformed notification")
			}
		}
	}
	s.publish(gen, func(st *State) {
		*st = State{Records: records, Unread: notifications.UnreadCount(records)}
	})
}

// publish applies mutate when gen is still current and hands the result to
// the observer. Observers see states in the order they were applied.
func (s *Synchronizer) publish(gen uint64, mutate func(*State)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	next := s.state
	mutate(&next)
	s.state = next
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(next)
	}
}
