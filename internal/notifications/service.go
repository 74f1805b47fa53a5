package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/angelmondragon/ledger-notify/internal/identity"
	"github.com/angelmondragon/ledger-notify/pkg/config"
	"github.com/angelmondragon/ledger-notify/pkg/docstore"
	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
	"github.com/angelmondragon/ledger-notify/pkg/metrics"
	"github.com/angelmondragon/ledger-notify/pkg/pagination"
)

const (
	ActionCreate      = "create"
	ActionMarkRead    = "mark_read"
	ActionMarkAllRead = "mark_all_read"
)

// Store is the document store surface the actions write through.
type Store interface {
	Insert(ctx context.Context, collection string, fields map[string]any) (string, error)
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	BatchUpdate(ctx context.Context, mutations []docstore.Mutation) error
	Find(ctx context.Context, q docstore.Query) ([]docstore.Document, error)
	Count(ctx context.Context, q docstore.Query) (int64, error)
}

type actionObserver interface {
	ObserveAction(action, outcome string, duration time.Duration)
}

// ServiceParams bundles the dependencies required to build a Service.
type ServiceParams struct {
	Store   Store
	Limits  config.InboxConfig
	Metrics actionObserver
	Logger  *logger.Logger
}

// Service implements the notification actions for one signed-in owner at a time.
type Service struct {
	store   Store
	limits  config.InboxConfig
	metrics actionObserver
	logg    *logger.Logger
}

// NewService wires notifications dependencies.
func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "document store required")
	}
	return &Service{
		store:   params.Store,
		limits:  params.Limits,
		metrics: params.Metrics,
		logg:    params.Logger,
	}, nil
}

// Create inserts an unread record owned by the session. Without a session it
// does nothing and returns an empty id.
func (s *Service) Create(ctx context.Context, sess *identity.Session, title, message string) (id string, err error) {
	if sess == nil {
		s.observe(ActionCreate, metrics.OutcomeSkipped, time.Now())
		return "", nil
	}
	defer s.track(ActionCreate, time.Now(), &err)

	title, message = strings.TrimSpace(title), strings.TrimSpace(message)
	if err := s.validate(title, message); err != nil {
		return "", err
	}
	return s.store.Insert(s.scope(ctx, sess), docstore.CollectionNotifications, map[string]any{
		docstore.FieldUserID:  sess.UserID,
		docstore.FieldTitle:   title,
		docstore.FieldMessage: message,
		docstore.FieldRead:    false,
	})
}

// Trigger creates the record for a catalog event.
func (s *Service) Trigger(ctx context.Context, sess *identity.Session, key string) (string, error) {
	event, ok := LookupEvent(key)
	if !ok {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("unknown event %q", key))
	}
	return s.Create(ctx, sess, event.Title, event.Message)
}

// MarkRead sets read on one record. Marking a read record again succeeds.
func (s *Service) MarkRead(ctx context.Context, sess *identity.Session, id string) (err error) {
	defer s.track(ActionMarkRead, time.Now(), &err)
	if sess == nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "session required")
	}
	if strings.TrimSpace(id) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "notification id required")
	}
	return s.store.Update(s.scope(ctx, sess), docstore.CollectionNotifications, id, map[string]any{docstore.FieldRead: true})
}

// MarkAllRead marks the unread records of snapshot in one atomic batch and
// returns how many it marked. An all-read snapshot submits nothing.
func (s *Service) MarkAllRead(ctx context.Context, sess *identity.Session, snapshot []Record) (n int, err error) {
	unread := make([]docstore.Mutation, 0, len(snapshot))
	for _, r := range snapshot {
		if r.Read {
			continue
		}
		unread = append(unread, docstore.Mutation{
			Collection: docstore.CollectionNotifications,
			ID:         r.ID,
			Fields:     map[string]any{docstore.FieldRead: true},
		})
	}
	if len(unread) == 0 {
		s.observe(ActionMarkAllRead, metrics.OutcomeSkipped, time.Now())
		return 0, nil
	}

	defer s.track(ActionMarkAllRead, time.Now(), &err)
	if sess == nil {
		return 0, pkgerrors.New(pkgerrors.CodeUnauthorized, "session required")
	}
	if err := s.store.BatchUpdate(s.scope(ctx, sess), unread); err != nil {
		return 0, err
	}
	return len(unread), nil
}

// List returns one page of the owner's records, newest first.
func (s *Service) List(ctx context.Context, sess *identity.Session, params pagination.Params) (*pagination.Page[Record], error) {
	if sess == nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "session required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	q := InboxQuery(sess.UserID, pagination.LimitWithBuffer(params.Limit))
	if cursor != nil {
		q.StartAfter = &docstore.Position{Value: cursor.CreatedAt, ID: cursor.ID}
	}
	docs, err := s.store.Find(s.scope(ctx, sess), q)
	if err != nil {
		return nil, err
	}
	records, rejected := FromDocuments(docs)
	s.warnRejected(ctx, rejected)

	limit := pagination.NormalizeLimit(params.Limit)
	page := &pagination.Page[Record]{Items: records}
	if len(docs) > limit && len(records) > 0 {
		page.Items = records[:min(limit, len(records))]
		last := page.Items[len(page.Items)-1]
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// Unread counts the owner's unread records in the store.
func (s *Service) Unread(ctx context.Context, sess *identity.Session) (int64, error) {
	if sess == nil {
		return 0, pkgerrors.New(pkgerrors.CodeUnauthorized, "session required")
	}
	return s.store.Count(s.scope(ctx, sess), docstore.Query{
		Collection: docstore.CollectionNotifications,
		Filters: []docstore.Filter{
			docstore.Eq(docstore.FieldUserID, sess.UserID),
			docstore.Eq(docstore.FieldRead, false),
		},
	})
}

// Snapshot reads the owner's inbox once, bounded like a live mirror.
func (s *Service) Snapshot(ctx context.Context, sess *identity.Session) ([]Record, error) {
	if sess == nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "session required")
	}
	docs, err := s.store.Find(s.scope(ctx, sess), InboxQuery(sess.UserID, s.limits.SnapshotLimit))
	if err != nil {
		return nil, err
	}
	records, rejected := FromDocuments(docs)
	s.warnRejected(ctx, rejected)
	return records, nil
}

// InboxQuery selects an owner's records newest first. A zero limit is unbounded.
func InboxQuery(ownerID string, limit int) docstore.Query {
	return docstore.Query{
		Collection: docstore.CollectionNotifications,
		Filters:    []docstore.Filter{docstore.Eq(docstore.FieldUserID, ownerID)},
		Order:      docstore.Order{Field: docstore.FieldCreatedAt, Desc: true},
		Limit:      limit,
	}
}

func (s *Service) scope(ctx context.Context, sess *identity.Session) context.Context {
	return docstore.WithPrincipal(ctx, sess.UserID)
}

func (s *Service) validate(title, message string) error {
	if title == "" || message == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "title and message are required")
	}
	if limit := s.limits.TitleMaxLength; limit > 0 && utf8.RuneCountInString(title) > limit {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("title exceeds %d characters", limit))
	}
	if limit := s.limits.MessageMaxLength; limit > 0 && utf8.RuneCountInString(message) > limit {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("message exceeds %d characters", limit))
	}
	return nil
}

func (s *Service) warnRejected(ctx context.Context, rejected []error) {
	if s.logg == nil {
		return
	}
	for _, err := range rejected {
		s.logg.Warn(s.logg.WithField(ctx, "reason", err.Error()), "dropping malformed notification")
	}
}

func (s *Service) track(action string, started time.Time, err *error) {
	outcome := metrics.OutcomeOK
	if *err != nil {
		outcome = metrics.OutcomeError
	}
	s.observe(action, outcome, started)
}

func (s *Service) observe(action, outcome string, started time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveAction(action, outcome, time.Since(started))
	}
}
