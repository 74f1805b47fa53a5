package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/ledger-notify/pkg/changefeed"
	"github.com/angelmondragon/ledger-notify/pkg/db"
	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChangeChannel carries a notice for every committed write.
const ChangeChannel = "docstore"

// Store serves documents out of the relational database and keeps live
// queries current through the change feed.
type Store struct {
	client *db.Client
	schema *Schema
	feed   changefeed.Feed
	logg   *logger.Logger
	now    func() time.Time
	newID  func() string

	clockMu   sync.Mutex
	lastStamp time.Time

	mu       sync.Mutex
	nextID   uint64
	watchers map[uint64]*watcher
	closed   bool
	stopFeed changefeed.Cancel
}

type Option func(*Store)

// WithClock overrides the server clock used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

func WithSchema(schema *Schema) Option {
	return func(s *Store) { s.schema = schema }
}

// New subscribes the store to the change feed; Close releases it.
func New(ctx context.Context, client *db.Client, feed changefeed.Feed, logg *logger.Logger, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("db client required")
	}
	if feed == nil {
		return nil, fmt.Errorf("change feed required")
	}
	s := &Store{
		client:   client,
		schema:   DefaultSchema(),
		feed:     feed,
		logg:     logg,
		now:      time.Now,
		newID:    uuid.NewString,
		watchers: make(map[uint64]*watcher),
	}
	for _, opt := range opts {
		opt(s)
	}

	stop, err := feed.Subscribe(ctx, ChangeChannel, s.dispatch)
	if err != nil {
		return nil, fmt.Errorf("subscribe to change feed: %w", err)
	}
	s.stopFeed = stop
	return s, nil
}

// Insert creates a document with a store-assigned id and returns that id.
func (s *Store) Insert(ctx context.Context, collection string, fields map[string]any) (string, error) {
	col, err := s.lookup(collection)
	if err != nil {
		return "", err
	}
	id := s.newID()
	row, err := s.rowForCreate(ctx, col, id, fields)
	if err != nil {
		return "", err
	}

	if err := s.client.DB().WithContext(ctx).Model(col.New()).Create(row).Error; err != nil {
		return "", s.writeError(err, "insert "+collection)
	}

	s.publish(ctx, col, id, row)
	return id, nil
}

// SetDoc writes the whole document at id, creating it when absent. The
// creation timestamp of an existing document is preserved.
func (s *Store) SetDoc(ctx context.Context, collection, id string, fields map[string]any) error {
	col, err := s.lookup(collection)
	if err != nil {
		return err
	}
	if id == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "document id is required")
	}
	row, err := s.rowForCreate(ctx, col, id, fields)
	if err != nil {
		return err
	}

	updates := make([]string, 0, len(row))
	for column := range row {
		if column == idColumn || column == s.serverColumn(col) {
			continue
		}
		updates = append(updates, column)
	}
	conflict := clause.OnConflict{Columns: []clause.Column{{Name: idColumn}}}
	if len(updates) == 0 {
		conflict.DoNothing = true
	} else {
		conflict.DoUpdates = clause.AssignmentColumns(updates)
	}
	err = s.client.DB().WithContext(ctx).Model(col.New()).Clauses(conflict).Create(row).Error
	if err != nil {
		return s.writeError(err, "set "+collection+" document")
	}

	s.publish(ctx, col, id, row)
	return nil
}

// Update applies a partial update to one document.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.BatchUpdate(ctx, []Mutation{{Collection: collection, ID: id, Fields: fields}})
}

// BatchUpdate applies every mutation in one transaction. A missing, foreign,
// or invalid target aborts the whole batch. An empty batch writes nothing.
func (s *Store) BatchUpdate(ctx context.Context, mutations []Mutation) error {
	if len(mutations) == 0 {
		return nil
	}

	type planned struct {
		col  *Collection
		id   string
		cols map[string]any
	}
	plan := make([]planned, 0, len(mutations))
	for _, m := range mutations {
		col, err := s.lookup(m.Collection)
		if err != nil {
			return err
		}
		if m.ID == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "document id is required")
		}
		cols, err := updateColumns(col, m.Fields)
		if err != nil {
			return err
		}
		plan = append(plan, planned{col: col, id: m.ID, cols: cols})
	}

	principal := PrincipalFrom(ctx)
	changed := make([]map[string]any, len(plan))
	err := s.client.WithTx(ctx, func(tx *gorm.DB) error {
		for i, p := range plan {
			q := tx.Model(p.col.New()).Where(idColumn+" = ?", p.id)
			if principal != "" && p.col.OwnerField != "" {
				owner, _ := p.col.field(p.col.OwnerField)
				q = q.Where(owner.Column+" = ?", principal)
			}
			res := q.Updates(p.cols)
			if res.Error != nil {
				return s.writeError(res.Error, "update "+p.col.Name)
			}
			if res.RowsAffected == 0 {
				return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("%s/%s not found", p.col.Name, p.id))
			}

			row := map[string]any{}
			err := tx.Model(p.col.New()).Select(p.col.columns()).Where(idColumn+" = ?", p.id).Take(&row).Error
			if err != nil {
				return s.writeError(err, "read back "+p.col.Name)
			}
			changed[i] = row
		}
		return nil
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return err
		}
		return s.writeError(err, "batch update")
	}

	for i, p := range plan {
		s.publish(ctx, p.col, p.id, changed[i])
	}
	return nil
}

// Close stops every live query and detaches from the change feed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watchers := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.watchers = map[uint64]*watcher{}
	stop := s.stopFeed
	s.mu.Unlock()

	for _, w := range watchers {
		w.halt()
	}
	if stop != nil {
		stop()
	}
}

func (s *Store) lookup(collection string) (*Collection, error) {
	col, ok := s.schema.collection(collection)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown collection %q", collection))
	}
	return col, nil
}

func (s *Store) serverColumn(col *Collection) string {
	if col.ServerTimestamp == "" {
		return ""
	}
	f, _ := col.field(col.ServerTimestamp)
	return f.Column
}

// timestamp is strictly increasing within one store so that creates in the
// same microsecond, or under a clock step back, keep their insertion order.
func (s *Store) timestamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

func (s *Store) rowForCreate(ctx context.Context, col *Collection, id string, fields map[string]any) (map[string]any, error) {
	row := map[string]any{idColumn: id}
	for name, value := range fields {
		f, ok := col.field(name)
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown field %q", name))
		}
		if name == col.ServerTimestamp {
			continue
		}
		v, err := coerce(f.Kind, value)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("field %q", name))
		}
		if f.Column == idColumn && v != id {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("field %q must match the document id", name))
		}
		row[f.Column] = v
	}
	for _, f := range col.Fields {
		if !f.Required {
			continue
		}
		if _, ok := row[f.Column]; !ok {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("field %q is required", f.Name))
		}
	}
	if col.ServerTimestamp != "" {
		row[s.serverColumn(col)] = s.timestamp()
	}

	if principal := PrincipalFrom(ctx); principal != "" && col.OwnerField != "" {
		owner, _ := col.field(col.OwnerField)
		if row[owner.Column] != principal {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "document owner must match the caller")
		}
	}
	return row, nil
}

func updateColumns(col *Collection, fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "update has no fields")
	}
	cols := make(map[string]any, len(fields))
	for name, value := range fields {
		f, ok := col.field(name)
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown field %q", name))
		}
		if !f.Mutable {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("field %q is immutable", name))
		}
		v, err := coerce(f.Kind, value)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("field %q", name))
		}
		if f.Check != nil {
			if err := f.Check(v); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("field %q", name))
			}
		}
		cols[f.Column] = v
	}
	return cols, nil
}

func (s *Store) writeError(err error, action string) error {
	if db.IsUniqueViolation(err, "") {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, action+": duplicate document")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, action+" failed")
}

// change is the notice published after a commit. Fields holds the filterable
// values of the written document so subscribers can skip unrelated queries.
type change struct {
	Collection string            `json:"collection"`
	ID         string            `json:"id"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (s *Store) publish(ctx context.Context, col *Collection, id string, row map[string]any) {
	notice := change{Collection: col.Name, ID: id, Fields: map[string]string{}}
	for _, f := range col.Fields {
		if !f.Filterable {
			continue
		}
		if v, ok := row[f.Column]; ok {
			if normalized, err := coerce(f.Kind, v); err == nil {
				v = normalized
			}
			notice.Fields[f.Name] = stringify(v)
		}
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return
	}
	if err := s.feed.Publish(ctx, ChangeChannel, payload); err != nil && s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"collection": col.Name, "document_id": id})
		s.logg.Error(logCtx, "publish document change", err)
	}
}
