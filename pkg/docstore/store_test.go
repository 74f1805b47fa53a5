package docstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/ledger-notify/pkg/changefeed"
	"github.com/angelmondragon/ledger-notify/pkg/db"
	"github.com/angelmondragon/ledger-notify/pkg/db/models"
	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	store  *Store
	feed   *changefeed.Memory
	client *db.Client
}

func newHarness(t *testing.T) harness {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return newHarnessWithClock(t, clock.Now)
}

func newHarnessWithClock(t *testing.T, now func() time.Time) harness {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(models.All()...))

	client := db.NewFromConn(conn)
	feed := changefeed.NewMemory()
	store, err := New(context.Background(), client, feed, nil, WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		_ = client.Close()
	})
	return harness{store: store, feed: feed, client: client}
}

func insertNote(t *testing.T, s *Store, owner, title string) string {
	t.Helper()
	id, err := s.Insert(context.Background(), CollectionNotifications, map[string]any{
		FieldUserID:  owner,
		FieldTitle:   title,
		FieldMessage: title + " body",
		FieldRead:    false,
	})
	require.NoError(t, err)
	return id
}

func inbox(owner string) Query {
	return Query{
		Collection: CollectionNotifications,
		Filters:    []Filter{Eq(FieldUserID, owner)},
		Order:      Order{Field: FieldCreatedAt, Desc: true},
	}
}

func titles(docs []Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Fields[FieldTitle].(string))
	}
	return out
}

func TestInsertAssignsIDAndServerTimestamp(t *testing.T) {
	h := newHarness(t)
	id := insertNote(t, h.store, "owner-1", "Job Offer")
	require.NotEmpty(t, id)

	doc, err := h.store.Get(context.Background(), CollectionNotifications, id)
	require.NoError(t, err)
	require.Equal(t, id, doc.ID)
	require.Equal(t, "owner-1", doc.Fields[FieldUserID])
	require.Equal(t, false, doc.Fields[FieldRead])
	created, ok := doc.Fields[FieldCreatedAt].(time.Time)
	require.True(t, ok)
	require.True(t, created.After(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
}

func TestInsertValidatesFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Insert(ctx, CollectionNotifications, map[string]any{FieldUserID: "u", FieldTitle: "t"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.store.Insert(ctx, CollectionNotifications, map[string]any{
		FieldUserID: "u", FieldTitle: "t", FieldMessage: "m", FieldRead: false, "color": "red",
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.store.Insert(ctx, "ledgers", map[string]any{})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestInsertRejectsForeignOwner(t *testing.T) {
	h := newHarness(t)
	ctx := WithPrincipal(context.Background(), "owner-1")
	_, err := h.store.Insert(ctx, CollectionNotifications, map[string]any{
		FieldUserID: "owner-2", FieldTitle: "t", FieldMessage: "m", FieldRead: false,
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
}

func TestFindOrdersNewestFirstAndScopesOwner(t *testing.T) {
	h := newHarness(t)
	insertNote(t, h.store, "owner-1", "Job Offer")
	insertNote(t, h.store, "owner-2", "Security")
	insertNote(t, h.store, "owner-1", "System Alert")

	docs, err := h.store.Find(WithPrincipal(context.Background(), "owner-1"), inbox("owner-1"))
	require.NoError(t, err)
	require.Equal(t, []string{"System Alert", "Job Offer"}, titles(docs))
	for i := 0; i+1 < len(docs); i++ {
		a := docs[i].Fields[FieldCreatedAt].(time.Time)
		b := docs[i+1].Fields[FieldCreatedAt].(time.Time)
		require.False(t, a.Before(b))
	}

	_, err = h.store.Find(WithPrincipal(context.Background(), "owner-1"), inbox("owner-2"))
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
}

func TestInsertKeepsOrderWithinOneClockTick(t *testing.T) {
	frozen := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarnessWithClock(t, func() time.Time { return frozen })
	insertNote(t, h.store, "owner-1", "Job Offer")
	insertNote(t, h.store, "owner-1", "System Alert")
	insertNote(t, h.store, "owner-1", "Security")

	docs, err := h.store.Find(context.Background(), inbox("owner-1"))
	require.NoError(t, err)
	require.Equal(t, []string{"Security", "System Alert", "Job Offer"}, titles(docs))
	newest := docs[0].Fields[FieldCreatedAt].(time.Time)
	oldest := docs[2].Fields[FieldCreatedAt].(time.Time)
	require.Equal(t, 2*time.Microsecond, newest.Sub(oldest))
}

func TestFindPaginatesAfterPosition(t *testing.T) {
	h := newHarness(t)
	for _, title := range []string{"a", "b", "c"} {
		insertNote(t, h.store, "owner-1", title)
	}
	q := inbox("owner-1")
	q.Limit = 2
	first, err := h.store.Find(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, titles(first))

	last := first[len(first)-1]
	q.StartAfter = &Position{Value: last.Fields[FieldCreatedAt], ID: last.ID}
	second, err := h.store.Find(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, titles(second))
}

func TestCountMatchesFilters(t *testing.T) {
	h := newHarness(t)
	id := insertNote(t, h.store, "owner-1", "a")
	insertNote(t, h.store, "owner-1", "b")
	require.NoError(t, h.store.Update(context.Background(), CollectionNotifications, id, map[string]any{FieldRead: true}))

	n, err := h.store.Count(context.Background(), Query{
		Collection: CollectionNotifications,
		Filters:    []Filter{Eq(FieldUserID, "owner-1"), Eq(FieldRead, false)},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestUpdateEnforcesFieldRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := insertNote(t, h.store, "owner-1", "a")

	require.NoError(t, h.store.Update(ctx, CollectionNotifications, id, map[string]any{FieldRead: true}))
	require.NoError(t, h.store.Update(ctx, CollectionNotifications, id, map[string]any{FieldRead: true}))

	err := h.store.Update(ctx, CollectionNotifications, id, map[string]any{FieldRead: false})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = h.store.Update(ctx, CollectionNotifications, id, map[string]any{FieldUserID: "owner-2"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = h.store.Update(WithPrincipal(ctx, "owner-2"), CollectionNotifications, id, map[string]any{FieldRead: true})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	err = h.store.Update(ctx, CollectionNotifications, uuid.NewString(), map[string]any{FieldRead: true})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestBatchUpdateIsAtomic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := insertNote(t, h.store, "owner-1", "a")
	b := insertNote(t, h.store, "owner-1", "b")

	err := h.store.BatchUpdate(ctx, []Mutation{
		{Collection: CollectionNotifications, ID: a, Fields: map[string]any{FieldRead: true}},
		{Collection: CollectionNotifications, ID: uuid.NewString(), Fields: map[string]any{FieldRead: true}},
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	doc, err := h.store.Get(ctx, CollectionNotifications, a)
	require.NoError(t, err)
	require.Equal(t, false, doc.Fields[FieldRead])

	require.NoError(t, h.store.BatchUpdate(ctx, []Mutation{
		{Collection: CollectionNotifications, ID: a, Fields: map[string]any{FieldRead: true}},
		{Collection: CollectionNotifications, ID: b, Fields: map[string]any{FieldRead: true}},
	}))
	n, err := h.store.Count(ctx, Query{
		Collection: CollectionNotifications,
		Filters:    []Filter{Eq(FieldUserID, "owner-1"), Eq(FieldRead, false)},
	})
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, h.store.BatchUpdate(ctx, nil))
}

func TestSetDocUpsertsProfile(t *testing.T) {
	h := newHarness(t)
	uid := uuid.NewString()
	ctx := WithPrincipal(context.Background(), uid)

	require.NoError(t, h.store.SetDoc(ctx, CollectionUsers, uid, map[string]any{FieldUID: uid, FieldEmail: "clerk@ledger.test"}))
	first, err := h.store.Get(ctx, CollectionUsers, uid)
	require.NoError(t, err)

	require.NoError(t, h.store.SetDoc(ctx, CollectionUsers, uid, map[string]any{FieldUID: uid, FieldEmail: "archivist@ledger.test"}))
	second, err := h.store.Get(ctx, CollectionUsers, uid)
	require.NoError(t, err)
	require.Equal(t, "archivist@ledger.test", second.Fields[FieldEmail])
	require.Equal(t, first.Fields[FieldCreatedAt], second.Fields[FieldCreatedAt])

	err = h.store.SetDoc(ctx, CollectionUsers, uid, map[string]any{FieldUID: uuid.NewString(), FieldEmail: "x@ledger.test"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.store.Get(WithPrincipal(context.Background(), "someone-else"), CollectionUsers, uid)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
