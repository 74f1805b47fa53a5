// Package docstore is a small document database over the relational store.
// Collections map to tables, documents to rows; live queries re-run on every
// change notice and emit complete ordered result sets.
package docstore

import "time"

// Document is a loosely typed record keyed by document field name.
type Document struct {
	ID         string
	Collection string
	Fields     map[string]any
}

type Op string

const OpEqual Op = "=="

type Filter struct {
	Field string
	Op    Op
	Value any
}

// Eq is shorthand for an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

type Order struct {
	Field string
	Desc  bool
}

// Position is the last document seen by a paginated query.
type Position struct {
	Value any
	ID    string
}

// Query selects documents from one collection. Ties on Order are broken by
// document id in the same direction.
type Query struct {
	Collection string
	Filters    []Filter
	Order      Order
	Limit      int
	StartAfter *Position
}

// Mutation is one partial update inside a batch.
type Mutation struct {
	Collection string
	ID         string
	Fields     map[string]any
}

// Snapshot is a complete result set delivered to a live query listener.
// A snapshot with Err set is the last one delivered for that subscription.
type Snapshot struct {
	Documents []Document
	Err       error
	At        time.Time
}

type Listener func(Snapshot)

// Cancel stops a live query. It is idempotent.
type Cancel func()
