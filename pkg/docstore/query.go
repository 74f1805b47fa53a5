package docstore

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"gorm.io/gorm"
)

// Get loads one document. Documents owned by someone other than the
// principal are reported as missing.
func (s *Store) Get(ctx context.Context, collection, id string) (Document, error) {
	col, err := s.lookup(collection)
	if err != nil {
		return Document{}, err
	}
	row := map[string]any{}
	err = s.client.DB().WithContext(ctx).
		Model(col.New()).
		Select(col.columns()).
		Where(idColumn+" = ?", id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && len(row) == 0) {
		return Document{}, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}
	if err != nil {
		return Document{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "get "+collection+" failed")
	}

	doc := toDocument(col, row)
	if principal := PrincipalFrom(ctx); principal != "" && col.OwnerField != "" {
		if owner, _ := doc.Fields[col.OwnerField].(string); owner != principal {
			return Document{}, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("%s/%s not found", collection, id))
		}
	}
	return doc, nil
}

// Find runs q once and returns the ordered result set.
func (s *Store) Find(ctx context.Context, q Query) ([]Document, error) {
	col, tx, err := s.build(ctx, q)
	if err != nil {
		return nil, err
	}
	tx = tx.Select(col.columns())
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var rows []map[string]any
	if err := tx.Find(&rows).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "query "+q.Collection+" failed")
	}
	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, toDocument(col, row))
	}
	return docs, nil
}

// Count reports how many documents match q's filters. Order, cursor and
// limit are ignored.
func (s *Store) Count(ctx context.Context, q Query) (int64, error) {
	q.Order, q.StartAfter, q.Limit = Order{}, nil, 0
	_, tx, err := s.build(ctx, q)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count "+q.Collection+" failed")
	}
	return n, nil
}

func (s *Store) validateQuery(ctx context.Context, q Query) (*Collection, error) {
	col, err := s.lookup(q.Collection)
	if err != nil {
		return nil, err
	}
	for _, f := range q.Filters {
		field, ok := col.field(f.Field)
		if !ok || !field.Filterable {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("field %q cannot be filtered", f.Field))
		}
		if f.Op != OpEqual {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported operator %q", f.Op))
		}
		if _, err := coerce(field.Kind, f.Value); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("filter %q", f.Field))
		}
	}
	if q.Order.Field != "" {
		if _, ok := col.field(q.Order.Field); !ok {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("cannot order by %q", q.Order.Field))
		}
	}
	if q.StartAfter != nil && q.Order.Field == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cursor requires an order")
	}
	if q.Limit < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "limit must not be negative")
	}

	if principal := PrincipalFrom(ctx); principal != "" && col.OwnerField != "" {
		scoped := false
		for _, f := range q.Filters {
			if f.Field == col.OwnerField && f.Value == principal {
				scoped = true
			}
		}
		if !scoped {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "query must be scoped to the caller")
		}
	}
	return col, nil
}

func (s *Store) build(ctx context.Context, q Query) (*Collection, *gorm.DB, error) {
	col, err := s.validateQuery(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	tx := s.client.DB().WithContext(ctx).Model(col.New())
	for _, f := range q.Filters {
		field, _ := col.field(f.Field)
		v, _ := coerce(field.Kind, f.Value)
		tx = tx.Where(field.Column+" = ?", v)
	}
	if q.Order.Field == "" {
		return col, tx, nil
	}

	field, _ := col.field(q.Order.Field)
	dir, cmp := "ASC", ">"
	if q.Order.Desc {
		dir, cmp = "DESC", "<"
	}
	if q.StartAfter != nil {
		v, err := coerce(field.Kind, q.StartAfter.Value)
		if err != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "cursor")
		}
		tx = tx.Where(
			fmt.Sprintf("((%s %s ?) OR (%s = ? AND %s %s ?))", field.Column, cmp, field.Column, idColumn, cmp),
			v, v, q.StartAfter.ID,
		)
	}
	tx = tx.Order(fmt.Sprintf("%s %s, %s %s", field.Column, dir, idColumn, dir))
	return col, tx, nil
}

func toDocument(col *Collection, row map[string]any) Document {
	doc := Document{Collection: col.Name, Fields: make(map[string]any, len(col.Fields))}
	if id, err := coerce(KindString, row[idColumn]); err == nil {
		doc.ID = id.(string)
	}
	for _, f := range col.Fields {
		raw, ok := row[f.Column]
		if !ok || raw == nil {
			continue
		}
		if v, err := coerce(f.Kind, raw); err == nil {
			doc.Fields[f.Name] = v
		} else {
			doc.Fields[f.Name] = raw
		}
	}
	return doc
}
