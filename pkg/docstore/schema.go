package docstore

import (
	"fmt"
	"strconv"
	"time"
)

type Kind int

const (
	KindString Kind = iota
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindTime:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Field describes one document field and the column that stores it.
type Field struct {
	Name       string
	Column     string
	Kind       Kind
	Required   bool
	Mutable    bool
	Filterable bool
	// Check validates values written through Update and BatchUpdate.
	Check func(value any) error
}

// Collection binds a document collection to its gorm model.
type Collection struct {
	Name string
	// New returns a fresh model pointer; gorm writes into it during queries.
	New func() any
	// OwnerField must equal the principal on every call made with one.
	OwnerField string
	// ServerTimestamp is assigned by the store when a document is created.
	ServerTimestamp string
	Fields          []Field

	byName map[string]*Field
}

func (c *Collection) field(name string) (*Field, bool) {
	f, ok := c.byName[name]
	return f, ok
}

func (c *Collection) columns() []string {
	cols := []string{idColumn}
	seen := map[string]bool{idColumn: true}
	for _, f := range c.Fields {
		if !seen[f.Column] {
			cols = append(cols, f.Column)
			seen[f.Column] = true
		}
	}
	return cols
}

const idColumn = "id"

// Schema is the set of collections a Store serves.
type Schema struct {
	collections map[string]*Collection
}

func NewSchema(collections ...Collection) (*Schema, error) {
	s := &Schema{collections: make(map[string]*Collection, len(collections))}
	for i := range collections {
		col := collections[i]
		if col.Name == "" || col.New == nil {
			return nil, fmt.Errorf("collection %d needs a name and model", i)
		}
		if _, dup := s.collections[col.Name]; dup {
			return nil, fmt.Errorf("collection %q registered twice", col.Name)
		}
		col.byName = make(map[string]*Field, len(col.Fields))
		for j := range col.Fields {
			f := &col.Fields[j]
			if f.Name == "" || f.Column == "" {
				return nil, fmt.Errorf("collection %q field %d needs a name and column", col.Name, j)
			}
			col.byName[f.Name] = f
		}
		if col.OwnerField != "" {
			if _, ok := col.byName[col.OwnerField]; !ok {
				return nil, fmt.Errorf("collection %q owner field %q is not declared", col.Name, col.OwnerField)
			}
		}
		if col.ServerTimestamp != "" {
			f, ok := col.byName[col.ServerTimestamp]
			if !ok || f.Kind != KindTime {
				return nil, fmt.Errorf("collection %q server timestamp %q must be a timestamp field", col.Name, col.ServerTimestamp)
			}
		}
		s.collections[col.Name] = &col
	}
	return s, nil
}

func (s *Schema) collection(name string) (*Collection, bool) {
	c, ok := s.collections[name]
	return c, ok
}

const sqliteTimeLayout = "2006-01-02 15:04:05.999999999-07:00"

// coerce converts driver and caller values into the field's Go type.
func coerce(kind Kind, value any) (any, error) {
	switch kind {
	case KindString:
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case fmt.Stringer:
			return v.String(), nil
		}
	case KindBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		case int:
			return v != 0, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, nil
			}
		}
	case KindTime:
		switch v := value.(type) {
		case time.Time:
			return v.UTC(), nil
		case *time.Time:
			if v != nil {
				return v.UTC(), nil
			}
		case string:
			for _, layout := range []string{time.RFC3339Nano, sqliteTimeLayout} {
				if t, err := time.Parse(layout, v); err == nil {
					return t.UTC(), nil
				}
			}
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, value)
}

// stringify renders filter values for change notices.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
