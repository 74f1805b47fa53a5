package notifications

import (
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/ledger-notify/pkg/docstore"
)

// ErrMalformed marks a stored document that does not decode into a Record.
var ErrMalformed = errors.New("malformed notification")

// Record is one inbox entry as shown to its owner.
type Record struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"userId"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// FromDocument validates the loosely typed document and maps it to a Record.
func FromDocument(doc docstore.Document) (Record, error) {
	if doc.Collection != "" && doc.Collection != docstore.CollectionNotifications {
		return Record{}, fmt.Errorf("%w: collection %q", ErrMalformed, doc.Collection)
	}
	if doc.ID == "" {
		return Record{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}

	rec := Record{ID: doc.ID}
	var err error
	if rec.OwnerID, err = requiredString(doc, docstore.FieldUserID); err != nil {
		return Record{}, err
	}
	if rec.Title, err = requiredString(doc, docstore.FieldTitle); err != nil {
		return Record{}, err
	}
	if rec.Message, err = requiredString(doc, docstore.FieldMessage); err != nil {
		return Record{}, err
	}
	read, ok := doc.Fields[docstore.FieldRead].(bool)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s field %q", ErrMalformed, doc.Collection, doc.ID, docstore.FieldRead)
	}
	rec.Read = read
	created, ok := doc.Fields[docstore.FieldCreatedAt].(time.Time)
	if !ok || created.IsZero() {
		return Record{}, fmt.Errorf("%w: %s/%s field %q", ErrMalformed, doc.Collection, doc.ID, docstore.FieldCreatedAt)
	}
	rec.CreatedAt = created
	return rec, nil
}

// FromDocuments keeps store order and returns the documents it had to drop.
func FromDocuments(docs []docstore.Document) ([]Record, []error) {
	records := make([]Record, 0, len(docs))
	var rejected []error
	for _, doc := range docs {
		rec, err := FromDocument(doc)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		records = append(records, rec)
	}
	return records, rejected
}

// UnreadCount reports how many records are still unread.
func UnreadCount(records []Record) int {
	n := 0
	for _, r := range records {
		if !r.Read {
			n++
		}
	}
	return n
}

func requiredString(doc docstore.Document, field string) (string, error) {
	v, ok := doc.Fields[field].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s/%s field %q", ErrMalformed, doc.Collection, doc.ID, field)
	}
	return v, nil
}
