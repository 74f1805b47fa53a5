package docstore

import (
	"errors"

	"github.com/angelmondragon/ledger-notify/pkg/db/models"
)

const (
	CollectionNotifications = "notifications"
	CollectionUsers         = "users"

	FieldUserID    = "userId"
	FieldTitle     = "title"
	FieldMessage   = "message"
	FieldRead      = "read"
	FieldCreatedAt = "createdAt"
	FieldUID       = "uid"
	FieldEmail     = "email"
)

var errReadIsOneWay = errors.New("read can only be set to true")

// DefaultSchema serves notifications and user profiles.
func DefaultSchema() *Schema {
	schema, err := NewSchema(
		Collection{
			Name:            CollectionNotifications,
			New:             func() any { return &models.Notification{} },
			OwnerField:      FieldUserID,
			ServerTimestamp: FieldCreatedAt,
			Fields: []Field{
				{Name: FieldUserID, Column: "user_id", Kind: KindString, Required: true, Filterable: true},
				{Name: FieldTitle, Column: "title", Kind: KindString, Required: true},
				{Name: FieldMessage, Column: "message", Kind: KindString, Required: true},
				{Name: FieldRead, Column: "read", Kind: KindBool, Required: true, Mutable: true, Filterable: true, Check: func(v any) error {
					if b, ok := v.(bool); !ok || !b {
						return errReadIsOneWay
					}
					return nil
				}},
				{Name: FieldCreatedAt, Column: "created_at", Kind: KindTime},
			},
		},
		Collection{
			Name:            CollectionUsers,
			New:             func() any { return &models.Profile{} },
			OwnerField:      FieldUID,
			ServerTimestamp: FieldCreatedAt,
			Fields: []Field{
				{Name: FieldUID, Column: idColumn, Kind: KindString, Required: true, Filterable: true},
				{Name: FieldEmail, Column: "email", Kind: KindString, Required: true, Mutable: true},
				{Name: FieldCreatedAt, Column: "created_at", Kind: KindTime},
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return schema
}
