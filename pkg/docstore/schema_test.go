package docstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoerce(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		kind  Kind
		in    any
		want  any
		fails bool
	}{
		{name: "string", kind: KindString, in: "x", want: "x"},
		{name: "bytes", kind: KindString, in: []byte("x"), want: "x"},
		{name: "bool", kind: KindBool, in: true, want: true},
		{name: "sqlite bool", kind: KindBool, in: int64(1), want: true},
		{name: "time", kind: KindTime, in: ts, want: ts},
		{name: "sqlite time", kind: KindTime, in: "2026-03-01 09:00:00+00:00", want: ts},
		{name: "bad bool", kind: KindBool, in: "maybe", fails: true},
		{name: "bad string", kind: KindString, in: 12, fails: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerce(tc.kind, tc.in)
			if tc.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNewSchemaRejectsBadDefinitions(t *testing.T) {
	_, err := NewSchema(Collection{Name: "x"})
	require.Error(t, err)

	_, err = NewSchema(Collection{
		Name:       "x",
		New:        func() any { return nil },
		OwnerField: "owner",
	})
	require.Error(t, err)

	_, err = NewSchema(
		Collection{Name: "x", New: func() any { return nil }},
		Collection{Name: "x", New: func() any { return nil }},
	)
	require.Error(t, err)
}

func TestDefaultSchemaReadRule(t *testing.T) {
	col, ok := DefaultSchema().collection(CollectionNotifications)
	require.True(t, ok)
	_, err := updateColumns(col, map[string]any{FieldRead: false})
	require.Error(t, err)
	cols, err := updateColumns(col, map[string]any{FieldRead: true})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"read": true}, cols)
}
