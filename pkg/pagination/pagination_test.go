package pagination

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCursorRoundTrip(t *testing.T) {
	id := uuid.NewString()
	at := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)

	parsed, err := ParseCursor(EncodeCursor(Cursor{CreatedAt: at, ID: id}))
	if err != nil {
		t.Fatalf("ParseCursor: %v", err)
	}
	if parsed == nil || !parsed.CreatedAt.Equal(at) || parsed.ID != id {
		t.Fatalf("unexpected cursor %+v", parsed)
	}
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	if c, err := ParseCursor(""); err != nil || c != nil {
		t.Fatalf("empty cursor should be nil, got %+v %v", c, err)
	}
	for _, raw := range []string{"%%%", "bm90LWEtY3Vyc29y", EncodeCursor(Cursor{CreatedAt: time.Now(), ID: "not-a-uuid"})} {
		if _, err := ParseCursor(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestNormalizeLimit(t *testing.T) {
	if NormalizeLimit(0) != DefaultLimit {
		t.Fatalf("expected default limit")
	}
	if NormalizeLimit(MaxLimit+5) != MaxLimit {
		t.Fatalf("expected max clamp")
	}
	if LimitWithBuffer(10) != 11 {
		t.Fatalf("expected buffered limit 11")
	}
}
