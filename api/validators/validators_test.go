package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"github.com/angelmondragon/ledger-notify/pkg/pagination"
)

type noteBody struct {
	Title   string `json:"title" validate:"required,notblank"`
	Message string `json:"message" validate:"max=8"`
}

func decode(t *testing.T, body string) error {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	var dest noteBody
	return DecodeJSONBody(req, &dest)
}

func codeOf(err error) pkgerrors.Code {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Code()
	}
	return ""
}

func TestDecodeJSONBody(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"title":"Job Offer","message":"London"}`, true},
		{"empty", ``, false},
		{"blank title", `{"title":"  "}`, false},
		{"unknown field", `{"title":"a","read":true}`, false},
		{"too long", `{"title":"a","message":"far too long"}`, false},
		{"trailing object", `{"title":"a"}{"title":"b"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := decode(t, tc.body)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if !tc.ok && codeOf(err) != pkgerrors.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDecodeJSONBodyCapsSize(t *testing.T) {
	big := `{"title":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	err := decode(t, big)
	if codeOf(err) != pkgerrors.CodeValidation || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestParsePage(t *testing.T) {
	cursor := pagination.EncodeCursor(pagination.Cursor{
		CreatedAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		ID:        "6f1c2a48-3b8e-4d7f-9a61-0c5e2b7d9f10",
	})

	req := httptest.NewRequest(http.MethodGet, "/?limit=10&cursor="+cursor, nil)
	params, err := ParsePage(req)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if params.Limit != 10 || params.Cursor != cursor {
		t.Fatalf("unexpected params %+v", params)
	}

	params, err = ParsePage(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil || params.Limit != pagination.DefaultLimit {
		t.Fatalf("expected defaults, got %+v %v", params, err)
	}

	for _, target := range []string{"/?limit=0", "/?limit=abc", "/?cursor=nope"} {
		if _, err := ParsePage(httptest.NewRequest(http.MethodGet, target, nil)); codeOf(err) != pkgerrors.CodeValidation {
			t.Fatalf("%s: expected validation error, got %v", target, err)
		}
	}
}
