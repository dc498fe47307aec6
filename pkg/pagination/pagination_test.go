package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return FromContext(e.NewContext(req, rec))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor(t, "/")
	if p.Limit != DefaultLimit {
		t.Errorf("limit = %d, want default %d", p.Limit, DefaultLimit)
	}
	if p.Offset != 0 {
		t.Errorf("offset = %d, want 0", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := paramsFor(t, "/?limit=50&offset=10")
	if p.Limit != 50 {
		t.Errorf("limit = %d, want 50", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("offset = %d, want 10", p.Offset)
	}
}

func TestFromContext_ClampsLimit(t *testing.T) {
	p := paramsFor(t, "/?limit=5000")
	if p.Limit != MaxLimit {
		t.Errorf("limit = %d, want clamped %d", p.Limit, MaxLimit)
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name       string
		p          Params
		total      int
		start, end int
	}{
		{"full page", Params{Limit: 10, Offset: 0}, 25, 0, 10},
		{"partial last page", Params{Limit: 10, Offset: 20}, 25, 20, 25},
		{"offset past end", Params{Limit: 10, Offset: 40}, 25, 25, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := tt.p.Window(tt.total)
			if start != tt.start || end != tt.end {
				t.Errorf("Window(%d) = (%d, %d), want (%d, %d)", tt.total, start, end, tt.start, tt.end)
			}
		})
	}
}

func TestHasMore(t *testing.T) {
	p := Params{Limit: 10, Offset: 10}
	if !p.HasMore(25) {
		t.Error("expected more results past offset 10 of 25")
	}
	if p.HasMore(20) {
		t.Error("expected no more results at offset 10, limit 10, total 20")
	}
}
