package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor("")
	if p.Limit != DefaultLimit || p.Offset != 0 || p.Page != 1 {
		t.Errorf("unexpected defaults %+v", p)
	}
}

func TestFromContext_Page(t *testing.T) {
	p := paramsFor("?page=3&limit=10")
	if p.Page != 3 || p.Limit != 10 || p.Offset != 20 {
		t.Errorf("unexpected params %+v", p)
	}
}

func TestFromContext_Offset(t *testing.T) {
	p := paramsFor("?limit=50&offset=10")
	if p.Limit != 50 || p.Offset != 10 || p.Page != 1 {
		t.Errorf("unexpected params %+v", p)
	}
}

func TestFromContext_Clamps(t *testing.T) {
	tests := []struct {
		query     string
		wantLimit int
		wantPage  int
	}{
		{"?limit=500", MaxLimit, 1},
		{"?limit=-1", DefaultLimit, 1},
		{"?limit=abc&page=0", DefaultLimit, 1},
		{"?page=-4", DefaultLimit, 1},
	}
	for _, tt := range tests {
		p := paramsFor(tt.query)
		if p.Limit != tt.wantLimit || p.Page != tt.wantPage {
			t.Errorf("%s: got %+v", tt.query, p)
		}
	}
}

func TestNewMeta(t *testing.T) {
	m := NewMeta(Params{Page: 2, Limit: 10, Offset: 10}, 25)
	if m.TotalPages != 3 || !m.HasMore || m.Total != 25 {
		t.Errorf("unexpected meta %+v", m)
	}
	m = NewMeta(Params{Page: 3, Limit: 10, Offset: 20}, 25)
	if m.HasMore {
		t.Error("last page should not have more")
	}
	if NewMeta(Params{Page: 1, Limit: 10}, 0).TotalPages != 0 {
		t.Error("empty result should have zero pages")
	}
}
