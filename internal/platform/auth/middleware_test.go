package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type stubValidator struct {
	ident *Identity
	err   error
	seen  string
}

func (s *stubValidator) Validate(_ context.Context, token string) (*Identity, error) {
	s.seen = token
	return s.ident, s.err
}

func runMiddleware(t *testing.T, v Validator, header string) (*Identity, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got *Identity
	var called bool
	h := SessionMiddleware(v, nil)(func(c echo.Context) error {
		called = true
		got = IdentityFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})
	err := h(c)
	return got, called, err
}

func assertStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestSessionMiddleware_MissingOrMalformedHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &stubValidator{ident: &Identity{}}
			_, called, err := runMiddleware(t, v, tt.header)
			assertStatus(t, err, http.StatusUnauthorized)
			if called {
				t.Error("handler must not run")
			}
		})
	}
}

func TestSessionMiddleware_InvalidSession(t *testing.T) {
	v := &stubValidator{err: ErrInvalidSession}
	_, called, err := runMiddleware(t, v, "Bearer stale")
	assertStatus(t, err, http.StatusUnauthorized)
	if called {
		t.Error("handler must not run")
	}
	if v.seen != "stale" {
		t.Errorf("expected token to reach validator, got %q", v.seen)
	}
}

func TestSessionMiddleware_StoreUnavailable(t *testing.T) {
	v := &stubValidator{err: errors.New("pool closed")}
	_, _, err := runMiddleware(t, v, "Bearer tok")
	assertStatus(t, err, http.StatusServiceUnavailable)
}

func TestSessionMiddleware_ValidToken(t *testing.T) {
	f := newFixture()
	user := f.identities.add("doc@example.com", RoleDoctor, "password1")
	token, _, _ := f.store.Issue(context.Background(), user.ID, SessionMeta{})

	got, called, err := runMiddleware(t, f.store, "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler should run")
	}
	if got == nil || got.ID != user.ID {
		t.Errorf("expected identity %s on context, got %+v", user.ID, got)
	}
}

func TestSessionMiddleware_Skipper(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/health")

	v := &stubValidator{err: ErrInvalidSession}
	h := SessionMiddleware(v, AuthSkipper)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("expected skipped path to pass, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer  abc ")
	if got := BearerToken(req); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
}
