package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := UserID(r.Context())
		w.Write([]byte(id))
	})
}

func TestIssueAndValidate(t *testing.T) {
	a := New("s3cret")
	tok, err := a.Issue("u1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sub, err := a.Validate(tok)
	if err != nil || sub != "u1" {
		t.Fatalf("validate: sub=%q err=%v", sub, err)
	}
}

func TestValidateRejects(t *testing.T) {
	a := New("s3cret")

	expired := New("s3cret")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.Issue("u1", time.Hour)

	foreign, _ := New("other").Issue("u1", time.Hour)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).SignedString([]byte("s3cret"))
	noSub, _ := a.Issue("", time.Hour)

	for name, tok := range map[string]string{
		"expired":      old,
		"wrong secret": foreign,
		"no expiry":    noExp,
		"no subject":   noSub,
		"garbage":      "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := a.Validate(tok); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestMiddlewareBearer(t *testing.T) {
	a := New("s3cret")
	h := a.Middleware(echoUser())
	tok, _ := a.Issue("u42", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/builds", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "u42" {
		t.Fatalf("bearer: %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/build/b1/events?token="+tok, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "u42" {
		t.Fatalf("query token: %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/builds", nil)
	req.Header.Set(HeaderUserID, "spoofed")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("header identity must be ignored when a secret is set, got %d", rec.Code)
	}
}

func TestMiddlewareHeaderFallback(t *testing.T) {
	h := New("").Middleware(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/builds", nil)
	req.Header.Set(HeaderUserID, "dev-user")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "dev-user" {
		t.Fatalf("header: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/builds", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing identity: %d", rec.Code)
	}
}

func TestIssueWithoutSecret(t *testing.T) {
	if _, err := New("").Issue("u1", time.Hour); err == nil {
		t.Fatal("expected error without secret")
	}
}
