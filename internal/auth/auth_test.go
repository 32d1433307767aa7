package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestIssuerGenerateAndValidate(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	iss, err := NewIssuer("s3cret", WithIssuerName("test-issuer"), WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	token, expires, err := iss.GenerateToken("user-42", "site-1", []string{"Admin", "operator", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if !expires.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expires)
	}

	claims, err := iss.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" || claims.Issuer != "test-issuer" || claims.SiteID != "site-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, "admin") || !slices.Contains(claims.Roles, "operator") {
		t.Fatalf("roles were not preserved: %v", claims.Roles)
	}
}

func TestIssuerRejects(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	iss, _ := NewIssuer("s3cret", WithClock(fixedClock(now)))
	other, _ := NewIssuer("other", WithClock(fixedClock(now)))
	later, _ := NewIssuer("s3cret", WithClock(fixedClock(now.Add(2*time.Hour))))

	token, _, err := iss.GenerateToken("user-1", "", nil, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := other.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}
	if _, err := later.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
	if _, err := iss.ParseAndValidate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected empty token rejected, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}})
	raw, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := iss.ParseAndValidate(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected alg none rejected, got %v", err)
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer("  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithClaims(ctx, &Claims{
		Roles:            []string{"Admin", "Admin", "operator"},
		SiteID:           "site-9",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-7"},
	})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	if got := SiteIDFromContext(ctx); got != "site-9" {
		t.Fatalf("unexpected site: %s", got)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasAnyRole(ctx, RoleSupervisor, RoleAdmin) {
		t.Fatalf("HasAnyRole missing admin: %v", roles)
	}
	if HasRole(ctx, RoleAssistant) {
		t.Fatalf("unexpected role found")
	}
}

func TestKnownRoles(t *testing.T) {
	got := KnownRoles([]string{"Admin", "janitor", "assistant", "admin"})
	if !slices.Equal(got, []string{"admin", "assistant"}) {
		t.Fatalf("unexpected roles: %v", got)
	}
}
