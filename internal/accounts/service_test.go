package accounts

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSignupAndAuthenticate(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	ctx := context.Background()

	u, err := svc.Signup(ctx, " Alice@Example.COM ", "correct horse")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	if u.ID == "" || u.PasswordHash == "" {
		t.Fatalf("missing generated fields: %+v", u)
	}
	if strings.Contains(u.PasswordHash, "correct horse") {
		t.Fatal("password stored in the clear")
	}

	got, err := svc.Authenticate(ctx, "alice@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("authenticated wrong user: %s", got.ID)
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	ctx := context.Background()

	svc.Signup(ctx, "alice@example.com", "correct horse")
	if _, err := svc.Authenticate(ctx, "alice@example.com", "wrong horse"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("err = %v, want ErrBadCredentials", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody@example.com", "correct horse"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("err = %v, want ErrBadCredentials", err)
	}
}

func TestSignupRejectsDuplicateEmail(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	ctx := context.Background()

	svc.Signup(ctx, "alice@example.com", "correct horse")
	if _, err := svc.Signup(ctx, "ALICE@example.com", "another pass"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("err = %v, want ErrEmailTaken", err)
	}
}

func TestSignupValidation(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	ctx := context.Background()

	if _, err := svc.Signup(ctx, "not-an-email", "long enough"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("err = %v, want ErrInvalidEmail", err)
	}
	if _, err := svc.Signup(ctx, "alice@example.com", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("err = %v, want ErrWeakPassword", err)
	}
}

func TestHashesUseFreshSalts(t *testing.T) {
	h1, err := hashPassword("same password")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := hashPassword("same password")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatal("two hashes of the same password must differ")
	}
	for _, h := range []string{h1, h2} {
		ok, err := verifyPassword(h, "same password")
		if err != nil || !ok {
			t.Fatalf("verify(%q) = %v, %v", h, ok, err)
		}
	}
}
