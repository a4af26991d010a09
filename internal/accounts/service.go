package accounts

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

var (
	ErrEmailTaken      = errors.New("accounts: email already registered")
	ErrInvalidEmail    = errors.New("accounts: invalid email")
	ErrWeakPassword    = errors.New("accounts: password too short")
	ErrBadCredentials  = errors.New("accounts: bad credentials")
	ErrMalformedStored = errors.New("accounts: malformed stored hash")
)

const minPasswordLen = 8

// argon2id parameters; stored alongside each hash so they can change later
// without invalidating old rows.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Signup creates a new user with a fresh identity. Email matching is
// case-insensitive; the address is stored lowercased.
func (s *Service) Signup(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !isPlausibleEmail(email) {
		return User{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLen {
		return User{}, ErrWeakPassword
	}
	if _, exists, err := s.repo.FindByEmail(ctx, email); err != nil {
		return User{}, err
	} else if exists {
		return User{}, ErrEmailTaken
	}

	hash, err := hashPassword(password)
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.repo.Insert(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Authenticate verifies email+password and returns the stored user.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, ok, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrBadCredentials
	}
	match, err := verifyPassword(u.PasswordHash, password)
	if err != nil {
		return User{}, err
	}
	if !match {
		return User{}, ErrBadCredentials
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id string) (User, bool, error) {
	return s.repo.FindByID(ctx, id)
}

// hashPassword derives an argon2id hash with a random 16-byte salt, stored as
// argon2id$t$m$p$<salt-b64>$<key-b64>.
func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		argonTime, argonMemory, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func verifyPassword(stored, password string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false, ErrMalformedStored
	}
	var t, m, p int
	if _, err := fmt.Sscanf(parts[1]+" "+parts[2]+" "+parts[3], "%d %d %d", &t, &m, &p); err != nil {
		return false, ErrMalformedStored
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrMalformedStored
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrMalformedStored
	}
	got := argon2.IDKey([]byte(password), salt, uint32(t), uint32(m), uint8(p), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func isPlausibleEmail(v string) bool {
	at := strings.Index(v, "@")
	if at <= 0 || at == len(v)-1 {
		return false
	}
	domain := v[at+1:]
	if strings.Contains(domain, "@") {
		return false
	}
	dot := strings.Index(domain, ".")
	return dot > 0 && dot < len(domain)-1
}
