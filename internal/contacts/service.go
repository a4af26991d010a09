package contacts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("contacts: not found")
	ErrDuplicate    = errors.New("contacts: email already saved")
	ErrInvalidEmail = errors.New("contacts: invalid email")
)

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Add saves an email address in the owner's address book. Email matching is
// case-insensitive; the address is stored lowercased so lookups and the
// uniqueness constraint agree.
func (s *Service) Add(ctx context.Context, ownerID, email, displayName string) (Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !isPlausibleEmail(email) {
		return Contact{}, ErrInvalidEmail
	}
	if _, exists, err := s.repo.FindByEmail(ctx, ownerID, email); err != nil {
		return Contact{}, err
	} else if exists {
		return Contact{}, ErrDuplicate
	}

	c := Contact{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Email:       email,
		DisplayName: strings.TrimSpace(displayName),
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.repo.Insert(ctx, c); err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]Contact, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

func (s *Service) Remove(ctx context.Context, ownerID, contactID string) error {
	return s.repo.Delete(ctx, ownerID, contactID)
}

// isPlausibleEmail applies the same loose shape check used at signup:
// one @, non-empty local part, and a dot somewhere in the domain.
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
