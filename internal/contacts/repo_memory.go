package contacts

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory repository useful for tests.
// It is not intended for production use.

type MemoryRepo struct {
	mu   sync.Mutex
	rows []Contact
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Insert(_ context.Context, c Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.OwnerID == c.OwnerID && row.Email == c.Email {
			return ErrDuplicate
		}
	}
	r.rows = append(r.rows, c)
	return nil
}

func (r *MemoryRepo) ListByOwner(_ context.Context, ownerID string) ([]Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Contact
	for _, row := range r.rows {
		if row.OwnerID == ownerID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].Email < out[j].Email
	})
	return out, nil
}

func (r *MemoryRepo) FindByEmail(_ context.Context, ownerID, email string) (Contact, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.OwnerID == ownerID && row.Email == email {
			return row, true, nil
		}
	}
	return Contact{}, false, nil
}

func (r *MemoryRepo) Delete(_ context.Context, ownerID, contactID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.OwnerID == ownerID && row.ID == contactID {
			r.rows = append(r.rows[:i], r.rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
