package accounts

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory repository useful for tests.
// It is not intended for production use.

type MemoryRepo struct {
	mu   sync.Mutex
	rows []User
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Insert(_ context.Context, u User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Email == u.Email {
			return ErrEmailTaken
		}
	}
	r.rows = append(r.rows, u)
	return nil
}

func (r *MemoryRepo) FindByEmail(_ context.Context, email string) (User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Email == email {
			return row, true, nil
		}
	}
	return User{}, false, nil
}

func (r *MemoryRepo) FindByID(_ context.Context, id string) (User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			return row, true, nil
		}
	}
	return User{}, false, nil
}
