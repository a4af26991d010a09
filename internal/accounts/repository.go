package accounts

import (
	"context"
	"database/sql"
	"errors"
)

// Repository is the persistence contract for user credentials.
//
// It assumes the following table exists:
//   users (id, email, password_hash, created_at)
// with UNIQUE (email).

type Repository interface {
	Insert(ctx context.Context, u User) error
	FindByEmail(ctx context.Context, email string) (User, bool, error)
	FindByID(ctx context.Context, id string) (User, bool, error)
}

type PGRepo struct {
	db *sql.DB
}

func NewPGRepo(db *sql.DB) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) Insert(ctx context.Context, u User) error {
	const q = `
INSERT INTO users (id, email, password_hash, created_at)
VALUES ($1,$2,$3,$4)
`
	_, err := r.db.ExecContext(ctx, q, u.ID, u.Email, u.PasswordHash, u.CreatedAt)
	return err
}

func (r *PGRepo) FindByEmail(ctx context.Context, email string) (User, bool, error) {
	const q = `
SELECT id, email, password_hash, created_at
FROM users
WHERE email = $1
LIMIT 1
`
	var u User
	err := r.db.QueryRowContext(ctx, q, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, false, nil
		}
		return User{}, false, err
	}
	return u, true, nil
}

func (r *PGRepo) FindByID(ctx context.Context, id string) (User, bool, error) {
	const q = `
SELECT id, email, password_hash, created_at
FROM users
WHERE id = $1
LIMIT 1
`
	var u User
	err := r.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, false, nil
		}
		return User{}, false, err
	}
	return u, true, nil
}
