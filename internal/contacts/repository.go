package contacts

import (
	"context"
	"database/sql"
	"errors"
)

// Repository is the persistence contract for address-book entries.
//
// It assumes the following table exists:
//   contacts (id, owner_id, email, display_name, created_at)
// with UNIQUE (owner_id, email).

type Repository interface {
	Insert(ctx context.Context, c Contact) error
	ListByOwner(ctx context.Context, ownerID string) ([]Contact, error)
	FindByEmail(ctx context.Context, ownerID, email string) (Contact, bool, error)
	Delete(ctx context.Context, ownerID, contactID string) error
}

type PGRepo struct {
	db *sql.DB
}

func NewPGRepo(db *sql.DB) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) Insert(ctx context.Context, c Contact) error {
	const q = `
INSERT INTO contacts (id, owner_id, email, display_name, created_at)
VALUES ($1,$2,$3,$4,$5)
`
	_, err := r.db.ExecContext(ctx, q, c.ID, c.OwnerID, c.Email, c.DisplayName, c.CreatedAt)
	return err
}

func (r *PGRepo) ListByOwner(ctx context.Context, ownerID string) ([]Contact, error) {
	const q = `
SELECT id, owner_id, email, display_name, created_at
FROM contacts
WHERE owner_id = $1
ORDER BY display_name, email
`
	rows, err := r.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Email, &c.DisplayName, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PGRepo) FindByEmail(ctx context.Context, ownerID, email string) (Contact, bool, error) {
	const q = `
SELECT id, owner_id, email, display_name, created_at
FROM contacts
WHERE owner_id = $1 AND email = $2
LIMIT 1
`
	var c Contact
	err := r.db.QueryRowContext(ctx, q, ownerID, email).Scan(&c.ID, &c.OwnerID, &c.Email, &c.DisplayName, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, false, nil
		}
		return Contact{}, false, err
	}
	return c, true, nil
}

func (r *PGRepo) Delete(ctx context.Context, ownerID, contactID string) error {
	const q = `DELETE FROM contacts WHERE owner_id = $1 AND id = $2`
	res, err := r.db.ExecContext(ctx, q, ownerID, contactID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
