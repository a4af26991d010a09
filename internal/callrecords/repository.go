package callrecords

import (
	"context"
	"database/sql"
	"errors"
)

// Repository is the persistence contract for call history rows.
//
// It assumes the following table exists:
//   call_records (id, owner_id, room_id, peer_email, direction, call_type,
//                 status, started_at, connected_at, ended_at, duration)
// with UNIQUE (owner_id, room_id).

type Repository interface {
	Insert(ctx context.Context, r Record) error
	Update(ctx context.Context, r Record) error
	FindByRoom(ctx context.Context, ownerID, roomID string) (Record, bool, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]Record, error)
}

type PGRepo struct {
	db *sql.DB
}

func NewPGRepo(db *sql.DB) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) Insert(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO call_records (
  id, owner_id, room_id, peer_email, direction, call_type, status,
  started_at, connected_at, ended_at, duration
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.OwnerID,
		rec.RoomID,
		rec.PeerEmail,
		rec.Direction,
		rec.CallType,
		rec.Status,
		rec.StartedAt,
		rec.ConnectedAt,
		rec.EndedAt,
		rec.DurationSeconds,
	)
	return err
}

func (r *PGRepo) Update(ctx context.Context, rec Record) error {
	const q = `
UPDATE call_records
SET status = $3, connected_at = $4, ended_at = $5, duration = $6
WHERE owner_id = $1 AND id = $2
`
	res, err := r.db.ExecContext(ctx, q,
		rec.OwnerID,
		rec.ID,
		rec.Status,
		rec.ConnectedAt,
		rec.EndedAt,
		rec.DurationSeconds,
	)
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

func (r *PGRepo) FindByRoom(ctx context.Context, ownerID, roomID string) (Record, bool, error) {
	const q = `
SELECT id, owner_id, room_id, peer_email, direction, call_type, status,
       started_at, connected_at, ended_at, duration
FROM call_records
WHERE owner_id = $1 AND room_id = $2
LIMIT 1
`
	var rec Record
	err := r.db.QueryRowContext(ctx, q, ownerID, roomID).Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.RoomID,
		&rec.PeerEmail,
		&rec.Direction,
		&rec.CallType,
		&rec.Status,
		&rec.StartedAt,
		&rec.ConnectedAt,
		&rec.EndedAt,
		&rec.DurationSeconds,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

func (r *PGRepo) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Record, error) {
	const q = `
SELECT id, owner_id, room_id, peer_email, direction, call_type, status,
       started_at, connected_at, ended_at, duration
FROM call_records
WHERE owner_id = $1
ORDER BY started_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID,
			&rec.OwnerID,
			&rec.RoomID,
			&rec.PeerEmail,
			&rec.Direction,
			&rec.CallType,
			&rec.Status,
			&rec.StartedAt,
			&rec.ConnectedAt,
			&rec.EndedAt,
			&rec.DurationSeconds,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
