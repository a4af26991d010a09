package callrecords

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory repository useful for tests.
// It is not intended for production use.

type MemoryRepo struct {
	mu   sync.Mutex
	rows []Record
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Insert(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rec)
	return nil
}

func (r *MemoryRepo) Update(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.OwnerID == rec.OwnerID && row.ID == rec.ID {
			r.rows[i] = rec
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) FindByRoom(_ context.Context, ownerID, roomID string) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.OwnerID == ownerID && row.RoomID == roomID {
			return row, true, nil
		}
	}
	return Record{}, false, nil
}

func (r *MemoryRepo) ListByOwner(_ context.Context, ownerID string, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, row := range r.rows {
		if row.OwnerID == ownerID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
