package callrecords

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("callrecords: not found")
	ErrFinal    = errors.New("callrecords: record already finalized")
)

const defaultHistoryLimit = 50

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Begin opens a ringing record for one side of a call attempt.
func (s *Service) Begin(ctx context.Context, ownerID, roomID, peerEmail string, dir Direction, callType string) (Record, error) {
	rec := Record{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		RoomID:    roomID,
		PeerEmail: peerEmail,
		Direction: dir,
		CallType:  callType,
		Status:    StatusRinging,
		StartedAt: s.clock().UTC(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// MarkConnected moves a ringing record to in_progress and stamps the
// connect time used later to compute duration.
func (s *Service) MarkConnected(ctx context.Context, ownerID, roomID string) error {
	rec, ok, err := s.repo.FindByRoom(ctx, ownerID, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return ErrFinal
	}
	now := s.clock().UTC()
	rec.Status = StatusInProgress
	rec.ConnectedAt = &now
	return s.repo.Update(ctx, rec)
}

// Finish closes a record with its terminal status. Finishing an already
// terminal record is a no-op so both hangup paths can report safely.
func (s *Service) Finish(ctx context.Context, ownerID, roomID string, status Status) error {
	if !status.Terminal() {
		return errors.New("callrecords: Finish requires a terminal status")
	}
	rec, ok, err := s.repo.FindByRoom(ctx, ownerID, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return nil
	}
	now := s.clock().UTC()
	rec.Status = status
	rec.EndedAt = &now
	if rec.ConnectedAt != nil {
		rec.DurationSeconds = int(now.Sub(*rec.ConnectedAt) / time.Second)
	}
	return s.repo.Update(ctx, rec)
}

// Get returns the owner's record for one room.
func (s *Service) Get(ctx context.Context, ownerID, roomID string) (Record, bool, error) {
	return s.repo.FindByRoom(ctx, ownerID, roomID)
}

// History lists the owner's records, most recent first.
func (s *Service) History(ctx context.Context, ownerID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}
	return s.repo.ListByOwner(ctx, ownerID, limit)
}
