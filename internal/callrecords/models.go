package callrecords

import "time"

// Record is one user's view of one call attempt. Both participants get
// their own row: the caller's row is outgoing, the callee's incoming.
// Whatever happens on the wire, a row ends in exactly one terminal status.

type Record struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`
	RoomID  string `json:"room_id" db:"room_id"`

	PeerEmail string    `json:"peer_email" db:"peer_email"`
	Direction Direction `json:"direction" db:"direction"`

	// CallType is "audio" or "video".
	CallType string `json:"call_type" db:"call_type"`

	Status Status `json:"status" db:"status"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// DurationSeconds counts connected time only; zero for calls that never
	// connected.
	DurationSeconds int `json:"duration" db:"duration"`
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type Status string

const (
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusMissed     Status = "missed"
	StatusRejected   Status = "rejected"
	StatusCanceled   Status = "canceled"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s ends a record's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusMissed, StatusRejected, StatusCanceled, StatusFailed:
		return true
	default:
		return false
	}
}
