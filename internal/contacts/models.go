package contacts

import "time"

// Contact is one entry in a user's personal address book. Contacts are
// plain email bookmarks; they carry no presence or reachability state of
// their own, that is resolved live at call time.

type Contact struct {
	ID          string    `json:"id" db:"id"`
	OwnerID     string    `json:"owner_id" db:"owner_id"`
	Email       string    `json:"email" db:"email"`
	DisplayName string    `json:"display_name,omitempty" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
