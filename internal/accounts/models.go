package accounts

import "time"

// User is the minimal credential record behind signup/login. The signaling
// identity (ID) is issued once at signup and never remapped; email is the
// address other users dial.

type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
