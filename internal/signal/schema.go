// Package signal defines the wire schema of the signaling store: the path
// layout, the payload types and their fail-closed decoders, and a typed
// Mailbox surface over a store.Store.
//
// The schema is store-agnostic. Paths are logical slash-separated locations;
// internal/store maps them onto a concrete backend.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Call types carried in an invitation.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// Description types for the session description slot.
const (
	DescriptionOffer  = "offer"
	DescriptionAnswer = "answer"
)

var ErrMalformed = errors.New("signal: malformed payload")

// Invitation is the call offer stored at invitations/<recipientIdentity>.
// At most one live invitation exists per recipient; a new write overwrites
// any previous one.
type Invitation struct {
	RoomID string `json:"roomId"`
	From   string `json:"from"`
	Type   string `json:"type"`
}

// Description is the session description stored at
// sessions/<roomId>/description. Last writer wins.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one connectivity candidate pushed under
// sessions/<roomId>/candidates/<identity>.
type Candidate struct {
	Mid        string `json:"sdpMid"`
	MLineIndex int    `json:"sdpMLineIndex"`
	Candidate  string `json:"candidate"`
}

// DecodeInvitation parses and validates an invitation payload.
// RoomID and From are required; an absent or unrecognized call type
// defaults to audio.
func DecodeInvitation(data []byte) (Invitation, error) {
	var inv Invitation
	if err := json.Unmarshal(data, &inv); err != nil {
		return Invitation{}, fmt.Errorf("%w: invitation: %v", ErrMalformed, err)
	}
	if inv.RoomID == "" || inv.From == "" {
		return Invitation{}, fmt.Errorf("%w: invitation missing roomId or from", ErrMalformed)
	}
	if inv.Type != CallTypeAudio && inv.Type != CallTypeVideo {
		inv.Type = CallTypeAudio
	}
	return inv, nil
}

// DecodeDescription parses and validates a session description payload.
func DecodeDescription(data []byte) (Description, error) {
	var d Description
	if err := json.Unmarshal(data, &d); err != nil {
		return Description{}, fmt.Errorf("%w: description: %v", ErrMalformed, err)
	}
	if d.Type != DescriptionOffer && d.Type != DescriptionAnswer {
		return Description{}, fmt.Errorf("%w: description type %q", ErrMalformed, d.Type)
	}
	if d.SDP == "" {
		return Description{}, fmt.Errorf("%w: description missing sdp", ErrMalformed)
	}
	return d, nil
}

// DecodeCandidate parses and validates a connectivity candidate payload.
func DecodeCandidate(data []byte) (Candidate, error) {
	var c Candidate
	if err := json.Unmarshal(data, &c); err != nil {
		return Candidate{}, fmt.Errorf("%w: candidate: %v", ErrMalformed, err)
	}
	if c.Candidate == "" {
		return Candidate{}, fmt.Errorf("%w: candidate missing candidate string", ErrMalformed)
	}
	return c, nil
}

// EscapeEmail makes an email address usable as a path segment.
// Dots are the only forbidden character; the mapping is reversible.
func EscapeEmail(email string) string {
	return strings.ReplaceAll(email, ".", ",")
}

// UnescapeEmail reverses EscapeEmail.
func UnescapeEmail(escaped string) string {
	return strings.ReplaceAll(escaped, ",", ".")
}

// Path constructors. Keep these as the single source of truth for the layout:
//
//	directory/<escapedEmail>                       -> identity
//	presence/<identity>                            -> bool
//	invitations/<recipientIdentity>                -> Invitation
//	sessions/<roomId>/description                  -> Description
//	sessions/<roomId>/candidates/<identity>/<push> -> Candidate

func DirectoryPath(email string) string      { return "directory/" + EscapeEmail(email) }
func PresencePath(identity string) string    { return "presence/" + identity }
func InvitationPath(identity string) string  { return "invitations/" + identity }
func SessionPath(roomID string) string       { return "sessions/" + roomID }
func DescriptionPath(roomID string) string   { return "sessions/" + roomID + "/description" }
func CandidatesPath(roomID, identity string) string {
	return "sessions/" + roomID + "/candidates/" + identity
}
