package domain

import "time"

// VoiceMember represents one (user, connection) participating in a voice room.
// No transport or lifecycle logic here.
type VoiceMember struct {
	User       UserID       `json:"user_id"`
	Connection ConnectionID `json:"connection_id"`
	Muted      bool         `json:"muted"`
	Deafened   bool         `json:"deafened"`
	JoinedAt   time.Time    `json:"-"`
}
