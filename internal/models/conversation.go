package models

import "time"

// Conversation is the persisted record of one pairing, from TryPair to End.
type Conversation struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	InitiatorID string `gorm:"index;not null" json:"initiator_id"`
	ResponderID string `gorm:"index;not null" json:"responder_id"`
	// IsActive is true until either side ends the conversation.
	IsActive  bool       `gorm:"index" json:"is_active"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndedBy   string     `json:"ended_by,omitempty"`

	UnitsBilled       int   `json:"units_billed"`
	CharsBilled       int64 `json:"chars_billed"`
	PointsTransferred int64 `json:"points_transferred"`
}

// Participant reports whether userID is one of the two sides.
func (c *Conversation) Participant(userID string) bool {
	return c.InitiatorID == userID || c.ResponderID == userID
}

// PartnerOf returns the other side of the conversation.
func (c *Conversation) PartnerOf(userID string) string {
	if c.InitiatorID == userID {
		return c.ResponderID
	}
	return c.InitiatorID
}
