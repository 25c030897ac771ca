package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the per-user profile record: identity, balance, matching
// attributes and the current conversation binding.
type User struct {
	ID         string `gorm:"primaryKey" json:"id"` // anonymous UUID
	TelegramID *int64 `gorm:"uniqueIndex" json:"telegram_id,omitempty"`
	Nickname   string `json:"nickname"`
	Language   string `gorm:"default:en" json:"language"`

	Points          int64 `gorm:"not null;default:0;check:points >= 0" json:"points"`
	ProfileComplete bool  `json:"profile_complete"`
	InPool          bool  `gorm:"index" json:"in_pool"`

	Gender            Gender   `json:"gender,omitempty"`
	AgeGroup          AgeGroup `json:"age_group,omitempty"`
	PreferredGender   Gender   `json:"preferred_gender,omitempty"`
	PreferredAgeGroup AgeGroup `json:"preferred_age_group,omitempty"`

	// Binding columns. Only written together, through UserPatch.Bind / Unbind.
	InConversation bool    `json:"in_conversation"`
	PartnerID      *string `json:"partner_id,omitempty"`
	IsInitiator    *bool   `json:"is_initiator,omitempty"`
	ConversationID *uint   `json:"conversation_id,omitempty"`

	ConversationCount int   `json:"conversation_count"`
	TotalChars        int64 `json:"total_chars"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the user if the ID is not set yet.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return
}

// Binding is the conversation attributes of one side, read as a unit.
type Binding struct {
	PartnerID      string
	Initiator      bool
	ConversationID uint
}

// Binding returns the user's current binding. ok is false when the user is
// unbound or the stored columns are only partially set.
func (u *User) Binding() (b Binding, ok bool) {
	if !u.InConversation || u.PartnerID == nil || u.IsInitiator == nil {
		return Binding{}, false
	}
	b = Binding{PartnerID: *u.PartnerID, Initiator: *u.IsInitiator}
	if u.ConversationID != nil {
		b.ConversationID = *u.ConversationID
	}
	return b, true
}

// CheckInvariants validates the single-record invariants of a profile.
func (u *User) CheckInvariants() error {
	bound := u.PartnerID != nil
	roled := u.IsInitiator != nil
	if u.InConversation != bound || u.InConversation != roled {
		return fmt.Errorf("user %s: partial binding (in_conversation=%t partner=%t role=%t)", u.ID, u.InConversation, bound, roled)
	}
	if u.InConversation && u.InPool {
		return fmt.Errorf("user %s: in pool while in conversation", u.ID)
	}
	if u.Points < 0 {
		return fmt.Errorf("user %s: negative balance %d", u.ID, u.Points)
	}
	if !u.Gender.Valid() || !u.AgeGroup.Valid() || !u.PreferredGender.Valid() || !u.PreferredAgeGroup.Valid() {
		return fmt.Errorf("user %s: attribute outside the allowed set", u.ID)
	}
	return nil
}

// CheckSymmetry reports whether a and b are bound to each other with
// opposite roles in the same conversation.
func CheckSymmetry(a, b *User) bool {
	if a == nil || b == nil {
		return false
	}
	ba, okA := a.Binding()
	bb, okB := b.Binding()
	if !okA || !okB {
		return false
	}
	return ba.PartnerID == b.ID &&
		bb.PartnerID == a.ID &&
		ba.Initiator != bb.Initiator &&
		ba.ConversationID == bb.ConversationID
}
