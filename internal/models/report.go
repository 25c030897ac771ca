package models

import "time"

type ReportStatus string

const (
	ReportPending  ReportStatus = "pending"
	ReportReviewed ReportStatus = "reviewed"
)

// Report is an abuse complaint filed by one side of a conversation.
type Report struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	ReporterID     string       `gorm:"index;not null" json:"reporter_id"`
	ReportedUserID string       `gorm:"index;not null" json:"reported_user_id"`
	ConversationID *uint        `json:"conversation_id,omitempty"`
	Reason         string       `json:"reason"`
	Status         ReportStatus `gorm:"index;default:pending" json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
}
