package models

// Message types carried by ChatMessage.Type.
const (
	MsgText  = "text"
	MsgPhoto = "photo"
	MsgVideo = "video"

	CmdJoin   = "command_join"
	CmdLeave  = "command_leave"
	CmdFind   = "command_find"
	CmdEnd    = "command_end"
	CmdReport = "command_report" // Content carries the reason

	SysInfo         = "system_info"
	SysError        = "system_error"
	SysMatchFound   = "system_match_found"
	SysEndedSelf    = "system_match_stop_self"
	SysEndedPartner = "system_match_stop_partner"
)

// ChatMessage is the envelope exchanged between transports and the hub.
// For media Content holds the transport file id and Caption the caption.
type ChatMessage struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id,omitempty"`
	Content     string `json:"content"`
	Caption     string `json:"caption,omitempty"`
	Type        string `json:"type"`

	// Filter for command_find.
	Gender   Gender   `json:"gender,omitempty"`
	AgeGroup AgeGroup `json:"age_group,omitempty"`

	// Set by the hub on outgoing system messages.
	Balance *int64 `json:"balance,omitempty"`
	Cost    int64  `json:"cost,omitempty"`
	Code    string `json:"code,omitempty"`
}

// IsCommand reports whether the message asks the hub to act rather than forward.
func (m ChatMessage) IsCommand() bool {
	switch m.Type {
	case CmdJoin, CmdLeave, CmdFind, CmdEnd, CmdReport:
		return true
	}
	return false
}
