package chathub

import (
	"fmt"
	"lomitalk/backend/internal/apperr"
)

// DeliveryError reports a unit that was billed but never reached the
// recipient. It matches apperr.ErrDeliveryFailed and is distinct from any
// billing failure. Charged points are not refunded.
type DeliveryError struct {
	SenderID       string
	RecipientID    string
	ConversationID uint
	Charged        int64
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s in conversation %d (charged %d): %v", e.RecipientID, e.ConversationID, e.Charged, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{apperr.ErrDeliveryFailed, e.Err}
}
