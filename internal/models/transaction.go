package models

import "time"

type TransactionType string

const (
	TxTransferOut TransactionType = "transfer_out"
	TxTransferIn  TransactionType = "transfer_in"
	TxBonus       TransactionType = "bonus"
	TxDeposit     TransactionType = "deposit"
	TxWithdrawal  TransactionType = "withdrawal"
)

// Transaction is one append-only line of a user's points history.
// Amount is signed: negative for points leaving the account.
type Transaction struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	UserID         string          `gorm:"index;not null" json:"user_id"`
	Amount         int64           `json:"amount"`
	Type           TransactionType `gorm:"index" json:"type"`
	Description    string          `json:"description"`
	CounterpartyID *string         `json:"counterparty_id,omitempty"`
	ConversationID *uint           `json:"conversation_id,omitempty"`
	AdminID        *string         `json:"admin_id,omitempty"`
	CreatedAt      time.Time       `gorm:"index" json:"created_at"`
}
