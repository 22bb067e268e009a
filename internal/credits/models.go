package credits

import "time"

type Ledger struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID           uint64    `gorm:"uniqueIndex;not null" json:"-"`
	CreditsRemaining int       `gorm:"not null" json:"credits_remaining"`
	CreditsTotal     int       `gorm:"not null" json:"credits_total"`
	IsUnlimited      bool      `gorm:"not null;default:false" json:"is_unlimited"`
	LastCreditReset  time.Time `gorm:"not null" json:"last_credit_reset"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (Ledger) TableName() string { return "credit_ledgers" }

type TransactionKind string

const (
	KindDebit TransactionKind = "debit"
	KindReset TransactionKind = "reset"
)

// Transaction is an append-only audit row for every spend and monthly reset.
type Transaction struct {
	ID           uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint64          `gorm:"index;not null" json:"-"`
	Kind         TransactionKind `gorm:"type:varchar(16);not null" json:"kind"`
	Amount       int             `gorm:"not null" json:"amount"`
	Feature      string          `gorm:"type:varchar(32);index" json:"feature,omitempty"`
	RelatedID    *uint64         `json:"related_id,omitempty"`
	BalanceAfter int             `gorm:"not null" json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }
