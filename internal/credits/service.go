package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Fixed per-feature costs.
const (
	ChatMessageCost = 3
	// PartialChatMessageCost is charged when the provider failed after
	// producing some content.
	PartialChatMessageCost = 1

	FeatureChatMessage = "chat_message"
)

type Balance struct {
	CreditsRemaining int       `json:"credits_remaining"`
	CreditsTotal     int       `json:"credits_total"`
	IsUnlimited      bool      `json:"is_unlimited"`
	LastCreditReset  time.Time `json:"last_credit_reset"`
}

func balanceOf(l *Ledger) Balance {
	return Balance{
		CreditsRemaining: l.CreditsRemaining,
		CreditsTotal:     l.CreditsTotal,
		IsUnlimited:      l.IsUnlimited,
		LastCreditReset:  l.LastCreditReset,
	}
}

// Spend describes what a debit paid for; it ends up on the audit row.
type Spend struct {
	Feature   string
	RelatedID *uint64
}

type Service struct {
	db    *gorm.DB
	plans PlanSource
	log   *zap.Logger
	now   func() time.Time
}

func NewService(db *gorm.DB, plans PlanSource, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, plans: plans, log: log, now: time.Now}
}

// SetClock overrides the time source. Tests use it to cross month boundaries.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// load resolves the plan outside the transaction, then creates, resets and
// syncs the ledger inside it.
func (s *Service) load(ctx context.Context, tx *gorm.DB, userID uint64, plan Plan) (*Ledger, error) {
	now := s.now().UTC()
	l, err := ensureLedger(ctx, tx, userID, plan, now)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	wasDue := resetDue(l.LastCreditReset, now)
	l, err = resetIfDue(ctx, tx, l, plan, now)
	if err != nil {
		return nil, fmt.Errorf("reset ledger: %w", err)
	}
	if wasDue {
		s.log.Info("monthly credits reset", zap.Uint64("user_id", userID), zap.Int("credits_total", l.CreditsTotal))
	}
	if err := syncPlanFlag(ctx, tx, l, plan); err != nil {
		return nil, fmt.Errorf("sync plan: %w", err)
	}
	return l, nil
}

// GetBalance returns the current balance, applying the lazy monthly reset.
func (s *Service) GetBalance(ctx context.Context, userID uint64) (Balance, error) {
	plan, err := s.plans.PlanFor(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("resolve plan: %w", err)
	}

	var out Balance
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		l, err := s.load(ctx, tx, userID, plan)
		if err != nil {
			return err
		}
		out = balanceOf(l)
		return nil
	})
	return out, err
}

// Require returns an *InsufficientCreditsError when the user cannot cover
// amount right now. It is advisory: Debit re-checks.
func (s *Service) Require(ctx context.Context, userID uint64, amount int) (Balance, error) {
	b, err := s.GetBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if !b.IsUnlimited && b.CreditsRemaining < amount {
		return b, &InsufficientCreditsError{Needed: amount, Remaining: b.CreditsRemaining}
	}
	return b, nil
}

func (s *Service) HasSufficientCredits(ctx context.Context, userID uint64, amount int) (bool, error) {
	_, err := s.Require(ctx, userID, amount)
	if err == nil {
		return true, nil
	}
	var insufficient *InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return false, nil
	}
	return false, err
}

// Debit subtracts amount from the user's balance in one transaction. Metered
// users whose balance does not cover amount get an *InsufficientCreditsError
// and an unchanged ledger. Unlimited users are never decremented.
func (s *Service) Debit(ctx context.Context, userID uint64, amount int, spend Spend) (Balance, error) {
	if amount < 0 {
		return Balance{}, fmt.Errorf("debit: negative amount %d", amount)
	}
	if amount == 0 {
		return s.GetBalance(ctx, userID)
	}

	plan, err := s.plans.PlanFor(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("resolve plan: %w", err)
	}

	var out Balance
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		l, err := s.load(ctx, tx, userID, plan)
		if err != nil {
			return err
		}

		if !l.IsUnlimited {
			ok, err := decrement(ctx, tx, l.ID, amount)
			if err != nil {
				return fmt.Errorf("debit: %w", err)
			}
			if !ok {
				return &InsufficientCreditsError{Needed: amount, Remaining: l.CreditsRemaining}
			}
			l.CreditsRemaining -= amount
		}

		if err := tx.Create(&Transaction{
			UserID:       userID,
			Kind:         KindDebit,
			Amount:       amount,
			Feature:      spend.Feature,
			RelatedID:    spend.RelatedID,
			BalanceAfter: l.CreditsRemaining,
		}).Error; err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}
		out = balanceOf(l)
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	return out, nil
}

// ListTransactions returns the user's audit rows, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uint64, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []Transaction
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
