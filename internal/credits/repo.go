package credits

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// All functions here run against whatever handle they are given, which is a
// transaction when called from the Service.

func lockLedger(tx *gorm.DB) *gorm.DB {
	// SQLite has no row locks; the guarded updates below are enough there.
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func findLedger(ctx context.Context, tx *gorm.DB, userID uint64) (*Ledger, error) {
	var l Ledger
	if err := lockLedger(tx.WithContext(ctx)).
		Where("user_id = ?", userID).
		First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// ensureLedger returns the user's ledger, creating it with the plan allotment
// on first use. Concurrent creators race on the unique user_id index; the loser
// reads the winner's row.
func ensureLedger(ctx context.Context, tx *gorm.DB, userID uint64, plan Plan, now time.Time) (*Ledger, error) {
	l, err := findLedger(ctx, tx, userID)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fresh := &Ledger{
		UserID:           userID,
		CreditsRemaining: plan.MonthlyCredits,
		CreditsTotal:     plan.MonthlyCredits,
		IsUnlimited:      plan.Unlimited,
		LastCreditReset:  now,
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(fresh).Error; err != nil {
		return nil, err
	}
	return findLedger(ctx, tx, userID)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// resetDue compares calendar (year, month) pairs, not elapsed time.
func resetDue(last, now time.Time) bool {
	return last.UTC().Before(monthStart(now))
}

// resetIfDue refills the ledger when its last reset falls in an earlier
// calendar month. The WHERE clause makes the refill happen once per month even
// when several requests cross the boundary together.
func resetIfDue(ctx context.Context, tx *gorm.DB, l *Ledger, plan Plan, now time.Time) (*Ledger, error) {
	if !resetDue(l.LastCreditReset, now) {
		return l, nil
	}

	res := tx.WithContext(ctx).Model(&Ledger{}).
		Where("id = ? AND last_credit_reset < ?", l.ID, monthStart(now)).
		Updates(map[string]any{
			"credits_remaining": plan.MonthlyCredits,
			"credits_total":     plan.MonthlyCredits,
			"is_unlimited":      plan.Unlimited,
			"last_credit_reset": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		if err := tx.WithContext(ctx).Create(&Transaction{
			UserID:       l.UserID,
			Kind:         KindReset,
			Amount:       plan.MonthlyCredits,
			BalanceAfter: plan.MonthlyCredits,
		}).Error; err != nil {
			return nil, err
		}
	}
	return findLedger(ctx, tx, l.UserID)
}

// syncPlanFlag keeps the stored unlimited flag in step with the billing side.
func syncPlanFlag(ctx context.Context, tx *gorm.DB, l *Ledger, plan Plan) error {
	if l.IsUnlimited == plan.Unlimited {
		return nil
	}
	if err := tx.WithContext(ctx).Model(&Ledger{}).
		Where("id = ?", l.ID).
		Update("is_unlimited", plan.Unlimited).Error; err != nil {
		return err
	}
	l.IsUnlimited = plan.Unlimited
	return nil
}

// decrement subtracts amount only if the balance covers it. It reports false
// when the guard rejected the update.
func decrement(ctx context.Context, tx *gorm.DB, ledgerID uint64, amount int) (bool, error) {
	res := tx.WithContext(ctx).Model(&Ledger{}).
		Where("id = ? AND credits_remaining >= ?", ledgerID, amount).
		Update("credits_remaining", gorm.Expr("credits_remaining - ?", amount))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
