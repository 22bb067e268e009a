package credits

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/suPer8Hu/ai-workspace/internal/models"
)

// Plan is what the billing side tells the ledger about a user.
type Plan struct {
	Name           models.Plan
	Unlimited      bool
	MonthlyCredits int
}

type PlanSource interface {
	PlanFor(ctx context.Context, userID uint64) (Plan, error)
}

type PlanFunc func(ctx context.Context, userID uint64) (Plan, error)

func (f PlanFunc) PlanFor(ctx context.Context, userID uint64) (Plan, error) {
	return f(ctx, userID)
}

// UserPlans resolves plans from users.plan. Unknown users get the free plan.
type UserPlans struct {
	db          *gorm.DB
	freeCredits int
	proCredits  int
}

func NewUserPlans(db *gorm.DB, freeCredits, proCredits int) *UserPlans {
	return &UserPlans{db: db, freeCredits: freeCredits, proCredits: proCredits}
}

func (p *UserPlans) PlanFor(ctx context.Context, userID uint64) (Plan, error) {
	var u models.User
	err := p.db.WithContext(ctx).Select("id", "plan").First(&u, userID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Plan{}, err
	}

	switch u.Plan {
	case models.PlanUnlimited:
		return Plan{Name: models.PlanUnlimited, Unlimited: true}, nil
	case models.PlanPro:
		return Plan{Name: models.PlanPro, MonthlyCredits: p.proCredits}, nil
	default:
		return Plan{Name: models.PlanFree, MonthlyCredits: p.freeCredits}, nil
	}
}
