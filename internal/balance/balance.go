// Package balance is the company-balance gate (C10): atomic conditional
// UPDATEs enforcing per-mission and per-vehicle-per-month quotas inside
// the request transaction, plus the admin top-up operation.
package balance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/clock"
	obsmetrics "github.com/smallbiznis/tenantroute/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/tenantroute/internal/tenant/domain"
	"gorm.io/gorm"
)

// Action names the two operations the gate is consulted for.
type Action string

const (
	ActionMissionCreate Action = "mission_create"
	ActionVehicleCreate Action = "vehicle_create"
)

// Gate implements consume/purchase against tx -- always the caller's
// request transaction, never a pool-level handle, since the decrement
// must be atomic with the row it is guarding the creation of.
type Gate struct {
	clock   clock.Clock
	policy  *PolicyHolder
	metrics *obsmetrics.Metrics
}

func New(c clock.Clock, policy *PolicyHolder) *Gate {
	return &Gate{clock: c, policy: policy}
}

// WithMetrics attaches the domain metrics instruments, returning g for
// chaining at construction time.
func (g *Gate) WithMetrics(m *obsmetrics.Metrics) *Gate {
	g.metrics = m
	return g
}

// Consume implements C10's algorithm exactly. Zero rows affected by the
// atomic UPDATE means the company is out of quota.
func (g *Gate) Consume(tx *gorm.DB, companyID uuid.UUID, action Action) error {
	current, err := g.ensureBalance(tx, companyID)
	if err != nil {
		return err
	}

	switch {
	case action == ActionMissionCreate && current.Type == tenantdomain.BalanceTypeMissions:
		return g.consumeMission(tx, companyID)
	case action == ActionVehicleCreate && current.Type == tenantdomain.BalanceTypeVehiclesMonthly:
		return g.consumeVehicleMonthly(tx, companyID)
	default:
		return nil
	}
}

func (g *Gate) consumeMission(tx *gorm.DB, companyID uuid.UUID) error {
	now := g.clock.Now()
	result := tx.Exec(`
		UPDATE company_balances
		SET remaining = CASE WHEN remaining IS NULL THEN NULL ELSE remaining - 1 END,
		    updated_at = ?
		WHERE company_id = ? AND type = ?
		  AND (remaining IS NULL OR remaining > 0)`,
		now, companyID, tenantdomain.BalanceTypeMissions,
	)
	if result.Error != nil {
		return apperrors.Wrap(apperrors.Internal, result.Error)
	}
	if result.RowsAffected == 0 {
		g.recordDecision(tenantdomain.BalanceTypeMissions, "exhausted")
		return balanceExceeded(tenantdomain.BalanceTypeMissions)
	}
	g.recordDecision(tenantdomain.BalanceTypeMissions, "allowed")
	return nil
}

func (g *Gate) consumeVehicleMonthly(tx *gorm.DB, companyID uuid.UUID) error {
	now := g.clock.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	result := tx.Exec(`
		UPDATE company_balances
		SET remaining = CASE
		        WHEN period_start IS NULL OR period_start < ? THEN monthly_limit - 1
		        ELSE remaining - 1
		    END,
		    period_start = CASE
		        WHEN period_start IS NULL OR period_start < ? THEN ?
		        ELSE period_start
		    END,
		    updated_at = ?
		WHERE company_id = ? AND type = ?
		  AND (
		        (period_start IS NULL OR period_start < ?) AND (monthly_limit IS NULL OR monthly_limit > 0)
		        OR (period_start >= ? AND (remaining IS NULL OR remaining > 0))
		      )`,
		monthStart, monthStart, monthStart, now,
		companyID, tenantdomain.BalanceTypeVehiclesMonthly,
		monthStart, monthStart,
	)
	if result.Error != nil {
		return apperrors.Wrap(apperrors.Internal, result.Error)
	}
	if result.RowsAffected == 0 {
		g.recordDecision(tenantdomain.BalanceTypeVehiclesMonthly, "exhausted")
		return balanceExceeded(tenantdomain.BalanceTypeVehiclesMonthly)
	}
	g.recordDecision(tenantdomain.BalanceTypeVehiclesMonthly, "allowed")
	return nil
}

func (g *Gate) recordDecision(balanceType, outcome string) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordBalanceDecision(context.Background(), balanceType, outcome)
}

// Purchase implements the admin top-up operation, always appending an
// audit row with the post-mutation snapshot.
func (g *Gate) Purchase(tx *gorm.DB, companyID uuid.UUID, createdByID *uuid.UUID, balanceType string, quantity int64) error {
	current, err := g.ensureBalance(tx, companyID)
	if err != nil {
		return err
	}

	switch balanceType {
	case tenantdomain.BalanceTypeMissions:
		total := addNullable(current.Total, quantity)
		remaining := addNullable(current.Remaining, quantity)
		current.Type = tenantdomain.BalanceTypeMissions
		current.Total = total
		current.Remaining = remaining
	case tenantdomain.BalanceTypeVehiclesMonthly:
		now := g.clock.Now()
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		current.Type = tenantdomain.BalanceTypeVehiclesMonthly
		current.MonthlyLimit = &quantity
		current.Total = &quantity
		current.Remaining = &quantity
		current.PeriodStart = &monthStart
	default:
		return apperrors.Newf(apperrors.BadRequest, "unknown balance type %q", balanceType)
	}
	current.UpdatedAt = g.clock.Now()

	if err := tx.Save(current).Error; err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}

	audit := tenantdomain.CompanyBalancePurchase{
		ID:                uuid.New(),
		CompanyID:         companyID,
		Type:              balanceType,
		Quantity:          quantity,
		CreatedByID:       createdByID,
		TotalAfter:        current.Total,
		RemainingAfter:    current.Remaining,
		MonthlyLimitAfter: current.MonthlyLimit,
		PeriodStartAfter:  current.PeriodStart,
	}
	if err := tx.Create(&audit).Error; err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	return nil
}

// SeedDefault creates a company's first balance row from the current
// hot-reloadable default policy. Called once, at company creation.
func (g *Gate) SeedDefault(tx *gorm.DB, companyID uuid.UUID) error {
	policy := g.policy.Get()
	quota := policy.DefaultPerMissionQuota
	row := tenantdomain.CompanyBalance{
		CompanyID: companyID,
		Type:      tenantdomain.BalanceTypeMissions,
		Total:     &quota,
		Remaining: &quota,
	}
	if err := tx.Create(&row).Error; err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	return nil
}

func (g *Gate) ensureBalance(tx *gorm.DB, companyID uuid.UUID) (*tenantdomain.CompanyBalance, error) {
	var row tenantdomain.CompanyBalance
	err := tx.Where("company_id = ?", companyID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = tenantdomain.CompanyBalance{
			CompanyID: companyID,
			Type:      tenantdomain.BalanceTypeMissions,
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		return &row, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	return &row, nil
}

func addNullable(base *int64, delta int64) *int64 {
	if base == nil {
		v := delta
		return &v
	}
	v := *base + delta
	return &v
}

func balanceExceeded(balanceType string) error {
	return apperrors.New(apperrors.Conflict, "company balance exhausted").
		WithCode("BALANCE_EXCEEDED").
		WithField("balanceType", balanceType)
}
