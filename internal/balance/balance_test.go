package balance

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/clock"
	tenantdomain "github.com/smallbiznis/tenantroute/internal/tenant/domain"
	"github.com/smallbiznis/tenantroute/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&tenantdomain.CompanyBalance{},
		&tenantdomain.CompanyBalancePurchase{},
	))

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	// Concurrency tests below race many goroutines against one in-memory
	// sqlite file; serialize at the connection-pool level and give writers
	// a generous lock-wait budget instead of failing on SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.Exec("PRAGMA busy_timeout = 5000").Error)

	return conn
}

func newHolder(t *testing.T, policy Policy) *PolicyHolder {
	t.Helper()
	holder := &PolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func TestConsumeMissionQuotaExact(t *testing.T) {
	const quota = int64(5)
	conn := newTestDB(t)
	companyID := uuid.New()

	total := quota
	require.NoError(t, conn.Create(&tenantdomain.CompanyBalance{
		CompanyID: companyID,
		Type:      tenantdomain.BalanceTypeMissions,
		Total:     &total,
		Remaining: &total,
	}).Error)

	gate := New(clock.NewFakeClock(time.Now()), newHolder(t, DefaultPolicy()))

	const attempts = 12
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- gate.Consume(conn, companyID, ActionMissionCreate)
		}()
	}
	wg.Wait()
	close(results)

	var successes, exhausted int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case apperrors.KindOf(err) == apperrors.Conflict:
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, int(quota), successes, "exactly min(N, remaining) consumers should succeed")
	assert.Equal(t, attempts-int(quota), exhausted)

	var row tenantdomain.CompanyBalance
	require.NoError(t, conn.Where("company_id = ?", companyID).First(&row).Error)
	require.NotNil(t, row.Remaining)
	assert.Equal(t, int64(0), *row.Remaining)
}

func TestConsumeUnlimitedBalanceNeverExhausts(t *testing.T) {
	conn := newTestDB(t)
	companyID := uuid.New()

	require.NoError(t, conn.Create(&tenantdomain.CompanyBalance{
		CompanyID: companyID,
		Type:      tenantdomain.BalanceTypeMissions,
		// Total/Remaining left nil -- an unlimited allowance.
	}).Error)

	gate := New(clock.NewFakeClock(time.Now()), newHolder(t, DefaultPolicy()))
	for i := 0; i < 5; i++ {
		assert.NoError(t, gate.Consume(conn, companyID, ActionMissionCreate))
	}
}

func TestConsumeMismatchedActionIsNoop(t *testing.T) {
	conn := newTestDB(t)
	companyID := uuid.New()

	total := int64(3)
	require.NoError(t, conn.Create(&tenantdomain.CompanyBalance{
		CompanyID: companyID,
		Type:      tenantdomain.BalanceTypeMissions,
		Total:     &total,
		Remaining: &total,
	}).Error)

	gate := New(clock.NewFakeClock(time.Now()), newHolder(t, DefaultPolicy()))

	// The company's balance row is a mission quota; consuming against
	// vehicle_create must not touch it.
	assert.NoError(t, gate.Consume(conn, companyID, ActionVehicleCreate))

	var row tenantdomain.CompanyBalance
	require.NoError(t, conn.Where("company_id = ?", companyID).First(&row).Error)
	assert.Equal(t, total, *row.Remaining)
}

func TestConsumeVehicleMonthlyRollsOverOnNewMonth(t *testing.T) {
	conn := newTestDB(t)
	companyID := uuid.New()

	fc := clock.NewFakeClock(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	limit := int64(2)
	priorMonth := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	zero := int64(0)
	require.NoError(t, conn.Create(&tenantdomain.CompanyBalance{
		CompanyID:    companyID,
		Type:         tenantdomain.BalanceTypeVehiclesMonthly,
		MonthlyLimit: &limit,
		Remaining:    &zero,
		PeriodStart:  &priorMonth,
	}).Error)

	gate := New(fc, newHolder(t, DefaultPolicy()))

	// Last month's allowance was exhausted, but January resets it.
	require.NoError(t, gate.Consume(conn, companyID, ActionVehicleCreate))

	var row tenantdomain.CompanyBalance
	require.NoError(t, conn.Where("company_id = ?", companyID).First(&row).Error)
	require.NotNil(t, row.Remaining)
	assert.Equal(t, limit-1, *row.Remaining)
	assert.True(t, row.PeriodStart.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestPurchaseAppendsAuditRow(t *testing.T) {
	conn := newTestDB(t)
	companyID := uuid.New()
	gate := New(clock.NewFakeClock(time.Now()), newHolder(t, DefaultPolicy()))

	adminID := uuid.New()
	require.NoError(t, gate.Purchase(conn, companyID, &adminID, tenantdomain.BalanceTypeMissions, 100))

	var balance tenantdomain.CompanyBalance
	require.NoError(t, conn.Where("company_id = ?", companyID).First(&balance).Error)
	require.NotNil(t, balance.Remaining)
	assert.Equal(t, int64(100), *balance.Remaining)

	var audits []tenantdomain.CompanyBalancePurchase
	require.NoError(t, conn.Where("company_id = ?", companyID).Find(&audits).Error)
	require.Len(t, audits, 1)
	assert.Equal(t, int64(100), audits[0].Quantity)
	require.NotNil(t, audits[0].RemainingAfter)
	assert.Equal(t, int64(100), *audits[0].RemainingAfter)

	// A second purchase accumulates on top of the first rather than
	// replacing it.
	require.NoError(t, gate.Purchase(conn, companyID, &adminID, tenantdomain.BalanceTypeMissions, 50))
	require.NoError(t, conn.Where("company_id = ?", companyID).First(&balance).Error)
	assert.Equal(t, int64(150), *balance.Remaining)
}

func TestSeedDefaultUsesHotReloadablePolicy(t *testing.T) {
	conn := newTestDB(t)
	companyID := uuid.New()

	holder := newHolder(t, Policy{DefaultPerMissionQuota: 77, DefaultVehiclesMonthlyQuota: 3})
	gate := New(clock.NewFakeClock(time.Now()), holder)

	require.NoError(t, gate.SeedDefault(conn, companyID))

	var row tenantdomain.CompanyBalance
	require.NoError(t, conn.Where("company_id = ?", companyID).First(&row).Error)
	require.NotNil(t, row.Remaining)
	assert.Equal(t, int64(77), *row.Remaining)
}

func TestValidatePolicyRejectsNegativeQuota(t *testing.T) {
	assert.Error(t, validatePolicy(Policy{DefaultPerMissionQuota: -1}))
	assert.Error(t, validatePolicy(Policy{DefaultVehiclesMonthlyQuota: -1}))
	assert.NoError(t, validatePolicy(DefaultPolicy()))
}
