package missionapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/smallbiznis/tenantroute/internal/balance"
	"github.com/smallbiznis/tenantroute/internal/clock"
	"github.com/smallbiznis/tenantroute/internal/optimizer"
	"github.com/smallbiznis/tenantroute/internal/reqctx"
	tenantdomain "github.com/smallbiznis/tenantroute/internal/tenant/domain"
	"github.com/smallbiznis/tenantroute/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newTestHandlers(t *testing.T) (*Handlers, *gorm.DB) {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&tenantdomain.Mission{},
		&tenantdomain.CompanyBalance{},
	))

	holder := &balance.PolicyHolder{}
	gate := balance.New(clock.New(), holder)
	opt := optimizer.New("", "", zaptest.NewLogger(t))
	// publisher left nil: Create must treat a best-effort announce as
	// entirely optional.
	return New(gate, opt, nil, zaptest.NewLogger(t)), conn
}

func withRequestContext(c *gin.Context, tx *gorm.DB, rc reqctx.RequestContext) {
	ctx := reqctx.WithDB(reqctx.With(c.Request.Context(), rc), tx)
	c.Request = c.Request.WithContext(ctx)
}

func seedUnlimitedMissionBalance(t *testing.T, conn *gorm.DB, companyID uuid.UUID) {
	t.Helper()
	require.NoError(t, conn.Create(&tenantdomain.CompanyBalance{
		CompanyID: companyID,
		Type:      tenantdomain.BalanceTypeMissions,
	}).Error)
}

func TestCreateMissionConsumesQuotaAndPersistsWithNilPublisher(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()
	seedUnlimitedMissionBalance(t, conn, companyID)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := strings.NewReader(`{"label":"morning-run","missionDate":"2026-08-10"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/missions", body)
	c.Request.Header.Set("Content-Type", "application/json")
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID})

	h.Create(c)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created tenantdomain.Mission
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "morning-run", created.Label)

	var count int64
	require.NoError(t, conn.Model(&tenantdomain.Mission{}).Where("company_id = ?", companyID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateMissionRejectsMalformedDate(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()
	seedUnlimitedMissionBalance(t, conn, companyID)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := strings.NewReader(`{"label":"bad-date","missionDate":"not-a-date"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/missions", body)
	c.Request.Header.Set("Content-Type", "application/json")
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID})

	h.Create(c)
	require.NotEmpty(t, c.Errors)

	var count int64
	require.NoError(t, conn.Model(&tenantdomain.Mission{}).Where("company_id = ?", companyID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestCreateMissionDeniedWhenQuotaExhausted(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()
	zero := int64(0)
	require.NoError(t, conn.Create(&tenantdomain.CompanyBalance{
		CompanyID: companyID,
		Type:      tenantdomain.BalanceTypeMissions,
		Total:     &zero,
		Remaining: &zero,
	}).Error)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := strings.NewReader(`{"label":"no-quota","missionDate":"2026-08-10"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/missions", body)
	c.Request.Header.Set("Content-Type", "application/json")
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID})

	h.Create(c)
	require.NotEmpty(t, c.Errors)

	var count int64
	require.NoError(t, conn.Model(&tenantdomain.Mission{}).Where("company_id = ?", companyID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestListMissionsFiltersByDate(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()

	require.NoError(t, conn.Create(&tenantdomain.Mission{
		Label: "aug-10", CompanyID: companyID,
		MissionDate: mustParseDate(t, "2026-08-10"),
	}).Error)
	require.NoError(t, conn.Create(&tenantdomain.Mission{
		Label: "aug-11", CompanyID: companyID,
		MissionDate: mustParseDate(t, "2026-08-11"),
	}).Error)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/missions?date=2026-08-10", nil)
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID, RoleName: "companyAdmin"})

	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	var missions []tenantdomain.Mission
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &missions))
	require.Len(t, missions, 1)
	assert.Equal(t, "aug-10", missions[0].Label)
}

func TestListMissionsCompanyAdminCanSelectABranchByQuery(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()
	branchA := uuid.New()
	branchB := uuid.New()

	require.NoError(t, conn.Create(&tenantdomain.Mission{
		Label: "a1", CompanyID: companyID, BranchID: &branchA,
		MissionDate: mustParseDate(t, "2026-08-10"),
	}).Error)
	require.NoError(t, conn.Create(&tenantdomain.Mission{
		Label: "b1", CompanyID: companyID, BranchID: &branchB,
		MissionDate: mustParseDate(t, "2026-08-10"),
	}).Error)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/missions?branchId="+branchB.String(), nil)
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID, RoleName: "companyAdmin"})

	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	var missions []tenantdomain.Mission
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &missions))
	require.Len(t, missions, 1)
	assert.Equal(t, "b1", missions[0].Label)
}

func TestListMissionsWithoutCompanyScopeFails(t *testing.T) {
	h, _ := newTestHandlers(t)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/missions", nil)
	c.Request = c.Request.WithContext(context.Background())

	h.List(c)
	require.NotEmpty(t, c.Errors)
}

func TestRouteFallsBackToGreedyPlanWithoutVroomConfigured(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := strings.NewReader(`{"jobs":[{"id":1},{"id":2}],"vehicles":[{"id":10}]}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/missions/route", body)
	c.Request.Header.Set("Content-Type", "application/json")
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID})

	h.Route(c)

	require.Equal(t, http.StatusOK, w.Code)
	var plan optimizer.Plan
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &plan))
	assert.True(t, plan.Fallback)
}

func mustParseDate(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return parsed
}
