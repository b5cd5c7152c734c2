package vehicleapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/smallbiznis/tenantroute/internal/balance"
	"github.com/smallbiznis/tenantroute/internal/clock"
	"github.com/smallbiznis/tenantroute/internal/reqctx"
	tenantdomain "github.com/smallbiznis/tenantroute/internal/tenant/domain"
	"github.com/smallbiznis/tenantroute/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestHandlers(t *testing.T) (*Handlers, *gorm.DB) {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&tenantdomain.Vehicle{},
		&tenantdomain.CompanyBalance{},
	))

	holder := &balance.PolicyHolder{}
	gate := balance.New(clock.New(), holder)
	return New(gate), conn
}

// withRequestContext installs rc and tx the same way reqpipeline's [txn]
// branch would, without needing a real Postgres-backed transaction.
func withRequestContext(c *gin.Context, tx *gorm.DB, rc reqctx.RequestContext) {
	ctx := reqctx.WithDB(reqctx.With(c.Request.Context(), rc), tx)
	c.Request = c.Request.WithContext(ctx)
}

func seedUnlimitedVehicleBalance(t *testing.T, conn *gorm.DB, companyID uuid.UUID) {
	t.Helper()
	require.NoError(t, conn.Create(&tenantdomain.CompanyBalance{
		CompanyID: companyID,
		Type:      string(tenantdomain.BalanceTypeVehiclesMonthly),
	}).Error)
}

func TestCreateVehicleConsumesQuotaAndPersists(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()
	seedUnlimitedVehicleBalance(t, conn, companyID)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := strings.NewReader(`{"label":"van-1"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/vehicles", body)
	c.Request.Header.Set("Content-Type", "application/json")
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID})

	h.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	var created tenantdomain.Vehicle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "van-1", created.Label)

	var count int64
	require.NoError(t, conn.Model(&tenantdomain.Vehicle{}).Where("company_id = ?", companyID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateVehicleDeniedWhenQuotaExhausted(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()
	limit := int64(0)
	require.NoError(t, conn.Create(&tenantdomain.CompanyBalance{
		CompanyID:    companyID,
		Type:         string(tenantdomain.BalanceTypeVehiclesMonthly),
		MonthlyLimit: &limit,
		Total:        &limit,
		Remaining:    &limit,
	}).Error)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := strings.NewReader(`{"label":"van-2"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/vehicles", body)
	c.Request.Header.Set("Content-Type", "application/json")
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID})

	h.Create(c)

	require.NotEmpty(t, c.Errors)
	var count int64
	require.NoError(t, conn.Model(&tenantdomain.Vehicle{}).Where("company_id = ?", companyID).Count(&count).Error)
	assert.Equal(t, int64(0), count, "a denied quota check must not leave a vehicle row behind")
}

func TestCreateVehicleWithoutCompanyScopeFails(t *testing.T) {
	h, _ := newTestHandlers(t)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := strings.NewReader(`{"label":"van-3"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/vehicles", body)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Request = c.Request.WithContext(context.Background())

	h.Create(c)
	require.NotEmpty(t, c.Errors)
}

func TestListVehiclesNarrowsToRequestedBranch(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()
	branchA := uuid.New()
	branchB := uuid.New()

	require.NoError(t, conn.Create(&tenantdomain.Vehicle{Label: "a1", CompanyID: companyID, BranchID: &branchA}).Error)
	require.NoError(t, conn.Create(&tenantdomain.Vehicle{Label: "b1", CompanyID: companyID, BranchID: &branchB}).Error)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/vehicles", nil)
	// a regular driver is pinned to their own branch regardless of query.
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID, BranchID: &branchA, RoleName: "driver"})

	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	var vehicles []tenantdomain.Vehicle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vehicles))
	require.Len(t, vehicles, 1)
	assert.Equal(t, "a1", vehicles[0].Label)
}

func TestListVehiclesCompanyAdminSeesEveryBranch(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()
	branchA := uuid.New()
	branchB := uuid.New()

	require.NoError(t, conn.Create(&tenantdomain.Vehicle{Label: "a1", CompanyID: companyID, BranchID: &branchA}).Error)
	require.NoError(t, conn.Create(&tenantdomain.Vehicle{Label: "b1", CompanyID: companyID, BranchID: &branchB}).Error)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/vehicles", nil)
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID, RoleName: "companyAdmin"})

	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	var vehicles []tenantdomain.Vehicle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vehicles))
	assert.Len(t, vehicles, 2)
}

func TestListVehiclesCompanyAdminCanSelectASingleBranchByQuery(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()
	branchA := uuid.New()
	branchB := uuid.New()

	require.NoError(t, conn.Create(&tenantdomain.Vehicle{Label: "a1", CompanyID: companyID, BranchID: &branchA}).Error)
	require.NoError(t, conn.Create(&tenantdomain.Vehicle{Label: "b1", CompanyID: companyID, BranchID: &branchB}).Error)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/vehicles?branchId="+branchB.String(), nil)
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID, RoleName: "companyAdmin"})

	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	var vehicles []tenantdomain.Vehicle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vehicles))
	require.Len(t, vehicles, 1)
	assert.Equal(t, "b1", vehicles[0].Label)
}

func TestListVehiclesNonAdminQueryBranchIsIgnored(t *testing.T) {
	h, conn := newTestHandlers(t)
	companyID := uuid.New()
	branchA := uuid.New()
	branchB := uuid.New()

	require.NoError(t, conn.Create(&tenantdomain.Vehicle{Label: "a1", CompanyID: companyID, BranchID: &branchA}).Error)
	require.NoError(t, conn.Create(&tenantdomain.Vehicle{Label: "b1", CompanyID: companyID, BranchID: &branchB}).Error)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/vehicles?branchId="+branchB.String(), nil)
	withRequestContext(c, conn, reqctx.RequestContext{CompanyID: &companyID, BranchID: &branchA, RoleName: "driver"})

	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	var vehicles []tenantdomain.Vehicle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vehicles))
	require.Len(t, vehicles, 1)
	assert.Equal(t, "a1", vehicles[0].Label)
}
