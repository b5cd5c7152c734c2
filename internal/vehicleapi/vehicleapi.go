// Package vehicleapi mirrors missionapi for the per_vehicles_per_month
// balance type: list and create, nothing more.
package vehicleapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/balance"
	"github.com/smallbiznis/tenantroute/internal/reqctx"
	tenantdomain "github.com/smallbiznis/tenantroute/internal/tenant/domain"
	"github.com/smallbiznis/tenantroute/pkg/db/option"
	"github.com/smallbiznis/tenantroute/pkg/repository"
)

// Handlers bundles the balance gate every vehicle_create request must
// clear before the row is persisted.
type Handlers struct {
	gate *balance.Gate
}

func New(gate *balance.Gate) *Handlers {
	return &Handlers{gate: gate}
}

type createRequest struct {
	Label    string     `json:"label" binding:"required"`
	BranchID *uuid.UUID `json:"branchId,omitempty"`
}

// Create consumes one per_vehicles_per_month quota unit and persists the
// vehicle in the same transaction C5 already opened.
func (h *Handlers) Create(c *gin.Context) {
	ctx := c.Request.Context()
	companyID, err := reqctx.RequireCompanyID(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Wrap(apperrors.BadRequest, err))
		return
	}

	tx := reqctx.DB(ctx, nil)
	if tx == nil {
		_ = c.Error(apperrors.New(apperrors.Internal, "vehicleapi: no transaction bound to request"))
		return
	}

	branchID := reqctx.EffectiveBranchID(ctx, req.BranchID)

	if err := h.gate.Consume(tx, companyID, balance.ActionVehicleCreate); err != nil {
		_ = c.Error(err)
		return
	}

	vehicle := tenantdomain.Vehicle{
		ID:        uuid.New(),
		Label:     req.Label,
		CompanyID: companyID,
		BranchID:  branchID,
	}
	if err := tx.Create(&vehicle).Error; err != nil {
		_ = c.Error(apperrors.Wrap(apperrors.Internal, err))
		return
	}

	c.JSON(http.StatusCreated, vehicle)
}

// List returns every vehicle visible in the caller's scope, narrowed to
// their branch unless they may see the whole company.
func (h *Handlers) List(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := reqctx.RequireCompanyID(ctx); err != nil {
		_ = c.Error(err)
		return
	}

	tx := reqctx.DB(ctx, nil)
	if tx == nil {
		_ = c.Error(apperrors.New(apperrors.Internal, "vehicleapi: no transaction bound to request"))
		return
	}

	queryBranchID, err := parseOptionalUUID(c.Query("branchId"))
	if err != nil {
		_ = c.Error(apperrors.New(apperrors.BadRequest, "branchId must be a uuid"))
		return
	}
	branchID := reqctx.EffectiveBranchID(ctx, queryBranchID)

	store := repository.ProvideStore[tenantdomain.Vehicle](tx)
	filter := &tenantdomain.Vehicle{}
	if branchID != nil {
		filter.BranchID = branchID
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	vehicles, err := store.Find(ctx, filter,
		option.WithOrderBy("created_at", true),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
	if err != nil {
		_ = c.Error(apperrors.Wrap(apperrors.Internal, err))
		return
	}

	c.JSON(http.StatusOK, vehicles)
}

// parseOptionalUUID parses raw as a uuid, returning nil, nil when raw is
// empty -- the query parameter was simply not given.
func parseOptionalUUID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
