// Package missionapi is the thin illustrative surface exercising the
// substrate against the per_missions balance type: list and create,
// nothing more -- mission CRUD and routing math are non-goals.
package missionapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/balance"
	"github.com/smallbiznis/tenantroute/internal/optimizer"
	"github.com/smallbiznis/tenantroute/internal/queuebridge"
	"github.com/smallbiznis/tenantroute/internal/reqctx"
	tenantdomain "github.com/smallbiznis/tenantroute/internal/tenant/domain"
	"github.com/smallbiznis/tenantroute/pkg/db/option"
	"github.com/smallbiznis/tenantroute/pkg/repository"
	"go.uber.org/zap"
)

const missionEventsQueue = "mission.events"

// Handlers bundles the balance gate every mission_create request must
// clear before the row is persisted, the outbound routing client the
// route-preview endpoint delegates to, and the queue publisher a created
// mission is announced on (best-effort, never blocking the response).
type Handlers struct {
	gate      *balance.Gate
	optimizer *optimizer.Client
	publisher *queuebridge.Publisher
	log       *zap.Logger
}

func New(gate *balance.Gate, opt *optimizer.Client, publisher *queuebridge.Publisher, log *zap.Logger) *Handlers {
	return &Handlers{gate: gate, optimizer: opt, publisher: publisher, log: log}
}

type createRequest struct {
	Label       string     `json:"label" binding:"required"`
	MissionDate string     `json:"missionDate" binding:"required"`
	BranchID    *uuid.UUID `json:"branchId,omitempty"`
}

// Create consumes one per_missions quota unit and persists the mission in
// the same transaction C5 already opened, so a balance denial and the
// insert it would have guarded are atomic with each other.
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
	missionDate, err := time.Parse("2006-01-02", req.MissionDate)
	if err != nil {
		_ = c.Error(apperrors.New(apperrors.BadRequest, "missionDate must be YYYY-MM-DD"))
		return
	}

	tx := reqctx.DB(ctx, nil)
	if tx == nil {
		_ = c.Error(apperrors.New(apperrors.Internal, "missionapi: no transaction bound to request"))
		return
	}

	branchID := reqctx.EffectiveBranchID(ctx, req.BranchID)

	if err := h.gate.Consume(tx, companyID, balance.ActionMissionCreate); err != nil {
		_ = c.Error(err)
		return
	}

	mission := tenantdomain.Mission{
		ID:          uuid.New(),
		Label:       req.Label,
		MissionDate: missionDate,
		CompanyID:   companyID,
		BranchID:    branchID,
	}
	if err := tx.Create(&mission).Error; err != nil {
		_ = c.Error(apperrors.Wrap(apperrors.Internal, err))
		return
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, missionEventsQueue, mission); err != nil {
			h.log.Warn("mission event publish failed", zap.String("missionId", mission.ID.String()), zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, mission)
}

// List returns every mission RLS makes visible for the caller's scope,
// further narrowed to the caller's branch unless they may see the whole
// company.
func (h *Handlers) List(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := reqctx.RequireCompanyID(ctx); err != nil {
		_ = c.Error(err)
		return
	}

	tx := reqctx.DB(ctx, nil)
	if tx == nil {
		_ = c.Error(apperrors.New(apperrors.Internal, "missionapi: no transaction bound to request"))
		return
	}

	queryBranchID, err := parseOptionalUUID(c.Query("branchId"))
	if err != nil {
		_ = c.Error(apperrors.New(apperrors.BadRequest, "branchId must be a uuid"))
		return
	}
	branchID := reqctx.EffectiveBranchID(ctx, queryBranchID)

	store := repository.ProvideStore[tenantdomain.Mission](tx)
	filter := &tenantdomain.Mission{}
	if branchID != nil {
		filter.BranchID = branchID
	}
	if raw := c.Query("date"); raw != "" {
		missionDate, err := time.Parse("2006-01-02", raw)
		if err != nil {
			_ = c.Error(apperrors.New(apperrors.BadRequest, "date must be YYYY-MM-DD"))
			return
		}
		filter.MissionDate = missionDate
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	missions, err := store.Find(ctx, filter,
		option.WithOrderBy("mission_date", true),
		option.WithLimit(limit),
		option.WithOffset(offset),
	)
	if err != nil {
		_ = c.Error(apperrors.Wrap(apperrors.Internal, err))
		return
	}

	c.JSON(http.StatusOK, missions)
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

type routeRequest struct {
	Jobs     []optimizer.Job     `json:"jobs" binding:"required"`
	Vehicles []optimizer.Vehicle `json:"vehicles" binding:"required"`
}

// Route is the thin illustrative surface over the outbound VROOM/OSRM
// client: it forwards the caller's job/vehicle set and returns whatever
// plan comes back, falling back to a greedy assignment on any outbound
// failure. The routing math itself lives entirely in internal/optimizer.
func (h *Handlers) Route(c *gin.Context) {
	if _, err := reqctx.RequireCompanyID(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}

	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Wrap(apperrors.BadRequest, err))
		return
	}

	plan := h.optimizer.Optimize(c.Request.Context(), req.Jobs, req.Vehicles)
	c.JSON(http.StatusOK, plan)
}
