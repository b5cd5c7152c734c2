// Package reqpipeline is the request context pipeline (C5): the single
// entry point every request on a tenant-scoped route passes through
// (login and registration routes are mounted outside it). It verifies
// the token, opens a transaction under the
// restricted role, refreshes the actor from the authoritative store,
// binds the RLS session variables, installs the request context, runs
// the handler, and commits or rolls back tied to the request outcome.
package reqpipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/authtoken"
	obslogger "github.com/smallbiznis/tenantroute/internal/observability/logger"
	"github.com/smallbiznis/tenantroute/internal/reqctx"
	tenantdomain "github.com/smallbiznis/tenantroute/internal/tenant/domain"
	"github.com/smallbiznis/tenantroute/pkg/db"
	"github.com/smallbiznis/tenantroute/pkg/rls"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps are the pipeline's dependencies: a pool-level, superuser-
// authenticated *gorm.DB to BEGIN transactions from, and the verifier that
// implements C4.
type Deps struct {
	DB       *gorm.DB
	Verifier *authtoken.Verifier
}

// effectiveActor is the authoritative attributes read fresh from the
// database during the refresh phase -- never trusted from the token.
type effectiveActor struct {
	companyID    *uuid.UUID
	branchID     *uuid.UUID
	isSuperAdmin bool
	roleName     string
	permissions  []string
}

// TenantTransaction builds the C5 gin middleware. Mount it on every route
// group that needs tenant-scoped or superadmin access; anonymous-capable
// routes (login, invite registration) run outside it entirely, per
// spec.md §4.5/§4.9.
func TenantTransaction(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		raw, found := authtoken.Extract(c)
		var claims authtoken.Claims
		haveClaims := false
		if found {
			parsed, err := deps.Verifier.Verify(raw)
			if err != nil {
				abortUnauthenticated(c, err)
				return
			}
			claims = parsed
			haveClaims = true
		}

		if !haveClaims || (!claims.IsSuperAdmin && claims.CompanyID == nil) {
			runNoTxn(c, claims, haveClaims)
			return
		}

		userID, err := claims.UserID()
		if err != nil {
			abortUnauthenticated(c, err)
			return
		}

		txErr := deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := rls.SwitchRole(tx); err != nil {
				return apperrors.Wrap(apperrors.Internal, err)
			}

			actor, err := refreshActor(tx, claims.ActorType, userID)
			if err != nil {
				return err
			}

			if actor.isSuperAdmin {
				if err := rls.SetSuperAdmin(tx, true); err != nil {
					return apperrors.Wrap(apperrors.Internal, err)
				}
				if err := rls.SetCompanyID(tx, ""); err != nil {
					return apperrors.Wrap(apperrors.Internal, err)
				}
			} else {
				if actor.companyID == nil {
					return apperrors.New(apperrors.Unauthenticated, "actor has no company scope")
				}
				if err := rls.SetSuperAdmin(tx, false); err != nil {
					return apperrors.Wrap(apperrors.Internal, err)
				}
				if err := rls.SetCompanyID(tx, actor.companyID.String()); err != nil {
					return apperrors.Wrap(apperrors.Internal, err)
				}
			}

			rc := reqctx.RequestContext{
				CompanyID:    actor.companyID,
				BranchID:     actor.branchID,
				UserID:       userID,
				ActorType:    reqctx.ActorType(claims.ActorType),
				IsSuperAdmin: actor.isSuperAdmin,
				RoleName:     actor.roleName,
				Permissions:  actor.permissions,
			}
			c.Request = c.Request.WithContext(reqctx.WithDB(reqctx.With(ctx, rc), tx))

			c.Next()

			if lastErr := c.Errors.Last(); lastErr != nil {
				return lastErr.Err
			}
			return nil
		})

		if txErr != nil {
			if len(c.Errors) == 0 {
				_ = c.Error(classifyTxError(txErr))
			}
			if !c.IsAborted() {
				c.Abort()
			}
			logRollback(c, txErr)
		}
	}
}

// classifyTxError normalizes an error surfacing from BEGIN itself (pool
// checkout timeout or exhaustion, never seen by the handler closure) into
// RESOURCE_EXHAUSTED per spec.md §5/§7. Anything already carrying a Kind
// (returned by the handler closure) passes through unchanged.
func classifyTxError(err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ResourceExhausted, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "pool") || strings.Contains(msg, "too many connections") || strings.Contains(msg, "timeout") {
		return apperrors.Wrap(apperrors.ResourceExhausted, err)
	}
	return apperrors.Wrap(apperrors.Internal, err)
}

// runNoTxn is the [no-txn] branch: no company/superadmin scope, so the
// handler runs with a claims-derived context and no database handle. Any
// handler that touches the database here will fall back to whatever
// pool-level default reqctx.DB was given, which carries no tenant
// isolation -- such handlers must not exist on anonymous-capable routes.
func runNoTxn(c *gin.Context, claims authtoken.Claims, haveClaims bool) {
	var rc reqctx.RequestContext
	if haveClaims {
		userID, _ := claims.UserID()
		rc = reqctx.RequestContext{
			UserID:    userID,
			ActorType: reqctx.ActorType(claims.ActorType),
		}
	}
	c.Request = c.Request.WithContext(reqctx.With(c.Request.Context(), rc))
	c.Next()
}

func refreshActor(tx *gorm.DB, actorType string, userID uuid.UUID) (effectiveActor, error) {
	if err := rls.SetSuperAdmin(tx, true); err != nil {
		return effectiveActor{}, apperrors.Wrap(apperrors.Internal, err)
	}
	if err := rls.SetCompanyID(tx, ""); err != nil {
		return effectiveActor{}, apperrors.Wrap(apperrors.Internal, err)
	}

	switch reqctx.ActorType(actorType) {
	case reqctx.ActorMobile:
		var row tenantdomain.MobileUser
		err := tx.Where("id = ?", userID).First(&row).Error
		if db.IsNotFound(err) {
			return effectiveActor{}, apperrors.New(apperrors.Unauthenticated, "mobile user not found")
		}
		if err != nil {
			return effectiveActor{}, apperrors.Wrap(apperrors.Internal, err)
		}
		if row.IsBlocked {
			return effectiveActor{}, apperrors.New(apperrors.Unauthenticated, "mobile user is blocked")
		}
		roleName, authorizations := loadRole(tx, row.RoleID)
		if len(authorizations) == 0 {
			authorizations = authtoken.NormalizeAuthorizations(row.Permissions)
		}
		return effectiveActor{
			companyID:    &row.CompanyID,
			branchID:     row.BranchID,
			isSuperAdmin: row.IsSuperAdmin,
			roleName:     roleName,
			permissions:  authorizations,
		}, nil
	default:
		var row tenantdomain.WebUser
		err := tx.Where("id = ?", userID).First(&row).Error
		if db.IsNotFound(err) {
			return effectiveActor{}, apperrors.New(apperrors.Unauthenticated, "web user not found")
		}
		if err != nil {
			return effectiveActor{}, apperrors.Wrap(apperrors.Internal, err)
		}
		roleName, permissions := loadRole(tx, row.RoleID)
		return effectiveActor{
			companyID:    row.CompanyID,
			branchID:     row.BranchID,
			isSuperAdmin: row.IsSuperAdmin,
			roleName:     roleName,
			permissions:  permissions,
		}, nil
	}
}

func loadRole(tx *gorm.DB, roleID *uuid.UUID) (string, []string) {
	if roleID == nil {
		return "", nil
	}
	var role tenantdomain.Role
	if err := tx.Where("id = ?", *roleID).First(&role).Error; err != nil {
		return "", nil
	}
	return role.Name, authtoken.NormalizeAuthorizations(role.Authorizations)
}

func abortUnauthenticated(c *gin.Context, err error) {
	_ = c.Error(apperrors.Wrap(apperrors.Unauthenticated, err))
	c.Abort()
}

func logRollback(c *gin.Context, err error) {
	log := obslogger.FromContext(c.Request.Context())
	log.Warn("tenant transaction rolled back",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
}
