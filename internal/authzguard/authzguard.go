// Package authzguard is the authorization guard (C6): given the request
// context's already-refreshed role and permission set (from C5), decide
// whether a handler's declared required permissions are satisfied.
package authzguard

import (
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/reqctx"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

// NewEnforcer builds the casbin role-permission policy store held by the
// guard, persisted in the given database.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

// SyncRolePolicies replaces the stored policy set for roleName with
// exactly the permissions in authorizations. No code path in this
// repository calls it when a role is created or edited, and the guard's
// decision does not read the policies it stores.
func SyncRolePolicies(enforcer *casbin.SyncedEnforcer, roleName string, authorizations []string) error {
	if _, err := enforcer.RemoveFilteredPolicy(0, roleName); err != nil {
		return err
	}
	for _, permission := range authorizations {
		permission = strings.TrimSpace(permission)
		if permission == "" {
			continue
		}
		if _, err := enforcer.AddPolicy(roleName, permission); err != nil {
			return err
		}
	}
	return nil
}

// Op names the two self-service operations mobile users may always
// perform on their own record, regardless of their permission set.
type Op string

const (
	OpReadSelf   Op = "read_self"
	OpUpdateSelf Op = "update_self"
)

// Guard evaluates C6's decision rule against the request context's
// permission set. It holds a casbin enforcer, which the decision does not
// consult.
type Guard struct {
	enforcer *casbin.SyncedEnforcer
}

func New(enforcer *casbin.SyncedEnforcer) *Guard {
	return &Guard{enforcer: enforcer}
}

// Require implements the C6 decision rule:
//   - no permissions declared -> allow
//   - superadmin -> allow
//   - every declared permission present in rc.Permissions -> allow
//   - otherwise -> FORBIDDEN
//
// rc.Permissions is the set the pipeline's refresh phase resolved straight
// from the actor's role row on this request, so the decision is made
// against that authoritative set directly rather than against a
// separately-synced casbin policy store that nothing keeps current.
func (g *Guard) Require(rc reqctx.RequestContext, permissions ...string) error {
	if len(permissions) == 0 {
		return nil
	}
	if rc.IsSuperAdmin {
		return nil
	}
	granted := make(map[string]struct{}, len(rc.Permissions))
	for _, permission := range rc.Permissions {
		granted[permission] = struct{}{}
	}
	for _, permission := range permissions {
		if _, ok := granted[permission]; !ok {
			return apperrors.New(apperrors.Forbidden, "missing required permission: "+permission)
		}
	}
	return nil
}

// RequireSelf implements C6's special rule: a mobile actor operating
// op (read_self/update_self) against subjectUserID always passes when
// subjectUserID equals the actor's own id, regardless of permissions.
// Otherwise it falls through to Require.
func (g *Guard) RequireSelf(rc reqctx.RequestContext, op Op, subjectUserID uuid.UUID, permissions ...string) error {
	if rc.ActorType == reqctx.ActorMobile && rc.UserID == subjectUserID {
		switch op {
		case OpReadSelf, OpUpdateSelf:
			return nil
		}
	}
	return g.Require(rc, permissions...)
}

// Check is Require's decision function, exported separately so callers
// outside gin (e.g. the queue consumer) can reuse it without a
// *gin.Context.
func (g *Guard) Check(rc reqctx.RequestContext, permissions ...string) error {
	return g.Require(rc, permissions...)
}

// RequireMiddleware returns a gin middleware enforcing permissions against
// the request context C5 already installed. Aborts with FORBIDDEN before
// the handler runs when the check fails.
func (g *Guard) RequireMiddleware(permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc, ok := reqctx.From(c.Request.Context())
		if !ok {
			_ = c.Error(apperrors.New(apperrors.Unauthenticated, "no request context installed"))
			c.Abort()
			return
		}
		if err := g.Check(rc, permissions...); err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Next()
	}
}
