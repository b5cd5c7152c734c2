// Package reqctx is the request context store (C3): the ambient values
// bound to one request's logical flow, carried the idiomatic Go way -- as
// a context.Context value, since ctx is already threaded as the first
// parameter of every handler and repository call in this codebase (per the
// design note against hidden thread-locals).
package reqctx

import (
	"context"
	"errors"

	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"gorm.io/gorm"
)

// ActorType distinguishes the two actor variants the pipeline can install.
type ActorType string

const (
	ActorWeb    ActorType = "web"
	ActorMobile ActorType = "mobile"
)

// RequestContext holds the per-request ambient values installed by the
// request-context pipeline (C5). The zero value represents an
// unauthenticated request.
type RequestContext struct {
	CompanyID    *uuid.UUID
	BranchID     *uuid.UUID
	UserID       uuid.UUID
	ActorType    ActorType
	IsSuperAdmin bool
	RoleName     string
	Permissions  []string

	// db is the transaction-bound handle for this request. Never set on a
	// Snapshot; queue consumers and serialized contexts re-open their own.
	db *gorm.DB
}

type ctxKey struct{}

// With installs rc into ctx, returning a new context carrying it. Mirrors
// the source's run(ctx, fn) -- in Go the "run" is simply passing the
// returned context down the call chain.
func With(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, &rc)
}

// From returns the innermost installed RequestContext, or ok=false if the
// request never had one installed (pure-anonymous handlers).
func From(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	if !ok || rc == nil {
		return RequestContext{}, false
	}
	return *rc, true
}

// DB returns the ambient transaction-bound handle if the request installed
// one, else the pool-level fallback. The fallback is only meant for
// startup-time code (migrations, role bootstrap) that runs before any
// request context exists.
func DB(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if rc, ok := ctx.Value(ctxKey{}).(*RequestContext); ok && rc != nil && rc.db != nil {
		return rc.db
	}
	return fallback
}

// WithDB returns a copy of ctx whose installed RequestContext carries tx as
// its transaction-bound handle. Used only by the pipeline when it opens the
// transaction.
func WithDB(ctx context.Context, tx *gorm.DB) context.Context {
	rc, _ := From(ctx)
	rc.db = tx
	return With(ctx, rc)
}

// Snapshot returns rc without its DB handle -- the serializable form handed
// to the queue context bridge (C11).
func (rc RequestContext) Snapshot() RequestContext {
	rc.db = nil
	return rc
}

// RequireCompanyID returns rc.CompanyID or fails with UNAUTHENTICATED if
// absent (always absent for superadmins with no tenant scope selected).
func RequireCompanyID(ctx context.Context) (uuid.UUID, error) {
	rc, ok := From(ctx)
	if !ok || rc.CompanyID == nil {
		return uuid.Nil, apperrors.New(apperrors.Unauthenticated, "no tenant scope in request context")
	}
	return *rc.CompanyID, nil
}

// EffectiveBranchID implements the application-level branch narrowing on
// top of company-level RLS: a superadmin or companyAdmin may request any
// branch via queryBranchID; anyone else is pinned to their own branch
// regardless of what the query asked for.
func EffectiveBranchID(ctx context.Context, queryBranchID *uuid.UUID) *uuid.UUID {
	rc, ok := From(ctx)
	if !ok {
		return queryBranchID
	}
	if rc.IsSuperAdmin || rc.RoleName == "companyAdmin" {
		return queryBranchID
	}
	return rc.BranchID
}

var errNoRequestContext = errors.New("reqctx: no request context installed")

// MustFrom is From but panics on absence; reserved for code paths the
// pipeline guarantees always run with an installed context (e.g. inside a
// handler that declared required permissions, which implies C5's [txn]
// branch already ran).
func MustFrom(ctx context.Context) RequestContext {
	rc, ok := From(ctx)
	if !ok {
		panic(errNoRequestContext)
	}
	return rc
}
