// Package rls implements the tenant schema conventions (C1) and the
// restricted-role bootstrap (C2): every tenant-scoped table carries a
// companyId column and a row-level policy that is visible/mutable iff the
// session claims superadmin or the row's companyId matches the session's
// current tenant. The policy is enforced even against the table owner
// because every table FORCEs row level security.
package rls

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Role is the non-privileged database role every tenant transaction runs
// under. It has no BYPASSRLS, no SUPERUSER, and cannot log in directly --
// the application always arrives at it via SET LOCAL ROLE from a
// superuser-authenticated pooled connection.
const Role = "app_rls"

// Session variables that drive the policy below. Both are transaction-local
// (set via set_config(..., true)) so a pooled connection can never leak
// tenant scope across requests.
const (
	SessionIsSuperAdmin = "app.is_superadmin"
	SessionCompanyID    = "app.current_company_id"
)

// PolicyExpr is the USING/WITH CHECK clause attached to every tenant-scoped
// table's isolation policy. The migration SQL carries its own copy of this
// clause, kept in sync by hand.
const PolicyExpr = `COALESCE(current_setting('` + SessionIsSuperAdmin + `', true), 'false') = 'true'
  OR company_id = NULLIF(current_setting('` + SessionCompanyID + `', true), '')::uuid`

// TenantTables lists every table that must FORCE ROW LEVEL SECURITY and
// carry PolicyExpr. pkg/migrate's embedded SQL creates the policies
// directly; EnsureRole uses this list to (re)apply FORCE ROW LEVEL
// SECURITY idempotently without a migration round-trip.
var TenantTables = []string{
	"branches",
	"roles",
	"web_users",
	"mobile_users",
	"driver_invites",
	"company_balances",
	"company_balance_purchases",
	"vehicles",
	"missions",
}

// EnsureRole idempotently creates the restricted role and grants it exactly
// the privileges a tenant transaction needs: USAGE on the schema and
// SELECT/INSERT/UPDATE/DELETE on current and future tables. It never grants
// BYPASSRLS, CREATEDB, or role membership that could escalate. Must be
// called with a superuser-authenticated *gorm.DB; fails loud (returns the
// error) if the connecting role cannot grant.
func EnsureRole(ctx context.Context, db *gorm.DB) error {
	tx := db.WithContext(ctx)

	var exists bool
	if err := tx.Raw(`SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = ?)`, Role).Scan(&exists).Error; err != nil {
		return fmt.Errorf("rls: check role existence: %w", err)
	}
	if !exists {
		if err := tx.Exec(fmt.Sprintf(`CREATE ROLE %s NOINHERIT NOLOGIN`, Role)).Error; err != nil {
			return fmt.Errorf("rls: create role: %w", err)
		}
	}

	if err := tx.Exec(`GRANT USAGE ON SCHEMA public TO ` + Role).Error; err != nil {
		return fmt.Errorf("rls: grant schema usage: %w", err)
	}
	if err := tx.Exec(`GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO ` + Role).Error; err != nil {
		return fmt.Errorf("rls: grant table privileges: %w", err)
	}
	if err := tx.Exec(`ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT SELECT, INSERT, UPDATE, DELETE ON TABLES TO ` + Role).Error; err != nil {
		return fmt.Errorf("rls: set default privileges: %w", err)
	}

	for _, table := range TenantTables {
		stmt := fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY`, table)
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("rls: force rls on %s: %w", table, err)
		}
	}

	return nil
}

// SwitchRole puts the current transaction under the restricted role. Must
// run inside BEGIN...COMMIT; SET LOCAL ROLE reverts automatically when the
// transaction ends, so the pooled connection returns to the pool under its
// original role.
func SwitchRole(tx *gorm.DB) error {
	return tx.Exec(`SET LOCAL ROLE ` + Role).Error
}

// SetSuperAdmin sets the transaction-local superadmin session flag. Uses
// set_config rather than SET LOCAL because SET does not accept bind
// parameters in Postgres.
func SetSuperAdmin(tx *gorm.DB, isSuperAdmin bool) error {
	value := "false"
	if isSuperAdmin {
		value = "true"
	}
	return tx.Exec(`SELECT set_config(?, ?, true)`, SessionIsSuperAdmin, value).Error
}

// SetCompanyID binds the transaction-local tenant scope. An empty string
// clears the tenant (used alongside SetSuperAdmin(true)).
func SetCompanyID(tx *gorm.DB, companyID string) error {
	return tx.Exec(`SELECT set_config(?, ?, true)`, SessionCompanyID, companyID).Error
}
