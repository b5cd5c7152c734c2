// Package bootstrap is the startup-time, superuser-authenticated seed
// step: apply migrations, grant the restricted role its privileges, and
// optionally create a superadmin web user. No company is created here; the
// superadmin belongs to no company.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/smallbiznis/tenantroute/internal/config"
	tenantdomain "github.com/smallbiznis/tenantroute/internal/tenant/domain"
	"github.com/smallbiznis/tenantroute/pkg/migrate"
	"github.com/smallbiznis/tenantroute/pkg/rls"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Run applies the embedded schema, grants app_rls its privileges, and
// seeds the configured superadmin if requested. db must be authenticated
// as a superuser -- the same connection pkg/rls.EnsureRole requires.
func Run(ctx context.Context, cfg config.Config, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("bootstrap: acquire sql.DB: %w", err)
	}
	if err := migrate.Up(sqlDB); err != nil {
		return fmt.Errorf("bootstrap: apply migrations: %w", err)
	}
	if err := rls.EnsureRole(ctx, db); err != nil {
		return fmt.Errorf("bootstrap: ensure rls role: %w", err)
	}

	if !cfg.SeedSuperAdmin {
		return nil
	}
	return seedSuperAdmin(ctx, db, cfg)
}

func seedSuperAdmin(ctx context.Context, db *gorm.DB, cfg config.Config) error {
	username := strings.ToLower(strings.TrimSpace(cfg.SuperAdminUsername))

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.SwitchRole(tx); err != nil {
			return err
		}
		if err := rls.SetSuperAdmin(tx, true); err != nil {
			return err
		}
		if err := rls.SetCompanyID(tx, ""); err != nil {
			return err
		}

		var existing tenantdomain.WebUser
		err := tx.Where("username = ?", username).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.SuperAdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		user := tenantdomain.WebUser{
			ID:           uuid.New(),
			Username:     username,
			PasswordHash: string(hash),
			Email:        cfg.SuperAdminEmail,
			IsSuperAdmin: true,
		}
		return tx.Create(&user).Error
	})
}
