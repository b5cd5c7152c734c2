// Package invite is invite-code registration (C9): turns a single-use
// driver invite into a new mobile user, atomically and without a prior
// authenticated context.
package invite

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/clock"
	obsmetrics "github.com/smallbiznis/tenantroute/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/tenantroute/internal/tenant/domain"
	"github.com/smallbiznis/tenantroute/pkg/db"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DefaultMobilePermissions is granted to every newly-registered driver.
var DefaultMobilePermissions = []string{"mission.read_self", "mission.update_self", "vehicle.read_self"}

// Service implements Register against a pool-level *gorm.DB.
type Service struct {
	db      *gorm.DB
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func New(db *gorm.DB, c clock.Clock) *Service {
	return &Service{db: db, clock: c}
}

// WithMetrics attaches the domain metrics instruments, returning s for
// chaining at construction time.
func (s *Service) WithMetrics(m *obsmetrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Register implements C9 exactly: no restricted role is switched to,
// since there is no authenticated actor to scope the session to yet.
func (s *Service) Register(username, password, inviteCode string) (uuid.UUID, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	inviteCode = strings.TrimSpace(inviteCode)

	var newUserID uuid.UUID
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var inviteRow tenantdomain.DriverInvite
		err := tx.Where("code = ? AND used_at IS NULL", inviteCode).First(&inviteRow).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.New(apperrors.BadRequest, "invite is invalid or already used").WithCode("invalid-or-used")
		}
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}

		now := s.clock.Now()
		if inviteRow.ExpiresAt != nil && inviteRow.ExpiresAt.Before(now) {
			return apperrors.New(apperrors.BadRequest, "invite has expired").WithCode("expired")
		}

		var existing int64
		if err := tx.Model(&tenantdomain.MobileUser{}).
			Where("company_id = ? AND username = ?", inviteRow.CompanyID, username).
			Count(&existing).Error; err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if existing > 0 {
			return apperrors.New(apperrors.BadRequest, "username is already taken").WithCode("username-taken")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}

		mobileUser := tenantdomain.MobileUser{
			ID:          uuid.New(),
			Username:    username,
			PasswordHash: string(hash),
			CompanyID:   inviteRow.CompanyID,
			BranchID:    inviteRow.BranchID,
			DriverID:    &inviteRow.DriverID,
			RoleID:      inviteRow.RoleID,
			Permissions: DefaultMobilePermissions,
			IsBlocked:   false,
		}
		if err := tx.Create(&mobileUser).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return apperrors.New(apperrors.BadRequest, "username is already taken").WithCode("username-taken")
			}
			return apperrors.Wrap(apperrors.Internal, err)
		}

		if err := tx.Model(&inviteRow).Updates(map[string]any{
			"used_at":               now,
			"used_by_mobile_user_id": mobileUser.ID,
		}).Error; err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}

		newUserID = mobileUser.ID
		return nil
	})
	s.recordRedemption(err)
	if err != nil {
		return uuid.Nil, err
	}
	return newUserID, nil
}

func (s *Service) recordRedemption(err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(apperrors.KindOf(err))
	}
	s.metrics.RecordInviteRedemption(context.Background(), outcome)
}
