// Package credauth is credential login (C8): verifies a username and
// password, mints an access token with the canonical claim set, and
// issues a refresh token via C7.
package credauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/authtoken"
	obsmetrics "github.com/smallbiznis/tenantroute/internal/observability/metrics"
	"github.com/smallbiznis/tenantroute/internal/refreshtoken"
	"github.com/smallbiznis/tenantroute/internal/reqctx"
	tenantdomain "github.com/smallbiznis/tenantroute/internal/tenant/domain"
	"github.com/smallbiznis/tenantroute/pkg/rls"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Result is what the login handler hands back to the client.
type Result struct {
	AccessToken       string
	AccessTokenExpiry time.Time
	RefreshToken      string
	RefreshTokenFamily uuid.UUID
	RefreshTokenExpiry time.Time
}

// Service implements C8 against a pool-level *gorm.DB: it opens its own
// RLS-bypass transaction to resolve the actor by username, since the
// actor's tenant is not yet known before login succeeds.
type Service struct {
	db       *gorm.DB
	verifier *authtoken.Verifier
	refresh  *refreshtoken.Service
	metrics  *obsmetrics.Metrics
}

func New(db *gorm.DB, verifier *authtoken.Verifier, refresh *refreshtoken.Service, m *obsmetrics.Metrics) *Service {
	return &Service{db: db, verifier: verifier, refresh: refresh, metrics: m}
}

// LoginWeb implements the web actor path.
func (s *Service) LoginWeb(username, password string) (Result, error) {
	username = normalizeUsername(username)

	var result Result
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := rls.SwitchRole(tx); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if err := rls.SetSuperAdmin(tx, true); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if err := rls.SetCompanyID(tx, ""); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}

		var user tenantdomain.WebUser
		err := tx.Where("username = ?", username).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.New(apperrors.Unauthenticated, "invalid username or password")
		}
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			return apperrors.New(apperrors.Unauthenticated, "invalid username or password")
		}

		roleName, authorizations := loadRole(tx, user.RoleID)
		claims := authtoken.Claims{
			Username:     user.Username,
			ActorType:    string(reqctx.ActorWeb),
			CompanyID:    user.CompanyID,
			BranchID:     user.BranchID,
			IsSuperAdmin: user.IsSuperAdmin,
		}
		claims.Subject = user.ID.String()
		if roleName != "" {
			claims.Role = &authtoken.RoleClaim{Name: roleName, Authorizations: authorizations}
		}

		signed, expiry, err := s.verifier.Sign(claims)
		if err != nil {
			return err
		}

		issued, err := s.refresh.Issue(tx, tenantdomain.ActorRef{UserID: &user.ID}, nil)
		if err != nil {
			return err
		}

		result = Result{
			AccessToken:        signed,
			AccessTokenExpiry:  expiry,
			RefreshToken:       issued.Token,
			RefreshTokenFamily: issued.FamilyID,
			RefreshTokenExpiry: issued.ExpiresAt,
		}
		return nil
	})
	s.recordLoginAttempt(string(reqctx.ActorWeb), err)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// LoginMobile implements the mobile actor path. companyID disambiguates
// a username that is unique only within a company, not globally.
func (s *Service) LoginMobile(username, password string, companyID *uuid.UUID) (Result, error) {
	username = normalizeUsername(username)

	var result Result
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := rls.SwitchRole(tx); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if err := rls.SetSuperAdmin(tx, true); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if err := rls.SetCompanyID(tx, ""); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}

		query := tx.Where("username = ?", username)
		if companyID != nil {
			query = query.Where("company_id = ?", *companyID)
		}

		var matches []tenantdomain.MobileUser
		if err := query.Find(&matches).Error; err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if len(matches) == 0 {
			return apperrors.New(apperrors.Unauthenticated, "invalid username or password")
		}
		if len(matches) > 1 {
			return apperrors.New(apperrors.BadRequest, "companyId is required to disambiguate this username")
		}
		user := matches[0]

		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			return apperrors.New(apperrors.Unauthenticated, "invalid username or password")
		}
		if user.IsBlocked {
			return apperrors.New(apperrors.Unauthenticated, "this account has been blocked")
		}

		roleName, authorizations := loadRole(tx, user.RoleID)
		if len(authorizations) == 0 {
			authorizations = authtoken.NormalizeAuthorizations(user.Permissions)
		}
		claims := authtoken.Claims{
			Username:     user.Username,
			ActorType:    string(reqctx.ActorMobile),
			CompanyID:    &user.CompanyID,
			BranchID:     user.BranchID,
			DriverID:     user.DriverID,
			IsSuperAdmin: user.IsSuperAdmin,
		}
		claims.Subject = user.ID.String()
		if roleName != "" || len(authorizations) > 0 {
			claims.Role = &authtoken.RoleClaim{Name: roleName, Authorizations: authorizations}
		}

		signed, expiry, err := s.verifier.Sign(claims)
		if err != nil {
			return err
		}

		issued, err := s.refresh.Issue(tx, tenantdomain.ActorRef{MobileUserID: &user.ID}, nil)
		if err != nil {
			return err
		}

		result = Result{
			AccessToken:        signed,
			AccessTokenExpiry:  expiry,
			RefreshToken:       issued.Token,
			RefreshTokenFamily: issued.FamilyID,
			RefreshTokenExpiry: issued.ExpiresAt,
		}
		return nil
	})
	s.recordLoginAttempt(string(reqctx.ActorMobile), err)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (s *Service) recordLoginAttempt(actorType string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(apperrors.KindOf(err))
	}
	s.metrics.RecordLoginAttempt(context.Background(), actorType, outcome)
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// IssueAccessToken mints a fresh access token for the actor a refresh
// token rotation resolved to, reusing the same claim-building rules
// LoginWeb/LoginMobile apply at first login.
func (s *Service) IssueAccessToken(tx *gorm.DB, ref tenantdomain.ActorRef) (string, time.Time, error) {
	switch {
	case ref.UserID != nil:
		var user tenantdomain.WebUser
		if err := tx.Where("id = ?", *ref.UserID).First(&user).Error; err != nil {
			return "", time.Time{}, apperrors.Wrap(apperrors.Internal, err)
		}
		roleName, authorizations := loadRole(tx, user.RoleID)
		claims := authtoken.Claims{
			Username:     user.Username,
			ActorType:    string(reqctx.ActorWeb),
			CompanyID:    user.CompanyID,
			BranchID:     user.BranchID,
			IsSuperAdmin: user.IsSuperAdmin,
		}
		claims.Subject = user.ID.String()
		if roleName != "" {
			claims.Role = &authtoken.RoleClaim{Name: roleName, Authorizations: authorizations}
		}
		return s.verifier.Sign(claims)

	case ref.MobileUserID != nil:
		var user tenantdomain.MobileUser
		if err := tx.Where("id = ?", *ref.MobileUserID).First(&user).Error; err != nil {
			return "", time.Time{}, apperrors.Wrap(apperrors.Internal, err)
		}
		if user.IsBlocked {
			return "", time.Time{}, apperrors.New(apperrors.Unauthenticated, "this account has been blocked")
		}
		roleName, authorizations := loadRole(tx, user.RoleID)
		if len(authorizations) == 0 {
			authorizations = authtoken.NormalizeAuthorizations(user.Permissions)
		}
		claims := authtoken.Claims{
			Username:     user.Username,
			ActorType:    string(reqctx.ActorMobile),
			CompanyID:    &user.CompanyID,
			BranchID:     user.BranchID,
			DriverID:     user.DriverID,
			IsSuperAdmin: user.IsSuperAdmin,
		}
		claims.Subject = user.ID.String()
		if roleName != "" || len(authorizations) > 0 {
			claims.Role = &authtoken.RoleClaim{Name: roleName, Authorizations: authorizations}
		}
		return s.verifier.Sign(claims)

	default:
		return "", time.Time{}, apperrors.New(apperrors.Internal, "refresh token referenced no actor")
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
