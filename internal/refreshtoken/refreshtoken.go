// Package refreshtoken is the refresh-token service (C7): issues, rotates
// and revokes the opaque refresh tokens exchanged alongside access
// tokens, with family-grouped reuse detection.
package refreshtoken

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/clock"
	obsmetrics "github.com/smallbiznis/tenantroute/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/tenantroute/internal/tenant/domain"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Issued is the opaque token handed to the client plus its metadata.
type Issued struct {
	Token     string
	FamilyID  uuid.UUID
	ExpiresAt time.Time
}

// Service implements issue/rotate/revoke against tx -- the caller's
// request transaction, never a pool-level handle, since its callers (login
// and refresh) each run it inside a dedicated transaction.
type Service struct {
	clock    clock.Clock
	lifetime time.Duration
	metrics  *obsmetrics.Metrics
}

func New(c clock.Clock, lifetime time.Duration) *Service {
	return &Service{clock: c, lifetime: lifetime}
}

// WithMetrics attaches the domain metrics instruments, returning s for
// chaining at construction time. A Service with no metrics attached
// records nothing -- every Record* call is nil-safe.
func (s *Service) WithMetrics(m *obsmetrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Issue creates a new refresh-token row for userRef, grouped under
// familyID if given or a fresh one otherwise.
func (s *Service) Issue(tx *gorm.DB, userRef tenantdomain.ActorRef, familyID *uuid.UUID) (Issued, error) {
	secret, secretHex, err := newSecret()
	if err != nil {
		return Issued{}, apperrors.Wrap(apperrors.Internal, err)
	}
	hash, err := bcrypt.GenerateFromPassword(secret, bcrypt.DefaultCost)
	if err != nil {
		return Issued{}, apperrors.Wrap(apperrors.Internal, err)
	}

	family := uuid.New()
	if familyID != nil {
		family = *familyID
	}

	now := s.clock.Now()
	row := tenantdomain.RefreshToken{
		ID:           uuid.New(),
		FamilyID:     family,
		TokenHash:    string(hash),
		ExpiresAt:    now.Add(s.lifetime),
		IsRevoked:    false,
		UserID:       userRef.UserID,
		MobileUserID: userRef.MobileUserID,
	}
	if err := tx.Create(&row).Error; err != nil {
		return Issued{}, apperrors.Wrap(apperrors.Internal, err)
	}

	return Issued{
		Token:     row.ID.String() + "." + secretHex,
		FamilyID:  family,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// Rotate implements C7's reuse-detection rule. A revoked row presented
// again is defined as reuse: the whole family is revoked before the
// caller is told UNAUTHENTICATED.
func (s *Service) Rotate(tx *gorm.DB, token string) (Issued, tenantdomain.ActorRef, error) {
	id, secret, err := parseToken(token)
	if err != nil {
		return Issued{}, tenantdomain.ActorRef{}, apperrors.New(apperrors.Unauthenticated, "malformed refresh token")
	}

	var row tenantdomain.RefreshToken
	err = tx.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Issued{}, tenantdomain.ActorRef{}, apperrors.New(apperrors.Unauthenticated, "refresh token not found")
	}
	if err != nil {
		return Issued{}, tenantdomain.ActorRef{}, apperrors.Wrap(apperrors.Internal, err)
	}

	if row.IsRevoked {
		if err := s.revokeFamilyTx(tx, row.FamilyID); err != nil {
			return Issued{}, tenantdomain.ActorRef{}, apperrors.Wrap(apperrors.Internal, err)
		}
		s.recordReuseDetected(row)
		return Issued{}, tenantdomain.ActorRef{}, apperrors.New(apperrors.Unauthenticated, "refresh token reuse detected")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.TokenHash), secret); err != nil {
		return Issued{}, tenantdomain.ActorRef{}, apperrors.New(apperrors.Unauthenticated, "refresh token mismatch")
	}

	if row.ExpiresAt.Before(s.clock.Now()) {
		return Issued{}, tenantdomain.ActorRef{}, apperrors.New(apperrors.Unauthenticated, "refresh token expired")
	}

	if err := tx.Model(&row).Update("is_revoked", true).Error; err != nil {
		return Issued{}, tenantdomain.ActorRef{}, apperrors.Wrap(apperrors.Internal, err)
	}

	ref := tenantdomain.ActorRef{
		UserID:       row.UserID,
		MobileUserID: row.MobileUserID,
	}
	family := row.FamilyID
	issued, err := s.Issue(tx, ref, &family)
	if err != nil {
		return Issued{}, tenantdomain.ActorRef{}, err
	}
	s.recordRotation(ref)
	return issued, ref, nil
}

func (s *Service) recordRotation(ref tenantdomain.ActorRef) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordRefreshRotation(context.Background(), actorTypeOf(ref))
}

func (s *Service) recordReuseDetected(row tenantdomain.RefreshToken) {
	if s.metrics == nil {
		return
	}
	ref := tenantdomain.ActorRef{UserID: row.UserID, MobileUserID: row.MobileUserID}
	s.metrics.RecordRefreshReuseDetected(context.Background(), actorTypeOf(ref))
}

func actorTypeOf(ref tenantdomain.ActorRef) string {
	if ref.UserID != nil {
		return "web"
	}
	return "mobile"
}

// Revoke marks the referenced row revoked. Best-effort and idempotent --
// a missing or already-revoked row is not an error.
func (s *Service) Revoke(tx *gorm.DB, token string) error {
	id, _, err := parseToken(token)
	if err != nil {
		return nil
	}
	return tx.Model(&tenantdomain.RefreshToken{}).
		Where("id = ?", id).
		Update("is_revoked", true).Error
}

// RevokeFamily marks every row sharing familyID revoked.
func (s *Service) RevokeFamily(tx *gorm.DB, familyID uuid.UUID) error {
	return s.revokeFamilyTx(tx, familyID)
}

func (s *Service) revokeFamilyTx(tx *gorm.DB, familyID uuid.UUID) error {
	return tx.Model(&tenantdomain.RefreshToken{}).
		Where("family_id = ?", familyID).
		Update("is_revoked", true).Error
}

func newSecret() ([]byte, string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", err
	}
	return buf, hex.EncodeToString(buf), nil
}

func parseToken(token string) (uuid.UUID, []byte, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return uuid.Nil, nil, errors.New("malformed refresh token")
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, nil, err
	}
	secret, err := hex.DecodeString(parts[1])
	if err != nil {
		return uuid.Nil, nil, err
	}
	return id, secret, nil
}
