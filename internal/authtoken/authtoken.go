// Package authtoken is the token extractor & verifier (C4): pulls a signed
// access token out of the access_token cookie or the Authorization header,
// verifies its HMAC signature and expiry, and decodes the fixed claim set.
// It never touches the database -- the pipeline (C5) re-verifies every
// claim against the authoritative store on every request.
package authtoken

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
)

const CookieName = "access_token"

// RoleClaim is the embedded role summary carried in the access token.
type RoleClaim struct {
	Name           string   `json:"name"`
	Authorizations []string `json:"authorizations"`
}

// Claims is exactly the fixed claim set spec.md §4.4 requires.
type Claims struct {
	jwt.RegisteredClaims
	Username     string     `json:"username"`
	ActorType    string     `json:"actorType"`
	CompanyID    *uuid.UUID `json:"companyId,omitempty"`
	BranchID     *uuid.UUID `json:"branchId,omitempty"`
	DriverID     *uuid.UUID `json:"driverId,omitempty"`
	Role         *RoleClaim `json:"role,omitempty"`
	IsSuperAdmin bool       `json:"isSuperAdmin"`
}

// UserID returns the subject claim parsed as a uuid.
func (c Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// Authorizations returns Role.Authorizations as held (Verify normalizes
// them on decode) -- treated as empty when Role is nil.
func (c Claims) Authorizations() []string {
	if c.Role == nil {
		return nil
	}
	return c.Role.Authorizations
}

// Verifier signs and verifies access tokens with a single HMAC secret.
type Verifier struct {
	secret   []byte
	lifetime time.Duration
}

func NewVerifier(secret string, lifetime time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), lifetime: lifetime}
}

// Sign mints a new HS256 access token with exp = now + lifetime.
func (v *Verifier) Sign(claims Claims) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(v.lifetime)
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(exp)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, apperrors.Wrap(apperrors.Internal, err)
	}
	return signed, exp, nil
}

// Extract pulls the raw token string from the request by precedence:
// (1) cookie access_token; (2) Authorization: Bearer <t>.
func Extract(c *gin.Context) (string, bool) {
	if raw, err := c.Cookie(CookieName); err == nil && strings.TrimSpace(raw) != "" {
		return raw, true
	}
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		if raw != "" {
			return raw, true
		}
	}
	return "", false
}

// Verify parses and validates raw, returning the decoded, normalized
// claims. Fails with UNAUTHENTICATED on any signature, expiry or shape
// problem -- never a database call.
func (v *Verifier) Verify(raw string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.New(apperrors.Unauthenticated, "unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil || !token.Valid {
		return Claims{}, apperrors.New(apperrors.Unauthenticated, "invalid or expired access token")
	}

	claims.Role = normalizeRole(claims.Role)
	return claims, nil
}

// normalizeRole normalizes Authorizations into a canonical trimmed,
// non-empty, order-preserving sequence, splitting any element that holds a
// comma-joined list. The claim must be a JSON array of strings: a token
// whose authorizations claim is a single JSON string fails to decode and
// Verify rejects it.
func normalizeRole(role *RoleClaim) *RoleClaim {
	if role == nil {
		return nil
	}
	role.Authorizations = NormalizeAuthorizations(role.Authorizations)
	return role
}

// NormalizeAuthorizations trims, drops empties, and preserves order. It
// also accepts a single comma-joined entry (the legacy on-the-wire shape)
// by splitting any element that contains a comma.
func NormalizeAuthorizations(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
