package authtoken

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret", time.Hour)
	companyID := uuid.New()
	claims := Claims{
		Username:  "alice",
		ActorType: "web",
		CompanyID: &companyID,
		Role:      &RoleClaim{Name: "companyAdmin", Authorizations: []string{"mission.create"}},
	}
	claims.Subject = uuid.New().String()

	signed, expiry, err := v.Sign(claims)
	require.NoError(t, err)
	assert.NotEmpty(t, signed)
	assert.True(t, expiry.After(time.Now()))

	decoded, err := v.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, claims.Username, decoded.Username)
	assert.Equal(t, claims.Subject, decoded.Subject)
	assert.Equal(t, *claims.CompanyID, *decoded.CompanyID)
	assert.Equal(t, []string{"mission.create"}, decoded.Authorizations())
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := NewVerifier("secret-a", time.Hour)
	claims := Claims{Username: "alice", ActorType: "web"}
	claims.Subject = uuid.New().String()

	signed, _, err := signer.Sign(claims)
	require.NoError(t, err)

	verifier := NewVerifier("secret-b", time.Hour)
	_, err = verifier.Verify(signed)
	require.Error(t, err)
	assert.Equal(t, apperrors.Unauthenticated, apperrors.KindOf(err))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("test-secret", -time.Minute)
	claims := Claims{Username: "alice", ActorType: "web"}
	claims.Subject = uuid.New().String()

	signed, _, err := v.Sign(claims)
	require.NoError(t, err)

	_, err = v.Verify(signed)
	require.Error(t, err)
	assert.Equal(t, apperrors.Unauthenticated, apperrors.KindOf(err))
}

func TestExtractPrefersCookieOverHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "from-cookie"})
	req.Header.Set("Authorization", "Bearer from-header")
	c.Request = req

	raw, ok := Extract(c)
	assert.True(t, ok)
	assert.Equal(t, "from-cookie", raw)
}

func TestExtractFallsBackToBearerHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	c.Request = req

	raw, ok := Extract(c)
	assert.True(t, ok)
	assert.Equal(t, "from-header", raw)
}

func TestExtractAbsentReturnsFalse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok := Extract(c)
	assert.False(t, ok)
}

func TestNormalizeAuthorizationsSplitsLegacyCommaJoined(t *testing.T) {
	got := NormalizeAuthorizations([]string{"mission.read, mission.create", "", "  vehicle.read  "})
	assert.Equal(t, []string{"mission.read", "mission.create", "vehicle.read"}, got)
}
