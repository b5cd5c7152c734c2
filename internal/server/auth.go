package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/config"
	"github.com/smallbiznis/tenantroute/internal/credauth"
	"github.com/smallbiznis/tenantroute/internal/invite"
	"github.com/smallbiznis/tenantroute/internal/ratelimit"
	"github.com/smallbiznis/tenantroute/internal/refreshtoken"
	"gorm.io/gorm"
)

const refreshCookieName = "refresh_token"

// AuthHandlers implements the login/refresh/logout/register routes, none
// of which run under C5's TenantTransaction -- the actor's tenant scope
// isn't known yet when any of these fire.
type AuthHandlers struct {
	cfg     config.Config
	db      *gorm.DB
	cred    *credauth.Service
	refresh *refreshtoken.Service
	invite  *invite.Service
	limiter *ratelimit.Limiter
}

func NewAuthHandlers(cfg config.Config, db *gorm.DB, cred *credauth.Service, refresh *refreshtoken.Service, inviteSvc *invite.Service, limiter *ratelimit.Limiter) *AuthHandlers {
	return &AuthHandlers{cfg: cfg, db: db, cred: cred, refresh: refresh, invite: inviteSvc, limiter: limiter}
}

type loginRequest struct {
	Username  string     `json:"username" binding:"required"`
	Password  string     `json:"password" binding:"required"`
	CompanyID *uuid.UUID `json:"companyId,omitempty"`
}

// LoginWeb handles the web-actor credential login path.
func (h *AuthHandlers) LoginWeb(c *gin.Context) {
	h.login(c, func(req loginRequest) (credauth.Result, error) {
		return h.cred.LoginWeb(req.Username, req.Password)
	})
}

// LoginMobile handles the mobile-actor credential login path.
func (h *AuthHandlers) LoginMobile(c *gin.Context) {
	h.login(c, func(req loginRequest) (credauth.Result, error) {
		return h.cred.LoginMobile(req.Username, req.Password, req.CompanyID)
	})
}

func (h *AuthHandlers) login(c *gin.Context, do func(loginRequest) (credauth.Result, error)) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Wrap(apperrors.BadRequest, err))
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(c.Request.Context(), req.Username, c.ClientIP())
		if err == nil && !allowed {
			_ = c.Error(apperrors.New(apperrors.ResourceExhausted, "too many login attempts, try again later"))
			return
		}
	}

	result, err := do(req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.setRefreshCookie(c, result.RefreshToken, result.RefreshTokenExpiry)
	c.JSON(http.StatusOK, gin.H{
		"accessToken":       result.AccessToken,
		"accessTokenExpiry": result.AccessTokenExpiry,
	})
}

// Refresh rotates the refresh token presented in the cookie and mints a
// new access token for the same actor. Runs its own transaction rather
// than relying on C5's TenantTransaction, since the presented access
// token may already be expired and the actor's scope is re-derived from
// the refresh token row, not a request context.
func (h *AuthHandlers) Refresh(c *gin.Context) {
	raw, err := c.Cookie(refreshCookieName)
	if err != nil || raw == "" {
		_ = c.Error(apperrors.New(apperrors.Unauthenticated, "missing refresh token"))
		return
	}

	var accessToken string
	var accessExpiry time.Time
	txErr := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		issued, actor, err := h.refresh.Rotate(tx, raw)
		if err != nil {
			return err
		}

		signed, expiry, err := h.cred.IssueAccessToken(tx, actor)
		if err != nil {
			return err
		}

		accessToken = signed
		accessExpiry = expiry
		h.setRefreshCookie(c, issued.Token, issued.ExpiresAt)
		return nil
	})
	if txErr != nil {
		_ = c.Error(txErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accessToken":       accessToken,
		"accessTokenExpiry": accessExpiry,
	})
}

func (h *AuthHandlers) setRefreshCookie(c *gin.Context, token string, expiresAt time.Time) {
	sameSite := http.SameSiteLaxMode
	switch h.cfg.CookieSameSite {
	case "strict":
		sameSite = http.SameSiteStrictMode
	case "none":
		sameSite = http.SameSiteNoneMode
	}
	c.SetSameSite(sameSite)
	maxAge := int(time.Until(expiresAt).Seconds())
	c.SetCookie(refreshCookieName, token, maxAge, "/", h.cfg.CookieDomain, h.cfg.CookieSecure, true)
}

type registerRequest struct {
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
	InviteCode string `json:"inviteCode" binding:"required"`
}

// Register redeems an invite code into a new mobile user, then runs the
// same credential login the new user would use on their next visit so the
// client walks away with a usable session in one round trip.
func (h *AuthHandlers) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Wrap(apperrors.BadRequest, err))
		return
	}

	if _, err := h.invite.Register(req.Username, req.Password, req.InviteCode); err != nil {
		_ = c.Error(err)
		return
	}

	result, err := h.cred.LoginMobile(req.Username, req.Password, nil)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.setRefreshCookie(c, result.RefreshToken, result.RefreshTokenExpiry)
	c.JSON(http.StatusCreated, gin.H{
		"accessToken":       result.AccessToken,
		"accessTokenExpiry": result.AccessTokenExpiry,
	})
}

// Logout best-effort revokes the presented refresh token and clears the
// cookie. Always succeeds from the client's point of view.
func (h *AuthHandlers) Logout(c *gin.Context) {
	raw, err := c.Cookie(refreshCookieName)
	if err == nil && raw != "" {
		_ = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
			return h.refresh.Revoke(tx, raw)
		})
	}
	c.SetCookie(refreshCookieName, "", -1, "/", h.cfg.CookieDomain, h.cfg.CookieSecure, true)
	c.Status(http.StatusNoContent)
}
