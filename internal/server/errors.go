package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/authtoken"
)

type errorPayload struct {
	Error  string         `json:"error"`
	Code   string         `json:"code,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

var statusByKind = map[apperrors.Kind]int{
	apperrors.Unauthenticated:   http.StatusUnauthorized,
	apperrors.Forbidden:         http.StatusForbidden,
	apperrors.BadRequest:        http.StatusBadRequest,
	apperrors.NotFound:          http.StatusNotFound,
	apperrors.Conflict:          http.StatusConflict,
	apperrors.ResourceExhausted: http.StatusServiceUnavailable,
	apperrors.Internal:          http.StatusInternalServerError,
}

// ErrorHandlingMiddleware renders the last error gin collected as the
// spec's {error, code, fields} JSON body, dispatching on apperrors.Kind
// exactly as spec.md §7's table requires.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusUnauthorized {
			clearAuthCookies(c)
		}
		c.AbortWithStatusJSON(status, payload)
	}
}

// clearAuthCookies implements spec.md §7's rule that a 401 on the web
// channel clears both cookies -- a stale or replayed access/refresh pair
// is never left sitting in the browser for the client to retry blindly.
func clearAuthCookies(c *gin.Context) {
	c.SetCookie(authtoken.CookieName, "", -1, "/", "", false, true)
	c.SetCookie(refreshCookieName, "", -1, "/", "", false, true)
}

func mapError(err error) (int, errorPayload) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, errorPayload{Error: "internal server error"}
	}

	status, ok := statusByKind[appErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, errorPayload{
		Error:  appErr.Error(),
		Code:   appErr.Code,
		Fields: appErr.Fields,
	}
}
