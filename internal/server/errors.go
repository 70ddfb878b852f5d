package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	authdomain "github.com/smallbiznis/summarly/internal/auth/domain"
	gatedomain "github.com/smallbiznis/summarly/internal/gatekeeper/domain"
	ledgerdomain "github.com/smallbiznis/summarly/internal/ledger/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

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
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authdomain.ErrTokenInvalid),
		errors.Is(err, authdomain.ErrTokenExpired),
		errors.Is(err, authdomain.ErrTokenSuperseded),
		errors.Is(err, authdomain.ErrOAuthExchangeFailed),
		errors.Is(err, gatedomain.ErrInvalidSignature),
		errors.Is(err, gatedomain.ErrStaleRequest):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ledgerdomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "monthly quota exceeded",
		}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, accountdomain.ErrInvalidIdentity),
		errors.Is(err, ledgerdomain.ErrInvalidMonth),
		errors.Is(err, gatedomain.ErrPayloadMismatch):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
