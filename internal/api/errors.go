package api

import (
	"errors"
	"net/http"

	"robotlab/internal/booking"
	"robotlab/internal/gate"
	"robotlab/internal/principal"
	"robotlab/internal/registry"
	"robotlab/internal/session"
	"robotlab/internal/validation"

	"github.com/gin-gonic/gin"
)

var ErrInvalidRequest = errors.New("invalid request")

const (
	reasonInvalidRequest   = "invalid_request"
	reasonValidation       = "validation_failed"
	reasonBookingOverlap   = "booking_overlap"
	reasonBookingCompleted = "booking_completed"
	reasonForbidden        = "forbidden"
	reasonNotFound         = "not_found"
	reasonInternal         = "internal"
)

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Reason:  reasonInvalidRequest,
		Details: details,
	})
}

func abortWithError(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func abortWithErrorDetails(c *gin.Context, code int, err error, details string) {
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}

// respondDomainError 按错误类型映射状态码，并带上机器可读的 reason
func respondDomainError(c *gin.Context, err error) {
	resp := mapDomainError(err)
	if resp.Code >= http.StatusInternalServerError {
		c.Error(err)
	}
	c.JSON(resp.Code, resp)
}

func mapDomainError(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}

	var (
		denial    *gate.Denial
		overlap   *booking.OverlapError
		fieldErrs validation.Errors
		startErr  *session.StartError
	)
	switch {
	case errors.As(err, &denial):
		resp.Reason = string(denial.Reason)
		resp.Windows = denial.Windows
		if denial.Reason == gate.ReasonNoActiveBooking {
			resp.Code = http.StatusForbidden
		} else {
			resp.Code = http.StatusServiceUnavailable
		}
	case errors.As(err, &overlap):
		resp.Code = http.StatusConflict
		resp.Reason = reasonBookingOverlap
		resp.Windows = []booking.Window{overlap.Conflict}
	case errors.Is(err, booking.ErrBookingCompleted):
		resp.Code = http.StatusConflict
		resp.Reason = reasonBookingCompleted
	case errors.As(err, &fieldErrs):
		resp.Code = http.StatusUnprocessableEntity
		resp.Reason = reasonValidation
		resp.Fields = fieldErrs
	case errors.Is(err, booking.ErrNotOwner), errors.Is(err, principal.ErrAdminRequired):
		resp.Code = http.StatusForbidden
		resp.Reason = reasonForbidden
	case errors.Is(err, booking.ErrBookingNotFound), errors.Is(err, registry.ErrResourceNotFound):
		resp.Code = http.StatusNotFound
		resp.Reason = reasonNotFound
	case errors.Is(err, registry.ErrResourceUnavailable):
		resp.Code = http.StatusServiceUnavailable
		resp.Reason = string(gate.ReasonResourceUnavailable)
	case errors.Is(err, session.ErrCapacityExhausted):
		resp.Code = http.StatusServiceUnavailable
		resp.Reason = string(gate.ReasonCapacityExhausted)
	case errors.As(err, &startErr), errors.Is(err, session.ErrStopFailed):
		resp.Code = http.StatusServiceUnavailable
		resp.Reason = string(gate.ReasonSessionStartFailed)
	case errors.Is(err, gate.ErrInvalidTarget), errors.Is(err, gate.ErrUnknownAction):
		resp.Code = http.StatusBadRequest
		resp.Reason = reasonInvalidRequest
	default:
		resp.Code = http.StatusInternalServerError
		resp.Reason = reasonInternal
	}
	return resp
}
