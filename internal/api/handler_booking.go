package api

import (
	"net/http"
	"time"

	"robotlab/internal/booking"
	"robotlab/internal/validation"

	"github.com/gin-gonic/gin"
)

type BookingHandler struct {
	ledger *booking.Ledger
}

func NewBookingHandler(ledger *booking.Ledger) *BookingHandler {
	return &BookingHandler{ledger: ledger}
}

// CreateBooking POST /api/v1/bookings
// 指定 resource_id 或 resource_type，按类型预约时自动分配空闲资源
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	var req booking.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	b, err := h.ledger.Create(c.Request.Context(), currentPrincipal(c), req)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// ListBookings GET /api/v1/bookings
func (h *BookingHandler) ListBookings(c *gin.Context) {
	list, err := h.ledger.ListForUser(c.Request.Context(), currentPrincipal(c).UserID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, BookingListResponse{Bookings: nonNil(list)})
}

// ListAllBookings GET /api/v1/bookings/all
func (h *BookingHandler) ListAllBookings(c *gin.Context) {
	list, err := h.ledger.ListAll(c.Request.Context(), currentPrincipal(c))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, BookingListResponse{Bookings: nonNil(list)})
}

// GetBooking GET /api/v1/bookings/:id
func (h *BookingHandler) GetBooking(c *gin.Context) {
	b, err := h.ledger.Get(c.Request.Context(), currentPrincipal(c), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// CancelBooking DELETE /api/v1/bookings/:id
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	b, err := h.ledger.Cancel(c.Request.Context(), currentPrincipal(c), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Availability GET /api/v1/availability?resource_type=&start=&end=
func (h *BookingHandler) Availability(c *gin.Context) {
	var req AvailabilityRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		respondDomainError(c, validation.Field("start", "must be an RFC3339 timestamp"))
		return
	}
	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		respondDomainError(c, validation.Field("end", "must be an RFC3339 timestamp"))
		return
	}

	ok, err := h.ledger.Available(c.Request.Context(), booking.AvailabilityQuery{
		ResourceID:   req.ResourceID,
		ResourceType: req.ResourceType,
		StartTime:    start,
		EndTime:      end,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, AvailabilityResponse{Available: ok})
}

func nonNil(list []*booking.Booking) []*booking.Booking {
	if list == nil {
		return []*booking.Booking{}
	}
	return list
}
