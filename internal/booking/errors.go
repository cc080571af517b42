package booking

import (
	"errors"
	"fmt"
)

var (
	ErrBookingNotFound  = errors.New("booking not found")
	ErrNotOwner         = errors.New("only the owner or an admin may modify this booking")
	ErrBookingCompleted = errors.New("booking already completed")
)

// OverlapError 新预约与已有预约冲突，调用方换个时段即可
type OverlapError struct {
	ResourceID string
	BookingID  string
	Conflict   Window
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("booking time overlaps with existing booking on resource %s (%s)", e.ResourceID, e.Conflict)
}
