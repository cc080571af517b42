package gate

import (
	"errors"
	"fmt"
	"strings"

	"robotlab/internal/booking"
)

var (
	ErrUnknownAction = errors.New("unknown access action")
	ErrInvalidTarget = errors.New("either resource_id or resource_type is required")
)

// Denial 拒绝访问的原因。Windows 只在 NoActiveBooking 时填充，
// Cause 保留下层错误，调用方可以继续 errors.Is/As。
type Denial struct {
	Reason  Reason
	Message string
	Windows []booking.Window
	Cause   error
}

func (d *Denial) Error() string {
	var b strings.Builder
	b.WriteString("access denied: ")
	b.WriteString(string(d.Reason))
	if d.Message != "" {
		b.WriteString(": ")
		b.WriteString(d.Message)
	}
	if len(d.Windows) > 0 {
		fmt.Fprintf(&b, " (your windows: %s", d.Windows[0])
		for _, w := range d.Windows[1:] {
			b.WriteString(", ")
			b.WriteString(w.String())
		}
		b.WriteString(")")
	}
	if d.Cause != nil {
		fmt.Fprintf(&b, ": %v", d.Cause)
	}
	return b.String()
}

func (d *Denial) Unwrap() error {
	return d.Cause
}

// IsDenied 判断 err 是否为指定原因的拒绝
func IsDenied(err error, reason Reason) bool {
	var d *Denial
	return errors.As(err, &d) && d.Reason == reason
}
