package booking

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	// StatusCompleted 只在读取时推导，从不写入存储
	StatusCompleted Status = "completed"
)

// Window 半开区间 [Start, End)。所有时间比较都走这里，禁止比较格式化后的字符串。
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps 相邻区间（一个的 End 等于另一个的 Start）不算重叠
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) String() string {
	return w.Start.UTC().Format(time.RFC3339) + " - " + w.End.UTC().Format(time.RFC3339)
}

type Booking struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ResourceID   string     `json:"resource_id"`
	ResourceType string     `json:"resource_type"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      time.Time  `json:"end_time"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy  string     `json:"cancelled_by,omitempty"`
}

func (b *Booking) Window() Window {
	return Window{Start: b.StartTime, End: b.EndTime}
}

// Live 未取消的预约参与冲突检测和授权
func (b *Booking) Live() bool {
	return b.Status != StatusCancelled
}

// EffectiveStatus 取消优先于完成
func (b *Booking) EffectiveStatus(now time.Time) Status {
	if b.Status == StatusCancelled {
		return StatusCancelled
	}
	if b.EndTime.Before(now) {
		return StatusCompleted
	}
	return StatusActive
}

type CreateRequest struct {
	ResourceID   string    `json:"resource_id" validate:"required_without=ResourceType,max=64"`
	ResourceType string    `json:"resource_type" validate:"required_without=ResourceID,max=50"`
	StartTime    time.Time `json:"start_time" validate:"required"`
	EndTime      time.Time `json:"end_time" validate:"required"`
}

type AvailabilityQuery struct {
	ResourceID   string    `json:"resource_id" validate:"required_without=ResourceType,max=64"`
	ResourceType string    `json:"resource_type" validate:"required_without=ResourceID,max=50"`
	StartTime    time.Time `json:"start_time" validate:"required"`
	EndTime      time.Time `json:"end_time" validate:"required"`
}

// Authorization 是 Authorize 的结果。Windows 仅在未授权时填充，
// 列出调用方在该资源上实际持有的时段。
type Authorization struct {
	Allowed bool
	Bypass  bool
	Booking *Booking
	Windows []Window
}

type Config struct {
	MaxDuration time.Duration
	Grace       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxDuration: 4 * time.Hour,
		Grace:       5 * time.Minute,
	}
}
