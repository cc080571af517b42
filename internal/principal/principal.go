package principal

import (
	"context"
	"errors"
	"fmt"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

var (
	ErrInvalidRole   = errors.New("invalid role")
	ErrAdminRequired = errors.New("admin role required")
)

// Principal 是认证后的调用方身份，角色在认证时确定一次
type Principal struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

func New(userID string, role Role) Principal {
	return Principal{UserID: userID, Role: role}
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

func (p Principal) RequireAdmin() error {
	if !p.IsAdmin() {
		return ErrAdminRequired
	}
	return nil
}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAdmin:
		return Role(s), nil
	case "":
		return RoleUser, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

type ctxKey struct{}

func WithContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
