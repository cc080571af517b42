package gate

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"robotlab/internal/booking"
	"robotlab/internal/clock"
	"robotlab/internal/monitor"
	"robotlab/internal/principal"
	"robotlab/internal/registry"
	"robotlab/internal/session"
)

// Gate 每次访问都重新判断：资源可用 -> 当前时刻有预约 -> 工作区就绪。
// 预约到期不会杀掉容器，只是之后的访问被拒绝，容器交给空闲回收。
type Gate struct {
	resources Resources
	ledger    Ledger
	sessions  Sessions
	clock     clock.Clock
	config    Config
	logger    *slog.Logger
}

func New(resources Resources, ledger Ledger, sessions Sessions, clk clock.Clock, cfg Config, logger *slog.Logger) *Gate {
	def := DefaultConfig()
	if cfg.WorkspaceHost == "" {
		cfg.WorkspaceHost = def.WorkspaceHost
	}
	if cfg.WorkspaceScheme == "" {
		cfg.WorkspaceScheme = def.WorkspaceScheme
	}
	return &Gate{
		resources: resources,
		ledger:    ledger,
		sessions:  sessions,
		clock:     clk,
		config:    cfg,
		logger:    logger.With("component", "access-gate"),
	}
}

// AuthorizeAndOpen 的 action 不区分大小写
func (g *Gate) AuthorizeAndOpen(ctx context.Context, p principal.Principal, target Target, action Action) (*Grant, error) {
	if parsed, err := ParseAction(string(action)); err == nil {
		action = parsed
	}
	grant, err := g.open(ctx, p, target, action)
	g.record(p, target, action, grant, err)
	return grant, err
}

func (g *Gate) open(ctx context.Context, p principal.Principal, target Target, action Action) (*Grant, error) {
	action, err := ParseAction(string(action))
	if err != nil {
		return nil, err
	}

	candidates, err := g.candidates(ctx, target)
	if err != nil {
		return nil, err
	}

	res, auth, err := g.authorize(ctx, p, candidates)
	if err != nil {
		return nil, err
	}

	grant := &Grant{
		Action:   action,
		Resource: res,
		Booking:  auth.Booking,
		Bypass:   auth.Bypass,
	}

	switch action {
	case ActionIDE, ActionExecute:
		sess, err := g.ensure(ctx, p, g.sessions.EnsureRunning)
		if err != nil {
			return nil, err
		}
		grant.Session = sess
		grant.Port = sess.Port
		if action == ActionIDE {
			grant.Endpoint = g.config.workspaceURL(sess.Port)
		} else {
			grant.Endpoint = res.ExecutionEndpoint
		}
	case ActionVideo:
		if res.StreamEndpoint == "" {
			return nil, &Denial{Reason: ReasonResourceUnavailable, Message: "resource has no stream endpoint"}
		}
		grant.Endpoint = res.StreamEndpoint
	case ActionControl:
		grant.Endpoint = res.ExecutionEndpoint
	}

	g.sessions.Touch(p.UserID)
	return grant, nil
}

// candidates 按 ID 解析单个资源，或列出该类型所有 active 资源
func (g *Gate) candidates(ctx context.Context, target Target) ([]*registry.Resource, error) {
	switch {
	case target.ResourceID != "":
		res, err := g.resources.Resolve(ctx, target.ResourceID)
		if err != nil {
			if errors.Is(err, registry.ErrResourceUnavailable) || errors.Is(err, registry.ErrResourceNotFound) {
				return nil, &Denial{Reason: ReasonResourceUnavailable, Cause: err}
			}
			return nil, err
		}
		return []*registry.Resource{res}, nil
	case target.ResourceType != "":
		list, err := g.resources.ListActiveByType(ctx, target.ResourceType)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, &Denial{
				Reason:  ReasonResourceUnavailable,
				Message: "no active resource of type " + target.ResourceType,
				Cause:   registry.ErrResourceUnavailable,
			}
		}
		return list, nil
	default:
		return nil, ErrInvalidTarget
	}
}

// authorize 返回第一个当前时刻有预约覆盖的候选资源。
// 都没有时返回 NoActiveBooking，并附上用户在这些资源上的时段。
func (g *Gate) authorize(ctx context.Context, p principal.Principal, candidates []*registry.Resource) (*registry.Resource, *booking.Authorization, error) {
	now := g.clock.Now()
	var windows []booking.Window

	for _, res := range candidates {
		auth, err := g.ledger.Authorize(ctx, p, res.ID, now)
		if err != nil {
			return nil, nil, err
		}
		if auth.Allowed {
			return res, auth, nil
		}
		windows = append(windows, auth.Windows...)
	}

	sort.Slice(windows, func(i, j int) bool { return windows[i].Start.Before(windows[j].Start) })
	return nil, nil, &Denial{Reason: ReasonNoActiveBooking, Windows: windows}
}

// EnsureWorkspace 用户需在当前时刻持有任一资源的预约，管理员除外
func (g *Gate) EnsureWorkspace(ctx context.Context, p principal.Principal) (*session.Session, error) {
	sess, err := g.workspace(ctx, p, g.sessions.EnsureRunning)
	g.recordWorkspace("ensure", err)
	return sess, err
}

// RestartWorkspace 与 EnsureWorkspace 相同的预约要求
func (g *Gate) RestartWorkspace(ctx context.Context, p principal.Principal) (*session.Session, error) {
	sess, err := g.workspace(ctx, p, g.sessions.Restart)
	g.recordWorkspace("restart", err)
	return sess, err
}

func (g *Gate) workspace(ctx context.Context, p principal.Principal, op func(context.Context, string) (*session.Session, error)) (*session.Session, error) {
	now := g.clock.Now()
	auth, err := g.ledger.Authorize(ctx, p, "", now)
	if err != nil {
		return nil, err
	}
	if !auth.Allowed {
		return nil, &Denial{Reason: ReasonNoActiveBooking, Windows: auth.Windows}
	}
	if !auth.Bypass {
		if err := g.requireUsableBooking(ctx, p, now); err != nil {
			return nil, err
		}
	}
	return g.ensure(ctx, p, op)
}

// requireUsableBooking 要求至少一个覆盖 now 的预约所在资源仍可用。
// 资源被停用或删除后，该预约无法兑现。
func (g *Gate) requireUsableBooking(ctx context.Context, p principal.Principal, now time.Time) error {
	list, err := g.ledger.ListForUser(ctx, p.UserID)
	if err != nil {
		return err
	}

	var unusable error
	for _, b := range list {
		if !b.Live() || !b.Window().Contains(now) {
			continue
		}
		_, err := g.resources.Resolve(ctx, b.ResourceID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, registry.ErrResourceUnavailable) && !errors.Is(err, registry.ErrResourceNotFound) {
			return err
		}
		unusable = err
	}
	if unusable == nil {
		unusable = registry.ErrResourceUnavailable
	}
	return &Denial{
		Reason:  ReasonResourceUnavailable,
		Message: "booked resource is no longer available",
		Cause:   unusable,
	}
}

// ensure 把 supervisor 的错误映射为拒绝原因，原始错误保留在 Cause
func (g *Gate) ensure(ctx context.Context, p principal.Principal, op func(context.Context, string) (*session.Session, error)) (*session.Session, error) {
	sess, err := op(ctx, p.UserID)
	if err == nil {
		return sess, nil
	}

	var startErr *session.StartError
	switch {
	case errors.Is(err, session.ErrCapacityExhausted):
		return nil, &Denial{Reason: ReasonCapacityExhausted, Cause: err}
	case errors.As(err, &startErr), errors.Is(err, session.ErrStopFailed):
		return nil, &Denial{Reason: ReasonSessionStartFailed, Cause: err}
	default:
		return nil, err
	}
}

func (g *Gate) record(p principal.Principal, target Target, action Action, grant *Grant, err error) {
	outcome := outcomeOf(err)
	monitor.GateDecisions.WithLabelValues(string(action), outcome).Inc()

	if err != nil {
		g.logger.Info("Access denied",
			"user_id", p.UserID,
			"target", target.String(),
			"action", action,
			"outcome", outcome,
			"error", err,
		)
		return
	}

	if grant.Bypass {
		g.logger.Info("Access granted",
			"actor", p.UserID,
			"resource_id", grant.Resource.ID,
			"action", action,
			"admin_override", true,
		)
		return
	}
	g.logger.Debug("Access granted",
		"user_id", p.UserID,
		"resource_id", grant.Resource.ID,
		"action", action,
	)
}

func (g *Gate) recordWorkspace(op string, err error) {
	monitor.GateDecisions.WithLabelValues("workspace_"+op, outcomeOf(err)).Inc()
}

func outcomeOf(err error) string {
	if err == nil {
		return "granted"
	}
	var d *Denial
	if errors.As(err, &d) {
		return string(d.Reason)
	}
	return "error"
}
