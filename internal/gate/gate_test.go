package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"robotlab/internal/booking"
	"robotlab/internal/clock"
	"robotlab/internal/principal"
	"robotlab/internal/registry"
	"robotlab/internal/sandbox"
	"robotlab/internal/session"

	"github.com/stretchr/testify/require"
)

var (
	day   = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	admin = principal.New("1", principal.RoleAdmin)
	alice = principal.New("7", principal.RoleUser)
	bob   = principal.New("8", principal.RoleUser)
)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type stubRuntime struct {
	mu       sync.Mutex
	starts   int
	live     map[string]bool
	startErr error
}

func (r *stubRuntime) Start(ctx context.Context, spec sandbox.StartSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.startErr != nil {
		return "", r.startErr
	}
	ref := fmt.Sprintf("ctr-%s-%d", spec.UserID, r.starts)
	r.live[ref] = true
	return ref, nil
}

func (r *stubRuntime) Stop(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live[ref] {
		return sandbox.ErrContainerNotFound
	}
	delete(r.live, ref)
	return nil
}

func (r *stubRuntime) IsReady(ctx context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live[ref] {
		return false, sandbox.ErrContainerNotFound
	}
	return true, nil
}

func (r *stubRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

type gateFixture struct {
	gate       *Gate
	ledger     *booking.Ledger
	registry   *registry.Registry
	supervisor *session.Supervisor
	runtime    *stubRuntime
	clock      *clock.FakeClock
	turtlebot  *registry.Resource
	camera     *registry.Resource
}

func newGateFixture(t *testing.T, sessionCfg func(cfg *session.Config)) *gateFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Fake(at(8, 0))

	reg := registry.New(registry.NewMemoryStore(), clk, logger)
	tb, err := reg.Create(ctx, admin, registry.CreateParams{
		Name:              "tb-1",
		Type:              "turtlebot",
		ExecutionEndpoint: "http://tb-1:8000",
		StreamEndpoint:    "http://tb-1:8889/cam",
	})
	require.NoError(t, err)
	clk.Advance(time.Second)
	cam, err := reg.Create(ctx, admin, registry.CreateParams{
		Name:              "arm-1",
		Type:              "arm",
		ExecutionEndpoint: "http://arm-1:8000",
	})
	require.NoError(t, err)

	cfg := session.DefaultConfig()
	cfg.Image = "workspace:test"
	cfg.ProbeAttempts = 2
	if sessionCfg != nil {
		sessionCfg(&cfg)
	}
	rt := &stubRuntime{live: make(map[string]bool)}
	sup, err := session.NewSupervisor(rt, nil, nil, clk, cfg, logger)
	require.NoError(t, err)

	ledger := booking.NewLedger(booking.NewMemoryStore(), reg, clk, booking.DefaultConfig(), logger)

	return &gateFixture{
		gate:       New(reg, ledger, sup, clk, Config{WorkspaceHost: "lab.test"}, logger),
		ledger:     ledger,
		registry:   reg,
		supervisor: sup,
		runtime:    rt,
		clock:      clk,
		turtlebot:  tb,
		camera:     cam,
	}
}

func (f *gateFixture) book(t *testing.T, p principal.Principal, resourceID string, start, end time.Time) *booking.Booking {
	t.Helper()
	b, err := f.ledger.Create(context.Background(), p, booking.CreateRequest{
		ResourceID: resourceID,
		StartTime:  start,
		EndTime:    end,
	})
	require.NoError(t, err)
	return b
}

func requireDenied(t *testing.T, err error, reason Reason) *Denial {
	t.Helper()
	var d *Denial
	require.ErrorAs(t, err, &d)
	require.Equal(t, reason, d.Reason)
	return d
}

// 预约 10:00-11:00，10:59 放行，11:00 拒绝但容器继续运行
func TestAccessExpiresAtBookingEnd(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.book(t, alice, f.turtlebot.ID, at(10, 0), at(11, 0))

	f.clock.Set(at(10, 59))
	grant, err := f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceID: f.turtlebot.ID}, ActionIDE)
	require.NoError(t, err)
	require.Equal(t, 3008, grant.Port)
	require.Equal(t, "http://lab.test:3008", grant.Endpoint)
	require.NotNil(t, grant.Booking)
	require.False(t, grant.Bypass)

	f.clock.Set(at(11, 0))
	_, err = f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceID: f.turtlebot.ID}, ActionIDE)
	d := requireDenied(t, err, ReasonNoActiveBooking)
	require.Len(t, d.Windows, 1)
	require.True(t, d.Windows[0].Start.Equal(at(10, 0)))

	require.Equal(t, session.StateRunning, f.supervisor.Status(alice.UserID).State)
	require.Equal(t, 1, f.runtime.startCount())
}

func TestNoBookingNeverStartsContainer(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.clock.Set(at(10, 0))

	_, err := f.gate.EnsureWorkspace(ctx, alice)
	requireDenied(t, err, ReasonNoActiveBooking)

	_, err = f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceType: "turtlebot"}, ActionExecute)
	requireDenied(t, err, ReasonNoActiveBooking)

	_, err = f.gate.RestartWorkspace(ctx, alice)
	requireDenied(t, err, ReasonNoActiveBooking)

	require.Equal(t, 0, f.runtime.startCount())
	require.Equal(t, session.StateAbsent, f.supervisor.Status(alice.UserID).State)
}

func TestEnsureWorkspaceWithBooking(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.book(t, alice, f.camera.ID, at(10, 0), at(12, 0))
	f.clock.Set(at(10, 30))

	sess, err := f.gate.EnsureWorkspace(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, session.StateRunning, sess.State)

	again, err := f.gate.RestartWorkspace(ctx, alice)
	require.NoError(t, err)
	require.NotEqual(t, sess.ContainerRef, again.ContainerRef)
}

func TestBookingOnOtherResourceDoesNotGrant(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.book(t, alice, f.camera.ID, at(10, 0), at(11, 0))
	f.clock.Set(at(10, 30))

	_, err := f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceID: f.turtlebot.ID}, ActionControl)
	d := requireDenied(t, err, ReasonNoActiveBooking)
	require.Empty(t, d.Windows)
}

func TestAccessByType(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.book(t, bob, f.turtlebot.ID, at(10, 0), at(11, 0))
	f.clock.Set(at(10, 15))

	grant, err := f.gate.AuthorizeAndOpen(ctx, bob, Target{ResourceType: "turtlebot"}, ActionVideo)
	require.NoError(t, err)
	require.Equal(t, f.turtlebot.ID, grant.Resource.ID)
	require.Equal(t, "http://tb-1:8889/cam", grant.Endpoint)
	require.Zero(t, grant.Port)
	require.Equal(t, 0, f.runtime.startCount())

	_, err = f.gate.AuthorizeAndOpen(ctx, bob, Target{ResourceType: "drone"}, ActionVideo)
	requireDenied(t, err, ReasonResourceUnavailable)
}

func TestVideoWithoutStreamEndpoint(t *testing.T) {
	f := newGateFixture(t, nil)
	f.book(t, bob, f.camera.ID, at(10, 0), at(11, 0))
	f.clock.Set(at(10, 15))

	_, err := f.gate.AuthorizeAndOpen(context.Background(), bob, Target{ResourceID: f.camera.ID}, ActionVideo)
	requireDenied(t, err, ReasonResourceUnavailable)
}

func TestAdminBypass(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.clock.Set(at(3, 0))

	grant, err := f.gate.AuthorizeAndOpen(ctx, admin, Target{ResourceID: f.turtlebot.ID}, ActionIDE)
	require.NoError(t, err)
	require.True(t, grant.Bypass)
	require.Nil(t, grant.Booking)

	sess, err := f.gate.EnsureWorkspace(ctx, admin)
	require.NoError(t, err)
	require.Equal(t, grant.Port, sess.Port)

	inactive := registry.StatusInactive
	_, err = f.registry.Update(ctx, admin, f.turtlebot.ID, registry.UpdateParams{Status: &inactive})
	require.NoError(t, err)

	_, err = f.gate.AuthorizeAndOpen(ctx, admin, Target{ResourceID: f.turtlebot.ID}, ActionControl)
	d := requireDenied(t, err, ReasonResourceUnavailable)
	require.ErrorIs(t, d, registry.ErrResourceUnavailable)

	_, err = f.gate.AuthorizeAndOpen(ctx, admin, Target{ResourceID: "missing"}, ActionControl)
	requireDenied(t, err, ReasonResourceUnavailable)
}

func TestInactiveResourceDeniedEvenWithBooking(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.book(t, alice, f.turtlebot.ID, at(10, 0), at(11, 0))

	inactive := registry.StatusInactive
	_, err := f.registry.Update(ctx, admin, f.turtlebot.ID, registry.UpdateParams{Status: &inactive})
	require.NoError(t, err)

	f.clock.Set(at(10, 30))
	_, err = f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceID: f.turtlebot.ID}, ActionIDE)
	requireDenied(t, err, ReasonResourceUnavailable)
	require.Equal(t, 0, f.runtime.startCount())
}

// 预约所在资源被停用或删除后，不能凭该预约启动工作区
func TestWorkspaceDeniedWhenBookedResourceUnusable(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.book(t, alice, f.turtlebot.ID, at(10, 0), at(11, 0))
	f.book(t, bob, f.camera.ID, at(10, 0), at(11, 0))

	inactive := registry.StatusInactive
	_, err := f.registry.Update(ctx, admin, f.turtlebot.ID, registry.UpdateParams{Status: &inactive})
	require.NoError(t, err)
	require.NoError(t, f.registry.Delete(ctx, admin, f.camera.ID))

	f.clock.Set(at(10, 30))
	_, err = f.gate.EnsureWorkspace(ctx, alice)
	d := requireDenied(t, err, ReasonResourceUnavailable)
	require.ErrorIs(t, d, registry.ErrResourceUnavailable)

	_, err = f.gate.RestartWorkspace(ctx, alice)
	requireDenied(t, err, ReasonResourceUnavailable)

	_, err = f.gate.EnsureWorkspace(ctx, bob)
	requireDenied(t, err, ReasonResourceUnavailable)

	require.Equal(t, 0, f.runtime.startCount())
	require.Equal(t, session.StateAbsent, f.supervisor.Status(alice.UserID).State)
}

func TestWorkspaceUsesAnyUsableBooking(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.book(t, alice, f.turtlebot.ID, at(10, 0), at(11, 0))
	f.book(t, alice, f.camera.ID, at(10, 0), at(11, 0))

	inactive := registry.StatusInactive
	_, err := f.registry.Update(ctx, admin, f.turtlebot.ID, registry.UpdateParams{Status: &inactive})
	require.NoError(t, err)

	f.clock.Set(at(10, 30))
	sess, err := f.gate.EnsureWorkspace(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, session.StateRunning, sess.State)
}

func TestActionIsCaseInsensitive(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.book(t, alice, f.turtlebot.ID, at(10, 0), at(11, 0))
	f.clock.Set(at(10, 30))

	grant, err := f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceID: f.turtlebot.ID}, Action("IDE"))
	require.NoError(t, err)
	require.Equal(t, ActionIDE, grant.Action)
	require.Equal(t, 3008, grant.Port)
	require.Equal(t, "http://lab.test:3008", grant.Endpoint)
	require.Equal(t, session.StateRunning, f.supervisor.Status(alice.UserID).State)

	grant, err = f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceID: f.turtlebot.ID}, Action("Video"))
	require.NoError(t, err)
	require.Equal(t, "http://tb-1:8889/cam", grant.Endpoint)
	require.Equal(t, 1, f.runtime.startCount())
}

func TestCapacityExhaustedDenial(t *testing.T) {
	f := newGateFixture(t, func(cfg *session.Config) {
		cfg.PortBase = 3001
		cfg.PortMax = 3001
	})
	ctx := context.Background()
	f.book(t, alice, f.turtlebot.ID, at(10, 0), at(11, 0))
	f.book(t, bob, f.camera.ID, at(10, 0), at(11, 0))
	f.clock.Set(at(10, 10))

	_, err := f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceID: f.turtlebot.ID}, ActionIDE)
	require.NoError(t, err)

	_, err = f.gate.AuthorizeAndOpen(ctx, bob, Target{ResourceID: f.camera.ID}, ActionExecute)
	requireDenied(t, err, ReasonCapacityExhausted)
	require.ErrorIs(t, err, session.ErrCapacityExhausted)
}

func TestSessionStartFailedDenial(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.book(t, alice, f.turtlebot.ID, at(10, 0), at(11, 0))
	f.clock.Set(at(10, 10))

	f.runtime.startErr = errors.New("image not found")
	_, err := f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceID: f.turtlebot.ID}, ActionIDE)
	requireDenied(t, err, ReasonSessionStartFailed)

	var startErr *session.StartError
	require.ErrorAs(t, err, &startErr)
	require.Contains(t, err.Error(), "image not found")
	require.Equal(t, session.StateError, f.supervisor.Status(alice.UserID).State)
}

func TestGrantTouchesSession(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()
	f.book(t, alice, f.turtlebot.ID, at(10, 0), at(12, 0))
	f.clock.Set(at(10, 0))

	_, err := f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceID: f.turtlebot.ID}, ActionIDE)
	require.NoError(t, err)

	f.clock.Set(at(10, 45))
	_, err = f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceID: f.turtlebot.ID}, ActionControl)
	require.NoError(t, err)
	require.True(t, f.supervisor.Status(alice.UserID).LastActivity.Equal(at(10, 45)))
}

func TestInvalidRequests(t *testing.T) {
	f := newGateFixture(t, nil)
	ctx := context.Background()

	_, err := f.gate.AuthorizeAndOpen(ctx, alice, Target{}, ActionIDE)
	require.ErrorIs(t, err, ErrInvalidTarget)

	_, err = f.gate.AuthorizeAndOpen(ctx, alice, Target{ResourceID: f.turtlebot.ID}, Action("ssh"))
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in        string
		want      Action
		workspace bool
		wantErr   bool
	}{
		{"ide", ActionIDE, true, false},
		{"EXECUTE", ActionExecute, true, false},
		{"video", ActionVideo, false, false},
		{"control", ActionControl, false, false},
		{"", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAction(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.workspace, got.NeedsWorkspace())
		})
	}
}
