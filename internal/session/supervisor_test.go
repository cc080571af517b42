package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"robotlab/internal/clock"
	"robotlab/internal/principal"
	"robotlab/internal/sandbox"
)

type fakeRuntime struct {
	mu       sync.Mutex
	next     int
	running  map[string]sandbox.StartSpec
	starts   int
	stops    int
	startErr error
	stopErr  error
	notReady bool

	// 在锁外调用，用于让测试卡住某个阶段
	readyHook func(ref string)
	stopHook  func(ref string)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: make(map[string]sandbox.StartSpec)}
}

func (f *fakeRuntime) Start(ctx context.Context, spec sandbox.StartSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return "", f.startErr
	}
	f.next++
	ref := fmt.Sprintf("ctr-%d", f.next)
	f.running[ref] = spec
	return ref, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, ref string) error {
	f.mu.Lock()
	hook := f.stopHook
	f.mu.Unlock()
	if hook != nil {
		hook(ref)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stopErr != nil {
		return f.stopErr
	}
	if _, ok := f.running[ref]; !ok {
		return sandbox.ErrContainerNotFound
	}
	delete(f.running, ref)
	return nil
}

func (f *fakeRuntime) IsReady(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	hook := f.readyHook
	f.mu.Unlock()
	if hook != nil {
		hook(ref)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[ref]; !ok {
		return false, sandbox.ErrContainerNotFound
	}
	return !f.notReady, nil
}

func (f *fakeRuntime) set(fn func(f *fakeRuntime)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeRuntime) counts() (starts, stops, live int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, len(f.running)
}

type memoryRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sessions: make(map[string]Session)}
}

func (r *memoryRepo) Save(ctx context.Context, sess *Session) error {
	r.mu.Lock()
	r.sessions[sess.UserID] = *sess
	r.mu.Unlock()
	return nil
}

func (r *memoryRepo) ListByState(ctx context.Context, states []State) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		for _, st := range states {
			if s.State == st {
				cp := s
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

type supervisorFixture struct {
	sup     *Supervisor
	runtime *fakeRuntime
	repo    *memoryRepo
	clock   *clock.FakeClock
}

func newSupervisorFixture(t *testing.T, mutate func(cfg *Config)) *supervisorFixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Image = "workspace:test"
	cfg.ProbeAttempts = 3
	if mutate != nil {
		mutate(&cfg)
	}

	rt := newFakeRuntime()
	repo := newMemoryRepo()
	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sup, err := NewSupervisor(rt, repo, nil, clk, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	return &supervisorFixture{sup: sup, runtime: rt, repo: repo, clock: clk}
}

func TestEnsureRunningIdempotent(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	first, err := f.sup.EnsureRunning(ctx, "7")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if first.State != StateRunning || first.Port != 3008 || first.ContainerRef == "" {
		t.Fatalf("unexpected session %+v", first)
	}

	second, err := f.sup.EnsureRunning(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if second.ContainerRef != first.ContainerRef || second.Port != first.Port {
		t.Fatalf("second ensure changed the session: %+v vs %+v", second, first)
	}
	if starts, _, _ := f.runtime.counts(); starts != 1 {
		t.Fatalf("expected 1 container start, got %d", starts)
	}

	spec := f.runtime.running[first.ContainerRef]
	if spec.Image != "workspace:test" || spec.Port != 3008 || spec.UserID != "7" {
		t.Fatalf("unexpected start spec %+v", spec)
	}
}

func TestEnsureRunningDistinctPorts(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	seen := make(map[int]string)
	for _, u := range []string{"1", "1001", "alice", "bob", "2"} {
		sess, err := f.sup.EnsureRunning(ctx, u)
		if err != nil {
			t.Fatalf("ensure %s: %v", u, err)
		}
		if sess.Port < 3001 || sess.Port > 4000 {
			t.Fatalf("port %d out of range", sess.Port)
		}
		if other, dup := seen[sess.Port]; dup {
			t.Fatalf("port %d shared by %s and %s", sess.Port, other, u)
		}
		seen[sess.Port] = u
	}
}

func TestEnsureRunningCapacityExhausted(t *testing.T) {
	f := newSupervisorFixture(t, func(cfg *Config) {
		cfg.PortBase = 3001
		cfg.PortMax = 3002
	})
	ctx := context.Background()

	for _, u := range []string{"1", "2"} {
		if _, err := f.sup.EnsureRunning(ctx, u); err != nil {
			t.Fatalf("ensure %s: %v", u, err)
		}
	}

	_, err := f.sup.EnsureRunning(ctx, "3")
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
	if starts, _, _ := f.runtime.counts(); starts != 2 {
		t.Fatalf("no container should start without a port, starts=%d", starts)
	}
	if st := f.sup.Status("3").State; st != StateAbsent {
		t.Fatalf("expected absent, got %s", st)
	}
}

func TestEnsureRunningProbeExhausted(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	f.runtime.set(func(r *fakeRuntime) { r.notReady = true })

	_, err := f.sup.EnsureRunning(context.Background(), "7")

	var startErr *StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected *StartError, got %v", err)
	}
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady cause, got %v", err)
	}

	sess := f.sup.Status("7")
	if sess.State != StateError || sess.Cause == "" {
		t.Fatalf("expected error state with cause, got %+v", sess)
	}
	if _, stops, live := f.runtime.counts(); stops != 1 || live != 0 {
		t.Fatalf("half-started container not cleaned up: stops=%d live=%d", stops, live)
	}
	if f.sup.ports.InUse() != 0 {
		t.Fatalf("port should be released after failed start")
	}
}

func TestEnsureRunningStartFailureThenRetry(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	ctx := context.Background()
	f.runtime.set(func(r *fakeRuntime) { r.startErr = errors.New("image pull failed") })

	_, err := f.sup.EnsureRunning(ctx, "7")
	var startErr *StartError
	if !errors.As(err, &startErr) || startErr.UserID != "7" {
		t.Fatalf("expected *StartError for user 7, got %v", err)
	}
	if f.sup.Status("7").State != StateError {
		t.Fatalf("expected error state")
	}

	f.runtime.set(func(r *fakeRuntime) { r.startErr = nil })
	sess, err := f.sup.EnsureRunning(ctx, "7")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sess.State != StateRunning || sess.Cause != "" {
		t.Fatalf("unexpected session after retry %+v", sess)
	}
}

func TestStopIdempotent(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	if err := f.sup.Stop(ctx, "7"); err != nil {
		t.Fatalf("stop on absent session: %v", err)
	}

	if _, err := f.sup.EnsureRunning(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := f.sup.Stop(ctx, "7"); err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
	}

	sess := f.sup.Status("7")
	if sess.State != StateStopped || sess.Port != 0 || sess.ContainerRef != "" {
		t.Fatalf("unexpected session after stop %+v", sess)
	}
	if _, stops, live := f.runtime.counts(); stops != 1 || live != 0 {
		t.Fatalf("expected one stop call, stops=%d live=%d", stops, live)
	}
	if f.repo.sessions["7"].State != StateStopped {
		t.Fatalf("persisted state not updated: %+v", f.repo.sessions["7"])
	}
}

func TestRestartReplacesContainer(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	before, err := f.sup.EnsureRunning(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	after, err := f.sup.Restart(ctx, "7")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if after.ContainerRef == before.ContainerRef {
		t.Fatalf("restart should create a new container")
	}
	if after.State != StateRunning {
		t.Fatalf("expected running, got %s", after.State)
	}
}

func TestRestartStopFailure(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	if _, err := f.sup.EnsureRunning(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	f.runtime.set(func(r *fakeRuntime) { r.stopErr = errors.New("daemon timeout") })

	_, err := f.sup.Restart(ctx, "7")
	if !errors.Is(err, ErrStopFailed) {
		t.Fatalf("expected ErrStopFailed, got %v", err)
	}

	sess := f.sup.Status("7")
	if sess.State != StateError || !strings.Contains(sess.Cause, "daemon timeout") {
		t.Fatalf("expected error state with cause, got %+v", sess)
	}
	if sess.ContainerRef == "" {
		t.Fatalf("container ref should be kept for retry")
	}
	if starts, _, _ := f.runtime.counts(); starts != 1 {
		t.Fatalf("restart must not start a second container, starts=%d", starts)
	}
}

func TestReapIdle(t *testing.T) {
	f := newSupervisorFixture(t, func(cfg *Config) { cfg.IdleTimeout = 30 * time.Minute })
	ctx := context.Background()

	if _, err := f.sup.EnsureRunning(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sup.EnsureRunning(ctx, "8"); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(20 * time.Minute)
	if !f.sup.Touch("8") {
		t.Fatal("touch on running session should succeed")
	}
	f.clock.Advance(11 * time.Minute)

	if n := f.sup.ReapIdle(ctx); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	if st := f.sup.Status("7").State; st != StateStopped {
		t.Fatalf("idle session should be stopped, got %s", st)
	}
	if st := f.sup.Status("8").State; st != StateRunning {
		t.Fatalf("touched session should stay running, got %s", st)
	}

	sess, err := f.sup.EnsureRunning(ctx, "7")
	if err != nil {
		t.Fatalf("ensure after reap: %v", err)
	}
	if sess.State != StateRunning {
		t.Fatalf("expected running after re-ensure, got %s", sess.State)
	}
}

func TestReapRetriesFailedStop(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	if _, err := f.sup.EnsureRunning(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	f.runtime.set(func(r *fakeRuntime) { r.stopErr = errors.New("busy") })
	if err := f.sup.Stop(ctx, "7"); !errors.Is(err, ErrStopFailed) {
		t.Fatalf("expected ErrStopFailed, got %v", err)
	}

	if n := f.sup.ReapIdle(ctx); n != 0 {
		t.Fatalf("reap should keep failing while the runtime does, got %d", n)
	}

	f.runtime.set(func(r *fakeRuntime) { r.stopErr = nil })
	if n := f.sup.ReapIdle(ctx); n != 1 {
		t.Fatalf("expected retry to reap 1, got %d", n)
	}
	if st := f.sup.Status("7").State; st != StateStopped {
		t.Fatalf("expected stopped, got %s", st)
	}
	if f.sup.ports.InUse() != 0 {
		t.Fatalf("port should be released once the container is gone")
	}
}

func TestEnsureRunningConcurrent(t *testing.T) {
	f := newSupervisorFixture(t, nil)

	var wg sync.WaitGroup
	refs := make([]string, 20)
	errs := make([]error, 20)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := f.sup.EnsureRunning(context.Background(), "7")
			errs[i] = err
			if sess != nil {
				refs[i] = sess.ContainerRef
			}
		}(i)
	}
	wg.Wait()

	for i := range refs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if refs[i] != refs[0] {
			t.Fatalf("callers observed different containers: %s vs %s", refs[i], refs[0])
		}
	}
	if starts, _, _ := f.runtime.counts(); starts != 1 {
		t.Fatalf("expected exactly 1 container start, got %d", starts)
	}
}

// reap 扫描期间另一个用户被 touch 或 restart，拿到锁后重新判断，不会误杀
func TestReapRechecksUnderUserLock(t *testing.T) {
	tests := []struct {
		name  string
		renew func(f *supervisorFixture, userID string) error
	}{
		{"touch", func(f *supervisorFixture, userID string) error {
			if !f.sup.Touch(userID) {
				return fmt.Errorf("touch %s failed", userID)
			}
			return nil
		}},
		{"restart", func(f *supervisorFixture, userID string) error {
			_, err := f.sup.Restart(context.Background(), userID)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSupervisorFixture(t, func(cfg *Config) { cfg.IdleTimeout = 30 * time.Minute })
			ctx := context.Background()

			owners := make(map[string]string)
			for _, userID := range []string{"7", "8"} {
				sess, err := f.sup.EnsureRunning(ctx, userID)
				if err != nil {
					t.Fatal(err)
				}
				owners[sess.ContainerRef] = userID
			}
			f.clock.Advance(31 * time.Minute)

			entered := make(chan string, 1)
			release := make(chan struct{})
			var blocked atomic.Bool
			f.runtime.set(func(r *fakeRuntime) {
				r.stopHook = func(ref string) {
					if blocked.CompareAndSwap(false, true) {
						entered <- ref
						<-release
					}
				}
			})

			done := make(chan int, 1)
			go func() { done <- f.sup.ReapIdle(ctx) }()

			victim := owners[<-entered]
			other := "8"
			if victim == "8" {
				other = "7"
			}
			if err := tt.renew(f, other); err != nil {
				t.Fatalf("renew %s: %v", other, err)
			}
			close(release)

			if n := <-done; n != 1 {
				t.Fatalf("expected 1 reaped, got %d", n)
			}
			if st := f.sup.Status(victim).State; st != StateStopped {
				t.Fatalf("idle session %s should be stopped, got %s", victim, st)
			}
			if st := f.sup.Status(other).State; st != StateRunning {
				t.Fatalf("renewed session %s should stay running, got %s", other, st)
			}
			if _, _, live := f.runtime.counts(); live != 1 {
				t.Fatalf("expected 1 live container, got %d", live)
			}
		})
	}
}

// 启动中途的 Stop 等待启动结束后再清理
func TestStopWaitsForInFlightStart(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.runtime.set(func(r *fakeRuntime) {
		r.readyHook = func(string) {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})

	ensureErr := make(chan error, 1)
	go func() {
		_, err := f.sup.EnsureRunning(ctx, "7")
		ensureErr <- err
	}()
	<-entered

	if st := f.sup.Status("7").State; st != StateStarting {
		t.Fatalf("expected starting while readiness check is blocked, got %s", st)
	}

	stopErr := make(chan error, 1)
	go func() { stopErr <- f.sup.Stop(ctx, "7") }()

	select {
	case err := <-stopErr:
		t.Fatalf("stop returned before start finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-ensureErr; err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	sess := f.sup.Status("7")
	if sess.State != StateStopped || sess.Port != 0 || sess.ContainerRef != "" {
		t.Fatalf("unexpected session after stop %+v", sess)
	}
	if f.sup.ports.InUse() != 0 {
		t.Fatalf("port should be released, in use=%d", f.sup.ports.InUse())
	}
	if starts, stops, live := f.runtime.counts(); starts != 1 || stops != 1 || live != 0 {
		t.Fatalf("expected 1 start, 1 stop, 0 live; got %d/%d/%d", starts, stops, live)
	}
}

func TestAdminOperations(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	ctx := context.Background()
	admin := principal.New("1", principal.RoleAdmin)
	user := principal.New("8", principal.RoleUser)

	if _, err := f.sup.EnsureRunning(ctx, "7"); err != nil {
		t.Fatal(err)
	}

	if err := f.sup.AdminStop(ctx, user, "7"); !errors.Is(err, principal.ErrAdminRequired) {
		t.Fatalf("expected ErrAdminRequired, got %v", err)
	}
	if _, err := f.sup.AdminList(user); !errors.Is(err, principal.ErrAdminRequired) {
		t.Fatalf("expected ErrAdminRequired, got %v", err)
	}
	if st := f.sup.Status("7").State; st != StateRunning {
		t.Fatalf("non-admin stop must not change state, got %s", st)
	}

	list, err := f.sup.AdminList(admin)
	if err != nil || len(list) != 1 {
		t.Fatalf("AdminList: %v %v", list, err)
	}

	sess, err := f.sup.AdminRestart(ctx, admin, "7")
	if err != nil || sess.State != StateRunning {
		t.Fatalf("AdminRestart: %+v %v", sess, err)
	}
	if err := f.sup.AdminStop(ctx, admin, "7"); err != nil {
		t.Fatalf("AdminStop: %v", err)
	}
	status, err := f.sup.AdminStatus(admin, "7")
	if err != nil || status.State != StateStopped {
		t.Fatalf("AdminStatus: %+v %v", status, err)
	}
}

func TestRecover(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	f.runtime.running["ctr-old"] = sandbox.StartSpec{UserID: "7", Port: 3008}
	f.repo.sessions["7"] = Session{UserID: "7", ContainerRef: "ctr-old", Port: 3008, State: StateRunning}
	f.repo.sessions["8"] = Session{UserID: "8", ContainerRef: "ctr-gone", Port: 3009, State: StateRunning}
	f.repo.sessions["9"] = Session{UserID: "9", State: StateStopped}

	adopted, err := f.sup.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if adopted != 1 {
		t.Fatalf("expected 1 adopted, got %d", adopted)
	}

	sess, err := f.sup.EnsureRunning(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ContainerRef != "ctr-old" || sess.Port != 3008 {
		t.Fatalf("recovered session not reused: %+v", sess)
	}
	if starts, _, _ := f.runtime.counts(); starts != 0 {
		t.Fatalf("recovered session should not start a container, starts=%d", starts)
	}
	if st := f.sup.Status("8").State; st != StateStopped {
		t.Fatalf("unrecoverable session should be stopped, got %s", st)
	}
}

func TestStopAll(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	for _, u := range []string{"7", "8"} {
		if _, err := f.sup.EnsureRunning(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	f.sup.StopAll(ctx)

	if _, _, live := f.runtime.counts(); live != 0 {
		t.Fatalf("expected all containers stopped, %d still running", live)
	}
	for _, sess := range f.sup.List() {
		if sess.State != StateStopped {
			t.Fatalf("user %s still %s", sess.UserID, sess.State)
		}
	}
}

func TestStatusAbsent(t *testing.T) {
	f := newSupervisorFixture(t, nil)
	if st := f.sup.Status("nobody").State; st != StateAbsent {
		t.Fatalf("expected absent, got %s", st)
	}
	if f.sup.Touch("nobody") {
		t.Fatal("touch on absent session should report false")
	}
}
