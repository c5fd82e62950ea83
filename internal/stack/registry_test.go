package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/web-casa/stackpilot/internal/compose"
	"github.com/web-casa/stackpilot/internal/docker"
	"github.com/web-casa/stackpilot/internal/eventbus"
	"github.com/web-casa/stackpilot/internal/protocol"
)

const nginx = "services:\n  nginx:\n    image: nginx\n"

// fakeStates is an in-memory container engine.
type fakeStates struct {
	mu       sync.Mutex
	projects map[string][]docker.ContainerState
	err      error
}

func newFakeStates() *fakeStates {
	return &fakeStates{projects: make(map[string][]docker.ContainerState)}
}

func (f *fakeStates) ProjectStates(ctx context.Context) (map[string][]docker.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string][]docker.ContainerState, len(f.projects))
	for k, v := range f.projects {
		out[k] = append([]docker.ContainerState(nil), v...)
	}
	return out, nil
}

func (f *fakeStates) set(name, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state == "" {
		delete(f.projects, name)
		return
	}
	f.projects[name] = []docker.ContainerState{{Name: name + "-app-1", Service: "app", State: state}}
}

// fakeRunner stands in for compose.Runner. It tracks how many operations run
// on each stack at once so tests can assert mutual exclusion.
type fakeRunner struct {
	root   string
	states *fakeStates

	mu       sync.Mutex
	files    map[string][2]string
	writes   []string
	calls    []string
	active   map[string]int
	overlaps int
	fail     map[string]error
	gate     chan struct{} // when set, operations block until it is closed
	delay    time.Duration
}

func newFakeRunner(t *testing.T, states *fakeStates) *fakeRunner {
	return &fakeRunner{
		root:   t.TempDir(),
		states: states,
		files:  make(map[string][2]string),
		active: make(map[string]int),
		fail:   make(map[string]error),
	}
}

func (f *fakeRunner) Root() string { return f.root }

func (f *fakeRunner) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[name]
	return ok
}

func (f *fakeRunner) Discover() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for n := range f.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeRunner) ReadFiles(name string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.files[name]
	if !ok {
		return "", "", compose.ErrStackNotFound
	}
	return v[0], v[1], nil
}

func (f *fakeRunner) WriteFiles(name, composeYAML, env string) error {
	if err := compose.ValidateYAML(composeYAML); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = [2]string{composeYAML, env}
	f.writes = append(f.writes, composeYAML)
	return nil
}

func (f *fakeRunner) op(ctx context.Context, verb, name string, out io.Writer, after func()) (compose.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, verb+" "+name)
	f.active[name]++
	if f.active[name] > 1 {
		f.overlaps++
	}
	gate, delay, err := f.gate, f.delay, f.fail[verb]
	f.mu.Unlock()

	fmt.Fprintf(out, "%s %s\n", verb, name)
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.active[name]--
	f.mu.Unlock()

	if err != nil {
		return compose.Result{Stack: name}, err
	}
	after()
	return compose.Result{Stack: name}, nil
}

func (f *fakeRunner) Start(ctx context.Context, name string, out io.Writer) (compose.Result, error) {
	return f.op(ctx, "start", name, out, func() { f.states.set(name, "running") })
}

func (f *fakeRunner) Stop(ctx context.Context, name string, out io.Writer) (compose.Result, error) {
	return f.op(ctx, "stop", name, out, func() { f.states.set(name, "exited") })
}

func (f *fakeRunner) Restart(ctx context.Context, name string, out io.Writer) (compose.Result, error) {
	return f.op(ctx, "restart", name, out, func() { f.states.set(name, "running") })
}

func (f *fakeRunner) Update(ctx context.Context, name string, out io.Writer) (compose.Result, error) {
	return f.op(ctx, "update", name, out, func() { f.states.set(name, "running") })
}

func (f *fakeRunner) Delete(ctx context.Context, name string, teardown bool, out io.Writer) (compose.Result, error) {
	return f.op(ctx, "delete", name, out, func() {
		f.states.set(name, "")
		f.mu.Lock()
		delete(f.files, name)
		f.mu.Unlock()
	})
}

func (f *fakeRunner) callCount(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) > len(verb) && c[:len(verb)+1] == verb+" " {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *fakeRunner, *fakeStates, *eventbus.Bus) {
	t.Helper()
	states := newFakeStates()
	runner := newFakeRunner(t, states)
	bus := eventbus.New(slog.Default())
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return New(runner, states, bus, opts), runner, states, bus
}

func TestReconcileSeedsStates(t *testing.T) {
	reg, runner, states, _ := newTestRegistry(t, Options{})
	runner.WriteFiles("a", nginx, "")
	runner.WriteFiles("b", nginx, "X=1")
	runner.WriteFiles("c", nginx, "")
	states.set("a", "running")
	states.set("b", "exited")

	if err := reg.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := map[string]State{"a": StateRunning, "b": StateStopped, "c": StateCreated}
	for name, st := range want {
		v, err := reg.Get(name)
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if v.State != st {
			t.Errorf("%s: state %s, want %s", name, v.State, st)
		}
	}
	if v, _ := reg.Get("b"); v.ComposeENV != "X=1" {
		t.Errorf("env not loaded: %q", v.ComposeENV)
	}
	list := reg.List()
	if len(list) != 3 || list[0].Name != "a" || list[2].Name != "c" {
		t.Fatalf("List not ordered: %+v", list)
	}
}

func TestReconcileWithoutEngine(t *testing.T) {
	states := newFakeStates()
	runner := newFakeRunner(t, states)
	runner.WriteFiles("a", nginx, "")
	reg := New(runner, nil, nil, Options{})
	if err := reg.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v, _ := reg.Get("a"); v.State != StateUnknown {
		t.Fatalf("state = %s, want unknown", v.State)
	}
}

func TestSaveCreateAndUpdateRules(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	if _, err := reg.Save(ctx, "web", nginx, "", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update of missing stack: %v", err)
	}
	v, err := reg.Save(ctx, "web", nginx, "A=1", true)
	if err != nil {
		t.Fatal(err)
	}
	if v.State != StateCreated || v.ComposeYAML != nginx || v.ComposeENV != "A=1" {
		t.Fatalf("unexpected view: %+v", v)
	}
	if _, err := reg.Save(ctx, "web", nginx, "", true); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate create: %v", err)
	}
	if _, err := reg.Save(ctx, "Web!", nginx, "", true); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("bad name: %v", err)
	}
	if _, err := reg.Save(ctx, "web", "services: [", "", false); !errors.Is(err, compose.ErrInvalidComposeSyntax) {
		t.Fatalf("bad yaml: %v", err)
	}
	if got, _ := reg.Get("web"); got.ComposeYAML != nginx {
		t.Fatal("rejected save must not change the stack")
	}
}

func TestLifecycle(t *testing.T) {
	reg, runner, _, bus := newTestRegistry(t, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []State
	bus.Subscribe(eventbus.StackState, func(e eventbus.Event) {
		mu.Lock()
		seen = append(seen, e.Payload.(StateChange).State)
		mu.Unlock()
	})

	steps := []struct {
		name string
		run  func() (View, error)
		want State
	}{
		{"save", func() (View, error) { return reg.Save(ctx, "web", nginx, "", true) }, StateCreated},
		{"start", func() (View, error) { return reg.Start(ctx, "web") }, StateRunning},
		{"stop", func() (View, error) { return reg.Stop(ctx, "web") }, StateStopped},
		{"stop again", func() (View, error) { return reg.Stop(ctx, "web") }, StateStopped},
		{"restart", func() (View, error) { return reg.Restart(ctx, "web") }, StateRunning},
		{"update", func() (View, error) { return reg.Update(ctx, "web") }, StateRunning},
	}
	for _, s := range steps {
		v, err := s.run()
		if err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if v.State != s.want {
			t.Fatalf("%s: state %s, want %s", s.name, v.State, s.want)
		}
	}
	if n := runner.callCount("stop"); n != 1 {
		t.Fatalf("stop invoked %d times, want 1", n)
	}
	if v, _ := reg.Get("web"); len(v.Containers) != 1 || !v.Containers[0].Running() {
		t.Fatalf("containers not refreshed: %+v", v.Containers)
	}

	if err := reg.Delete(ctx, "web"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Get("web"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
	if _, err := reg.Start(ctx, "web"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start after delete: %v", err)
	}

	want := []State{StateCreated, StateRunning, StateStopped, StateRestarting, StateRunning,
		StateUpdating, StateRunning, StateDeleting, StateDeleted}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("state events %v, want %v", seen, want)
	}
}

func TestStartFailureMarksError(t *testing.T) {
	reg, runner, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	reg.Save(ctx, "web", nginx, "", true)
	runner.fail["start"] = &compose.OperationError{Stack: "web", Verb: "up", Message: "timeout"}

	v, err := reg.Start(ctx, "web")
	var opErr *compose.OperationError
	if !errors.As(err, &opErr) || opErr.Message != "timeout" {
		t.Fatalf("expected timeout, got %v", err)
	}
	if v.State != StateError {
		t.Fatalf("state = %s, want error", v.State)
	}
}

func TestUpdatePullFailureKeepsState(t *testing.T) {
	reg, runner, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	reg.Save(ctx, "web", nginx, "", true)
	reg.Start(ctx, "web")
	runner.fail["update"] = &compose.OperationError{Stack: "web", Verb: "pull", Message: "manifest unknown"}

	v, err := reg.Update(ctx, "web")
	if err == nil {
		t.Fatal("expected update failure")
	}
	if v.State != StateRunning {
		t.Fatalf("state = %s, want running", v.State)
	}
}

func TestQueuedOperationObservesDeletion(t *testing.T) {
	reg, runner, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	reg.Save(ctx, "web", nginx, "", true)

	runner.gate = make(chan struct{})
	startErr := make(chan error, 1)
	deleteErr := make(chan error, 1)
	laterErr := make(chan error, 1)

	go func() { _, err := reg.Start(ctx, "web"); startErr <- err }()
	waitFor(t, func() bool { return runner.callCount("start") == 1 })
	go func() { deleteErr <- reg.Delete(ctx, "web") }()
	time.Sleep(20 * time.Millisecond)
	go func() { _, err := reg.Start(ctx, "web"); laterErr <- err }()
	time.Sleep(20 * time.Millisecond)

	// While the first start holds the lock, reads still work.
	if v, err := reg.Get("web"); err != nil || v.State != StateCreated {
		t.Fatalf("snapshot during operation: %+v %v", v, err)
	}

	close(runner.gate)
	if err := <-startErr; err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := <-deleteErr; err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := <-laterErr; !errors.Is(err, ErrNotFound) {
		t.Fatalf("queued start should see the deletion, got %v", err)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.overlaps != 0 {
		t.Fatalf("operations overlapped %d times", runner.overlaps)
	}
}

// lockUsers counts the holders and waiters of name's lock.
func lockUsers(reg *Registry, name string) int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if l, ok := reg.locks[name]; ok {
		return l.refs
	}
	return 0
}

func TestLockServesWaitersInOrder(t *testing.T) {
	reg, runner, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	reg.Save(ctx, "web", nginx, "", true)

	runner.gate = make(chan struct{})
	startErr := make(chan error, 1)
	go func() { _, err := reg.Start(ctx, "web"); startErr <- err }()
	waitFor(t, func() bool { return runner.callCount("start") == 1 })

	const n = 8
	var want []string
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		body := fmt.Sprintf("%s# revision %d\n", nginx, i)
		want = append(want, body)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Save(ctx, "web", body, "", false); err != nil {
				t.Errorf("save %d: %v", i, err)
			}
		}()
		waitFor(t, func() bool { return lockUsers(reg, "web") == i+2 })
		// Give the waiter time to block on the lock before the next one arrives.
		time.Sleep(5 * time.Millisecond)
	}

	close(runner.gate)
	if err := <-startErr; err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	runner.mu.Lock()
	got := append([]string(nil), runner.writes[1:]...)
	runner.mu.Unlock()
	if len(got) != n {
		t.Fatalf("%d saves ran, want %d", len(got), n)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("save %d ran as %q; saves must run in arrival order", i, got[i])
		}
	}
	if v, _ := reg.Get("web"); v.ComposeYAML != want[n-1] {
		t.Fatalf("last writer lost: %q", v.ComposeYAML)
	}
}

func TestIdleLocksAreForgotten(t *testing.T) {
	reg, runner, _, _ := newTestRegistry(t, Options{LockTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	for _, name := range []string{"ghost-1", "ghost-2", "ghost-3"} {
		if _, err := reg.Start(ctx, name); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: %v", name, err)
		}
	}
	reg.Save(ctx, "web", nginx, "", true)
	runner.gate = make(chan struct{})
	done := make(chan struct{})
	go func() { reg.Start(ctx, "web"); close(done) }()
	waitFor(t, func() bool { return runner.callCount("start") == 1 })

	stopped := make(chan error, 1)
	go func() { _, err := reg.Stop(ctx, "web"); stopped <- err }()
	waitFor(t, func() bool { return lockUsers(reg, "web") == 2 })
	if err := <-stopped; !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("stop: %v", err)
	}
	if n := lockUsers(reg, "web"); n != 1 {
		t.Fatalf("a timed-out waiter still counts: %d users", n)
	}
	close(runner.gate)
	<-done

	if err := reg.Delete(ctx, "web"); err != nil {
		t.Fatal(err)
	}
	reg.Refresh(ctx)
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if len(reg.locks) != 0 {
		t.Fatalf("locks kept for idle names: %v", reg.locks)
	}
}

func TestLockTimeout(t *testing.T) {
	reg, runner, _, _ := newTestRegistry(t, Options{LockTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	reg.Save(ctx, "web", nginx, "", true)

	runner.gate = make(chan struct{})
	done := make(chan struct{})
	go func() { reg.Start(ctx, "web"); close(done) }()
	waitFor(t, func() bool { return runner.callCount("start") == 1 })

	if _, err := reg.Stop(ctx, "web"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	close(runner.gate)
	<-done
}

func TestMutualExclusionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("no two operations on one stack overlap", prop.ForAll(
		func(ops []int) bool {
			reg, runner, _, _ := newTestRegistry(t, Options{})
			runner.delay = time.Millisecond
			ctx := context.Background()
			reg.Save(ctx, "a", nginx, "", true)
			reg.Save(ctx, "b", nginx, "", true)

			var wg sync.WaitGroup
			for i, code := range ops {
				name := "a"
				if i%2 == 1 {
					name = "b"
				}
				wg.Add(1)
				go func(code int, name string) {
					defer wg.Done()
					switch code {
					case 0:
						reg.Start(ctx, name)
					case 1:
						reg.Stop(ctx, name)
					case 2:
						reg.Restart(ctx, name)
					case 3:
						reg.Update(ctx, name)
					case 4:
						reg.Save(ctx, name, nginx, "", false)
					case 5:
						reg.Get(name)
						reg.List()
					}
				}(code, name)
			}
			wg.Wait()

			runner.mu.Lock()
			defer runner.mu.Unlock()
			return runner.overlaps == 0
		},
		gen.SliceOfN(16, gen.IntRange(0, 5)),
	))
	properties.TestingRun(t)
}

func TestRefreshMarksUnexpectedExit(t *testing.T) {
	reg, runner, states, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	reg.Save(ctx, "a", nginx, "", true)
	reg.Save(ctx, "b", nginx, "", true)
	reg.Start(ctx, "a")
	reg.Start(ctx, "b")

	states.set("a", "exited")
	states.set("b", "exited")

	// b is busy: refresh must leave it alone.
	release, err := reg.lock(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	release()

	if v, _ := reg.Get("a"); v.State != StateExited {
		t.Fatalf("a: state %s, want exited", v.State)
	}
	if v, _ := reg.Get("b"); v.State != StateRunning {
		t.Fatalf("b: state %s, want running (locked during refresh)", v.State)
	}

	os.RemoveAll(runner.Root())
	if err := reg.Refresh(ctx); !errors.Is(err, ErrStorageLost) {
		t.Fatalf("expected ErrStorageLost, got %v", err)
	}
}

func TestOperationStreamsLogs(t *testing.T) {
	reg, _, _, bus := newTestRegistry(t, Options{})
	ctx := context.Background()
	reg.Save(ctx, "web", nginx, "", true)

	var lines []string
	var wg sync.WaitGroup
	bus.Subscribe(eventbus.StackOperation, func(e eventbus.Event) {
		started := e.Payload.(OperationStarted)
		if started.Op != "start" {
			t.Errorf("op = %s", started.Op)
		}
		ch, _ := started.Logs.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for l := range ch {
				lines = append(lines, l)
			}
		}()
	})

	if _, err := reg.Start(ctx, "web"); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if len(lines) != 1 || lines[0] != "start web" {
		t.Fatalf("lines = %v", lines)
	}
	if _, ok := reg.Logs("web"); ok {
		t.Fatal("stream should be gone once the operation ended")
	}
}

func TestExecute(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	ack, err := reg.Execute(ctx, protocol.Op{Kind: protocol.OpDeployStack, Stack: "web", ComposeYAML: nginx, IsCreate: true})
	if err != nil || !ack.OK {
		t.Fatalf("deploy: %+v %v", ack, err)
	}
	ack, err = reg.Execute(ctx, protocol.Op{Kind: protocol.OpGetStack, Stack: "web"})
	if err != nil || ack.Stack.(View).State != StateRunning {
		t.Fatalf("get: %+v %v", ack, err)
	}
	ack, err = reg.Execute(ctx, protocol.Op{Kind: protocol.OpListStacks})
	if err != nil || len(ack.StackList.([]View)) != 1 {
		t.Fatalf("list: %+v %v", ack, err)
	}
	if _, err := reg.Execute(ctx, protocol.Op{Kind: protocol.OpGetStack, Stack: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	if _, err := reg.Execute(ctx, protocol.Op{Kind: 0}); !errors.Is(err, protocol.ErrUnknownOperation) {
		t.Fatalf("unknown op: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
