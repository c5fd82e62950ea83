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
	"time"

	"github.com/web-casa/stackpilot/internal/compose"
	"github.com/web-casa/stackpilot/internal/docker"
	"github.com/web-casa/stackpilot/internal/eventbus"
	"golang.org/x/sync/singleflight"
)

// Runner is the subset of compose.Runner the registry drives.
type Runner interface {
	Root() string
	Exists(name string) bool
	Discover() ([]string, error)
	ReadFiles(name string) (string, string, error)
	WriteFiles(name, composeYAML, env string) error
	Start(ctx context.Context, name string, out io.Writer) (compose.Result, error)
	Stop(ctx context.Context, name string, out io.Writer) (compose.Result, error)
	Restart(ctx context.Context, name string, out io.Writer) (compose.Result, error)
	Update(ctx context.Context, name string, out io.Writer) (compose.Result, error)
	Delete(ctx context.Context, name string, teardown bool, out io.Writer) (compose.Result, error)
}

// StateSource reports the containers of every compose project.
type StateSource interface {
	ProjectStates(ctx context.Context) (map[string][]docker.ContainerState, error)
}

// View is an immutable snapshot of one stack.
type View struct {
	Name        string                  `json:"name"`
	ComposeYAML string                  `json:"composeYAML"`
	ComposeENV  string                  `json:"composeENV"`
	State       State                   `json:"lifecycleState"`
	Containers  []docker.ContainerState `json:"containers"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

// StateChange is the payload of eventbus.StackState.
type StateChange struct {
	Name  string
	State State
}

// OperationStarted is the payload of eventbus.StackOperation. Logs is closed
// when the operation finishes. Origin is the requester set by WithOrigin.
type OperationStarted struct {
	Name   string
	Op     string
	Origin string
	Logs   *compose.LogWriter
}

type originKey struct{}

// WithOrigin tags the operations run with ctx as requested by origin.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// Origin returns the requester stored by WithOrigin, or "".
func Origin(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}

type record struct {
	name        string
	composeYAML string
	composeENV  string
	state       State
	containers  []docker.ContainerState
	updatedAt   time.Time
}

func (r *record) view() View {
	return View{
		Name:        r.name,
		ComposeYAML: r.composeYAML,
		ComposeENV:  r.composeENV,
		State:       r.state,
		Containers:  append([]docker.ContainerState(nil), r.containers...),
		UpdatedAt:   r.updatedAt,
	}
}

// Options tune a Registry.
type Options struct {
	LockTimeout  time.Duration // 0 waits forever
	StateTimeout time.Duration // bound for one StateSource query
	Logger       *slog.Logger
}

// Registry is the in-memory index of stacks and their lifecycle states.
// Every mutation of a stack runs under that stack's lock; reads take
// snapshots and never wait for an operation.
type Registry struct {
	runner Runner
	states StateSource
	bus    *eventbus.Bus
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	stacks  map[string]*record
	locks   map[string]*nameLock
	streams map[string]*compose.LogWriter

	refreshGroup singleflight.Group
	now          func() time.Time
}

// New creates a Registry. states may be nil when no container engine is
// reachable; observed state then stays unknown.
func New(runner Runner, states StateSource, bus *eventbus.Bus, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StateTimeout <= 0 {
		opts.StateTimeout = 10 * time.Second
	}
	return &Registry{
		runner:  runner,
		states:  states,
		bus:     bus,
		opts:    opts,
		logger:  opts.Logger.With("module", "stack"),
		stacks:  make(map[string]*record),
		locks:   make(map[string]*nameLock),
		streams: make(map[string]*compose.LogWriter),
		now:     time.Now,
	}
}

// Reconcile rebuilds the index from the stacks directory and seeds each
// stack's state from the containers actually present.
func (r *Registry) Reconcile(ctx context.Context) error {
	names, err := r.runner.Discover()
	if err != nil {
		return err
	}
	observed, err := r.observe(ctx)
	if err != nil {
		r.logger.Warn("container state unavailable, states stay unknown", "err", err)
	}

	loaded := make(map[string]*record, len(names))
	for _, name := range names {
		composeYAML, env, err := r.runner.ReadFiles(name)
		if err != nil {
			r.logger.Warn("skipping unreadable stack", "stack", name, "err", err)
			continue
		}
		rec := &record{name: name, composeYAML: composeYAML, composeENV: env, state: StateUnknown, updatedAt: r.now()}
		if observed != nil {
			rec.containers = observed[name]
			rec.state = deriveState(rec.containers)
		}
		loaded[name] = rec
	}

	r.mu.Lock()
	r.stacks = loaded
	r.mu.Unlock()

	r.logger.Info("stacks reconciled", "count", len(loaded))
	return nil
}

// Refresh updates observed container states of every idle stack.
// Stacks with an operation in flight are skipped.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.refreshGroup.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

func (r *Registry) refresh(ctx context.Context) error {
	if _, err := os.Stat(r.runner.Root()); errors.Is(err, os.ErrNotExist) {
		return ErrStorageLost
	}
	observed, err := r.observe(ctx)
	if err != nil {
		return err
	}
	if observed == nil {
		return nil
	}

	r.mu.RLock()
	names := make([]string, 0, len(r.stacks))
	for name := range r.stacks {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		l := r.lockFor(name)
		if !l.tryAcquire() {
			r.unref(name, l)
			continue
		}
		r.mu.Lock()
		rec, ok := r.stacks[name]
		var changed bool
		var next State
		if ok {
			rec.containers = observed[name]
			next = refreshedState(rec.state, rec.containers)
			if next != rec.state {
				rec.state = next
				rec.updatedAt = r.now()
				changed = true
			}
		}
		r.mu.Unlock()
		l.release()
		r.unref(name, l)

		if changed {
			if next == StateExited {
				r.logger.Warn("stack exited unexpectedly", "stack", name)
			}
			r.publishState(name, next)
		}
	}
	return nil
}

func (r *Registry) observe(ctx context.Context) (map[string][]docker.ContainerState, error) {
	if r.states == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.StateTimeout)
	defer cancel()
	return r.states.ProjectStates(ctx)
}

// Get returns a snapshot of one stack.
func (r *Registry) Get(name string) (View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.stacks[name]
	if !ok {
		return View{}, ErrNotFound
	}
	return rec.view(), nil
}

// List returns snapshots of every stack ordered by name.
func (r *Registry) List() []View {
	r.mu.RLock()
	views := make([]View, 0, len(r.stacks))
	for _, rec := range r.stacks {
		views = append(views, rec.view())
	}
	r.mu.RUnlock()
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

// Logs returns the output stream of the operation currently running on
// name, if any.
func (r *Registry) Logs(name string) (*compose.LogWriter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lw, ok := r.streams[name]
	return lw, ok
}

// Save writes a stack's files. isCreate demands that the name is new;
// otherwise the stack must exist.
func (r *Registry) Save(ctx context.Context, name, composeYAML, env string, isCreate bool) (View, error) {
	if !compose.ValidName(name) {
		return View{}, ErrInvalidName
	}
	release, err := r.lock(ctx, name)
	if err != nil {
		return View{}, err
	}
	defer release()

	return r.save(name, composeYAML, env, isCreate)
}

// save must be called with the stack's lock held.
func (r *Registry) save(name, composeYAML, env string, isCreate bool) (View, error) {
	r.mu.RLock()
	_, known := r.stacks[name]
	r.mu.RUnlock()
	exists := known || r.runner.Exists(name)

	switch {
	case isCreate && exists:
		return View{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	case !isCreate && !exists:
		return View{}, ErrNotFound
	}

	if err := r.runner.WriteFiles(name, composeYAML, env); err != nil {
		return View{}, err
	}

	r.mu.Lock()
	rec, ok := r.stacks[name]
	if !ok {
		rec = &record{name: name, state: StateCreated}
		r.stacks[name] = rec
	}
	rec.composeYAML = composeYAML
	rec.composeENV = env
	rec.updatedAt = r.now()
	v := rec.view()
	r.mu.Unlock()

	if !ok {
		r.publishState(name, StateCreated)
	}
	r.logger.Info("stack saved", "stack", name, "created", !ok)
	return v, nil
}

// Deploy saves a stack and starts it under a single lock hold.
func (r *Registry) Deploy(ctx context.Context, name, composeYAML, env string, isCreate bool) (View, error) {
	if !compose.ValidName(name) {
		return View{}, ErrInvalidName
	}
	release, err := r.lock(ctx, name)
	if err != nil {
		return View{}, err
	}
	defer release()

	if _, err := r.save(name, composeYAML, env, isCreate); err != nil {
		return View{}, err
	}
	return r.start(ctx, name)
}

// Start brings a stack up.
func (r *Registry) Start(ctx context.Context, name string) (View, error) {
	release, err := r.lockExisting(ctx, name)
	if err != nil {
		return View{}, err
	}
	defer release()
	return r.start(ctx, name)
}

func (r *Registry) start(ctx context.Context, name string) (View, error) {
	_, err := r.operate(ctx, name, "start", "", r.runner.Start)
	if err != nil {
		return r.settle(ctx, name, StateError, err)
	}
	return r.settle(ctx, name, StateRunning, nil)
}

// Stop stops a stack. Stopping a stack that is not running succeeds
// without invoking the tool.
func (r *Registry) Stop(ctx context.Context, name string) (View, error) {
	release, err := r.lockExisting(ctx, name)
	if err != nil {
		return View{}, err
	}
	defer release()

	if v, _ := r.Get(name); v.State == StateStopped || v.State == StateCreated {
		return v, nil
	}
	if _, err := r.operate(ctx, name, "stop", "", r.runner.Stop); err != nil {
		return r.settle(ctx, name, StateError, err)
	}
	return r.settle(ctx, name, StateStopped, nil)
}

// Restart restarts a stack; a stack that never ran is started instead.
func (r *Registry) Restart(ctx context.Context, name string) (View, error) {
	release, err := r.lockExisting(ctx, name)
	if err != nil {
		return View{}, err
	}
	defer release()

	if v, _ := r.Get(name); v.State == StateCreated {
		return r.start(ctx, name)
	}
	if _, err := r.operate(ctx, name, "restart", StateRestarting, r.runner.Restart); err != nil {
		return r.settle(ctx, name, StateError, err)
	}
	return r.settle(ctx, name, StateRunning, nil)
}

// Update pulls newer images and recreates the stack. When the pull fails
// the containers are untouched and the previous state is kept.
func (r *Registry) Update(ctx context.Context, name string) (View, error) {
	release, err := r.lockExisting(ctx, name)
	if err != nil {
		return View{}, err
	}
	defer release()

	prev, _ := r.Get(name)
	if _, err := r.operate(ctx, name, "update", StateUpdating, r.runner.Update); err != nil {
		var opErr *compose.OperationError
		if errors.As(err, &opErr) && opErr.Verb == "pull" {
			return r.settle(ctx, name, prev.State, err)
		}
		return r.settle(ctx, name, StateError, err)
	}
	return r.settle(ctx, name, StateRunning, nil)
}

// Delete tears a stack down and removes its files. The stack leaves the
// index only once the files are gone.
func (r *Registry) Delete(ctx context.Context, name string) error {
	release, err := r.lockExisting(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	prev, _ := r.Get(name)
	teardown := prev.State != StateCreated
	_, err = r.operate(ctx, name, "delete", StateDeleting, func(ctx context.Context, name string, out io.Writer) (compose.Result, error) {
		return r.runner.Delete(ctx, name, teardown, out)
	})
	if err != nil && !errors.Is(err, compose.ErrStackNotFound) {
		_, err = r.settle(ctx, name, prev.State, err)
		return err
	}

	r.mu.Lock()
	delete(r.stacks, name)
	r.mu.Unlock()
	r.publishState(name, StateDeleted)
	r.logger.Info("stack deleted", "stack", name)
	return nil
}

type runFunc func(ctx context.Context, name string, out io.Writer) (compose.Result, error)

// operate runs one compose call with a fresh log stream. transient, when
// set, is published before the call starts.
func (r *Registry) operate(ctx context.Context, name, op string, transient State, run runFunc) (compose.Result, error) {
	if transient != "" {
		r.setState(name, transient)
	}

	logs := compose.NewLogWriter(0)
	r.mu.Lock()
	r.streams[name] = logs
	r.mu.Unlock()
	r.bus.Publish(eventbus.Event{
		Type:    eventbus.StackOperation,
		Stack:   name,
		Payload: OperationStarted{Name: name, Op: op, Origin: Origin(ctx), Logs: logs},
	})

	r.logger.Info("stack operation started", "stack", name, "op", op)
	res, err := run(ctx, name, logs)

	r.mu.Lock()
	if r.streams[name] == logs {
		delete(r.streams, name)
	}
	r.mu.Unlock()
	logs.Close()

	if err != nil {
		r.logger.Error("stack operation failed", "stack", name, "op", op, "err", err)
	} else {
		r.logger.Info("stack operation finished", "stack", name, "op", op, "took", res.Duration)
	}
	return res, err
}

// settle records the state reached after an operation, refreshing the
// container list first, and hands back err unchanged.
func (r *Registry) settle(ctx context.Context, name string, state State, err error) (View, error) {
	var containers []docker.ContainerState
	observed, obsErr := r.observe(ctx)
	if obsErr != nil {
		r.logger.Debug("container state unavailable", "stack", name, "err", obsErr)
	}

	r.mu.Lock()
	rec, ok := r.stacks[name]
	if !ok {
		r.mu.Unlock()
		return View{}, ErrDeleted
	}
	if observed != nil {
		containers = observed[name]
		rec.containers = containers
	}
	changed := rec.state != state
	rec.state = state
	rec.updatedAt = r.now()
	v := rec.view()
	r.mu.Unlock()

	if changed {
		r.publishState(name, state)
	}
	return v, err
}

func (r *Registry) setState(name string, state State) {
	r.mu.Lock()
	rec, ok := r.stacks[name]
	if ok {
		rec.state = state
		rec.updatedAt = r.now()
	}
	r.mu.Unlock()
	if ok {
		r.publishState(name, state)
	}
}

func (r *Registry) publishState(name string, state State) {
	r.bus.Publish(eventbus.Event{
		Type:    eventbus.StackState,
		Stack:   name,
		Payload: StateChange{Name: name, State: state},
	})
}

// lockFor returns name's lock and counts the caller as a user until unref.
func (r *Registry) lockFor(name string) *nameLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = newNameLock()
		r.locks[name] = l
	}
	l.refs++
	return l
}

// unref drops one user of name's lock. A lock nobody holds or waits for is
// forgotten.
func (r *Registry) unref(name string, l *nameLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.refs--
	if l.refs == 0 && r.locks[name] == l {
		delete(r.locks, name)
	}
}

// lock acquires name's lock and returns its release function.
func (r *Registry) lock(ctx context.Context, name string) (func(), error) {
	l := r.lockFor(name)
	if err := l.acquire(ctx, r.opts.LockTimeout); err != nil {
		r.unref(name, l)
		if errors.Is(err, ErrLockTimeout) {
			r.logger.Warn("gave up waiting for stack lock", "stack", name, "timeout", r.opts.LockTimeout)
		}
		return nil, err
	}
	return func() {
		l.release()
		r.unref(name, l)
	}, nil
}

// lockExisting acquires the lock and then checks that the stack still
// exists, so a caller queued behind a delete observes the deletion.
func (r *Registry) lockExisting(ctx context.Context, name string) (func(), error) {
	if !compose.ValidName(name) {
		return nil, ErrInvalidName
	}
	release, err := r.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	_, ok := r.stacks[name]
	r.mu.RUnlock()
	if !ok {
		release()
		return nil, ErrNotFound
	}
	return release, nil
}
