// Package agent routes stack operations either to the local registry or to
// a remote control plane reached over its own socket endpoint.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/web-casa/stackpilot/internal/protocol"
)

// Local is the target id naming this server. The empty string means the same.
const Local = "local"

var (
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrAgentUnreachable = errors.New("agent unreachable")
	ErrForwardTimeout   = errors.New("forwarded operation timed out")
)

// forwardSlack covers the network round trip on top of the remote's own bounds.
const forwardSlack = 30 * time.Second

// ForwardTimeout is the longest a remote operation may legitimately take:
// waiting for the stack lock, then an update's pull and up, each bounded by
// composeTimeout. It returns 0, meaning no bound, when either side is
// unbounded.
func ForwardTimeout(composeTimeout, lockTimeout time.Duration) time.Duration {
	if composeTimeout <= 0 || lockTimeout <= 0 {
		return 0
	}
	return lockTimeout + 2*composeTimeout + forwardSlack
}

// Target is a resolved remote agent.
type Target struct {
	Endpoint string
	URL      string
	Username string
	Password string
}

// Executor runs operations in-process.
type Executor interface {
	Execute(ctx context.Context, op protocol.Op) (protocol.Ack, error)
}

// Resolver maps a target id onto a Target. It returns ErrUnknownAgent for ids
// it does not know.
type Resolver interface {
	Resolve(ctx context.Context, endpoint string) (Target, error)
}

// Caller is the channel on whose behalf an operation runs.
type Caller interface {
	Identity() string
	Push(event string, args ...any)
}

// PushFunc receives server-initiated events from a remote agent.
type PushFunc func(event string, args []json.RawMessage)

// Conn is an authenticated-to-be connection to a remote agent.
type Conn interface {
	Login(ctx context.Context, username, password string) error
	Call(ctx context.Context, event string, args []any, onPush PushFunc) (protocol.Ack, error)
	Close() error
}

// Dialer opens connections to remote agents.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// Router sends each operation to the server named by its target id.
// It keeps no per-operation state: every remote call dials afresh and
// nothing is retried.
type Router struct {
	local       Executor
	targets     Resolver
	dial        Dialer
	dialTimeout time.Duration
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewRouter creates a Router. callTimeout bounds a forwarded operation
// after login (see ForwardTimeout); 0 leaves it unbounded.
func NewRouter(local Executor, targets Resolver, dial Dialer, dialTimeout, callTimeout time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		local:       local,
		targets:     targets,
		dial:        dial,
		dialTimeout: dialTimeout,
		callTimeout: callTimeout,
		logger:      logger.With("module", "agent"),
	}
}

// IsLocal reports whether targetID names this server.
func IsLocal(targetID string) bool {
	return targetID == "" || targetID == Local
}

// Dispatch executes op on targetID. A remote acknowledgement is returned
// as received, including failed ones.
func (r *Router) Dispatch(ctx context.Context, caller Caller, targetID string, op protocol.Op) (protocol.Ack, error) {
	if IsLocal(targetID) {
		return r.local.Execute(ctx, op)
	}
	if r.targets == nil || r.dial == nil {
		return protocol.Ack{}, fmt.Errorf("%w: %s", ErrUnknownAgent, targetID)
	}

	target, err := r.targets.Resolve(ctx, targetID)
	if err != nil {
		return protocol.Ack{}, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()
	conn, err := r.dial.Dial(dialCtx, target)
	if err != nil {
		r.logger.Warn("agent dial failed", "endpoint", target.Endpoint, "err", err)
		return protocol.Ack{}, fmt.Errorf("%w: %s: %v", ErrAgentUnreachable, target.Endpoint, err)
	}
	defer conn.Close()

	if err := conn.Login(dialCtx, target.Username, target.Password); err != nil {
		r.logger.Warn("agent login failed", "endpoint", target.Endpoint, "err", err)
		return protocol.Ack{}, fmt.Errorf("%w: %s: login: %v", ErrAgentUnreachable, target.Endpoint, err)
	}

	callCtx := ctx
	if r.callTimeout > 0 {
		var cancelCall context.CancelFunc
		callCtx, cancelCall = context.WithTimeout(ctx, r.callTimeout)
		defer cancelCall()
	}

	args := append([]any{"", op.Kind.String()}, op.Args()...)
	identity := ""
	if caller != nil {
		identity = caller.Identity()
	}
	r.logger.Info("forwarding operation", "endpoint", target.Endpoint, "op", op.Kind.String(), "stack", op.Stack, "user", identity)

	ack, err := conn.Call(callCtx, "agent", args, r.relay(caller, target.Endpoint))
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("forwarded operation timed out", "endpoint", target.Endpoint, "op", op.Kind.String(), "stack", op.Stack, "timeout", r.callTimeout)
			return protocol.Ack{}, fmt.Errorf("%w: %s %s %s after %s", ErrForwardTimeout, target.Endpoint, op.Kind.String(), op.Stack, r.callTimeout)
		}
		return protocol.Ack{}, fmt.Errorf("%w: %s: %v", ErrAgentUnreachable, target.Endpoint, err)
	}
	return ack, nil
}

// relay forwards the remote's log and status pushes to the caller, tagged
// with the endpoint they came from.
func (r *Router) relay(caller Caller, endpoint string) PushFunc {
	return func(event string, args []json.RawMessage) {
		if caller == nil || len(args) == 0 {
			return
		}
		switch event {
		case protocol.PushStackLog:
			var msg protocol.StackLog
			if err := json.Unmarshal(args[0], &msg); err != nil {
				return
			}
			msg.Endpoint = endpoint
			caller.Push(event, msg)
		case protocol.PushStackStatus:
			var msg protocol.StackStatus
			if err := json.Unmarshal(args[0], &msg); err != nil {
				return
			}
			msg.Endpoint = endpoint
			caller.Push(event, msg)
		}
	}
}
