package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/web-casa/stackpilot/internal/agent"
	"github.com/web-casa/stackpilot/internal/auth"
	"github.com/web-casa/stackpilot/internal/protocol"
	"github.com/web-casa/stackpilot/internal/service"
	"github.com/web-casa/stackpilot/internal/stack"
)

// Authenticator issues and verifies sessions.
type Authenticator interface {
	NeedSetup(ctx context.Context) (bool, error)
	Setup(ctx context.Context, username, password string) error
	Login(ctx context.Context, username, password, code, remote string) (service.Session, error)
	VerifyToken(ctx context.Context, token string) (service.Session, error)
	ChangePassword(ctx context.Context, username, current, next string) (service.Session, error)
}

// Settings stores user preferences.
type Settings interface {
	GetSettings(ctx context.Context) (map[string]any, error)
	SetSettings(ctx context.Context, username string, settings map[string]any, currentPassword string) error
}

// Agents manages the registered remote agents.
type Agents interface {
	Add(ctx context.Context, rawURL, username, password string) (service.AgentInfo, error)
	Remove(ctx context.Context, endpoint string) error
	List(ctx context.Context) ([]service.AgentInfo, error)
}

// Router executes stack operations locally or on an agent.
type Router interface {
	Dispatch(ctx context.Context, caller agent.Caller, targetID string, op protocol.Op) (protocol.Ack, error)
}

// Translator turns a docker run command into compose YAML.
type Translator interface {
	Translate(command string) (string, error)
}

// Revoker ends the sessions of a user on other channels.
type Revoker interface {
	RevokeIdentity(identity, exceptID string) int
}

// TwoFactor manages the second login factor of a user.
type TwoFactor interface {
	Prepare(ctx context.Context, username, password string) (string, error)
	Enable(ctx context.Context, username, code, password string) ([]string, error)
	Disable(ctx context.Context, username, password string) error
	Status(ctx context.Context, username string) (bool, error)
}

// Deps are the collaborators of a Dispatcher. Everything but Auth and
// Router is optional; the events needing a missing one fail.
type Deps struct {
	Auth       Authenticator
	Settings   Settings
	Agents     Agents
	Router     Router
	Translator Translator
	Revoker    Revoker
	TwoFactor  TwoFactor
}

// Dispatcher is the single entry point for inbound requests.
type Dispatcher struct {
	deps   Deps
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps Deps, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{deps: deps, logger: logger.With("module", "dispatcher")}
}

// Handle serves one request. ack may be nil for fire-and-forget requests;
// otherwise it is called exactly once, including when the handler panics.
func (d *Dispatcher) Handle(ctx context.Context, peer Peer, name string, args protocol.Args, ack AckFunc) {
	respond := func(a protocol.Ack) {
		if ack != nil {
			ack(a)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in handler", "event", name, "channel", peer.ID(), "panic", r, "stack", string(debug.Stack()))
			respond(protocol.Fail(internalErrorMsg))
		}
	}()

	ev, err := protocol.LookupEvent(name)
	if err != nil {
		respond(d.fail(peer, name, err))
		return
	}
	if ev.RequiresAuth() {
		if _, ok := peer.Session(); !ok {
			respond(d.fail(peer, name, auth.ErrNotAuthenticated))
			return
		}
	}
	req, err := protocol.DecodeRequest(name, args)
	if err != nil {
		respond(d.fail(peer, name, err))
		return
	}

	a, err := d.serve(ctx, peer, req)
	if err != nil {
		respond(d.fail(peer, name, err))
		return
	}
	respond(a)
}

func (d *Dispatcher) fail(peer Peer, event string, err error) protocol.Ack {
	k, msg := classify(err)
	level := slog.LevelInfo
	if k == kindInternal {
		level = slog.LevelError
	}
	d.logger.Log(context.Background(), level, "request failed",
		"event", event, "channel", peer.ID(), "kind", string(k), "err", err)
	return protocol.Fail(msg)
}

var errUnavailable = errors.New("feature not configured")

func (d *Dispatcher) serve(ctx context.Context, peer Peer, req protocol.Request) (protocol.Ack, error) {
	switch req := req.(type) {
	case protocol.SetupRequest:
		if err := d.deps.Auth.Setup(ctx, req.Username, req.Password); err != nil {
			return protocol.Ack{}, err
		}
		return protocol.OK("Added Successfully."), nil

	case protocol.NeedSetupRequest:
		need, err := d.deps.Auth.NeedSetup(ctx)
		if err != nil {
			return protocol.Ack{}, err
		}
		return protocol.Ack{OK: true, Data: need}, nil

	case protocol.LoginRequest:
		sess, err := d.deps.Auth.Login(ctx, req.Username, req.Password, req.Token, peer.RemoteAddr())
		if errors.Is(err, auth.ErrTwoFactorRequired) {
			return protocol.Ack{OK: false, Msg: err.Error(), TokenRequired: true}, nil
		}
		if err != nil {
			return protocol.Ack{}, err
		}
		peer.Bind(sess)
		d.logger.Info("user logged in", "user", sess.Identity, "channel", peer.ID())
		return protocol.Ack{OK: true, Token: sess.Token}, nil

	case protocol.LoginByTokenRequest:
		sess, err := d.deps.Auth.VerifyToken(ctx, req.Token)
		if err != nil {
			return protocol.Ack{}, err
		}
		peer.Bind(sess)
		return protocol.Ack{OK: true}, nil

	case protocol.LogoutRequest:
		peer.Unbind()
		return protocol.Ack{OK: true}, nil

	case protocol.ChangePasswordRequest:
		identity := peer.Identity()
		sess, err := d.deps.Auth.ChangePassword(ctx, identity, req.CurrentPassword, req.NewPassword)
		if err != nil {
			return protocol.Ack{}, err
		}
		peer.Bind(sess)
		if d.deps.Revoker != nil {
			d.deps.Revoker.RevokeIdentity(identity, peer.ID())
		}
		return protocol.Ack{OK: true, Msg: "Password has been updated successfully.", Token: sess.Token}, nil

	case protocol.GetSettingsRequest:
		if d.deps.Settings == nil {
			return protocol.Ack{}, errUnavailable
		}
		settings, err := d.deps.Settings.GetSettings(ctx)
		if err != nil {
			return protocol.Ack{}, err
		}
		return protocol.Ack{OK: true, Data: settings}, nil

	case protocol.SetSettingsRequest:
		if d.deps.Settings == nil {
			return protocol.Ack{}, errUnavailable
		}
		if err := d.deps.Settings.SetSettings(ctx, peer.Identity(), req.Settings, req.CurrentPassword); err != nil {
			return protocol.Ack{}, err
		}
		return protocol.OK("Saved"), nil

	case protocol.ComposerizeRequest:
		if d.deps.Translator == nil {
			return protocol.Ack{}, errUnavailable
		}
		out, err := d.deps.Translator.Translate(req.Command)
		if err != nil {
			return protocol.Ack{}, fmt.Errorf("%w: %v", protocol.ErrBadArguments, err)
		}
		return protocol.Ack{OK: true, ComposeYAML: out}, nil

	case protocol.AgentRequest:
		if agent.IsLocal(req.Endpoint) && req.Op.Kind.Mutating() {
			ctx = stack.WithOrigin(ctx, peer.ID())
		}
		return d.deps.Router.Dispatch(ctx, peer, req.Endpoint, req.Op)

	case protocol.AddAgentRequest:
		if d.deps.Agents == nil {
			return protocol.Ack{}, errUnavailable
		}
		info, err := d.deps.Agents.Add(ctx, req.URL, req.Username, req.Password)
		if err != nil {
			return protocol.Ack{}, err
		}
		return protocol.Ack{OK: true, Msg: "Added", Data: info}, nil

	case protocol.RemoveAgentRequest:
		if d.deps.Agents == nil {
			return protocol.Ack{}, errUnavailable
		}
		if err := d.deps.Agents.Remove(ctx, req.Endpoint); err != nil {
			return protocol.Ack{}, err
		}
		return protocol.OK("Removed"), nil

	case protocol.GetAgentListRequest:
		if d.deps.Agents == nil {
			return protocol.Ack{}, errUnavailable
		}
		list, err := d.deps.Agents.List(ctx)
		if err != nil {
			return protocol.Ack{}, err
		}
		return protocol.Ack{OK: true, AgentList: list}, nil

	case protocol.Prepare2FARequest:
		if d.deps.TwoFactor == nil {
			return protocol.Ack{}, errUnavailable
		}
		uri, err := d.deps.TwoFactor.Prepare(ctx, peer.Identity(), req.CurrentPassword)
		if err != nil {
			return protocol.Ack{}, err
		}
		return protocol.Ack{OK: true, Data: uri}, nil

	case protocol.Save2FARequest:
		if d.deps.TwoFactor == nil {
			return protocol.Ack{}, errUnavailable
		}
		codes, err := d.deps.TwoFactor.Enable(ctx, peer.Identity(), req.Code, req.CurrentPassword)
		if err != nil {
			return protocol.Ack{}, err
		}
		return protocol.Ack{OK: true, Msg: "2FA Enabled.", Data: codes}, nil

	case protocol.Disable2FARequest:
		if d.deps.TwoFactor == nil {
			return protocol.Ack{}, errUnavailable
		}
		if err := d.deps.TwoFactor.Disable(ctx, peer.Identity(), req.CurrentPassword); err != nil {
			return protocol.Ack{}, err
		}
		return protocol.OK("2FA Disabled."), nil

	case protocol.TwoFAStatusRequest:
		if d.deps.TwoFactor == nil {
			return protocol.Ack{OK: true, Data: false}, nil
		}
		enabled, err := d.deps.TwoFactor.Status(ctx, peer.Identity())
		if err != nil {
			return protocol.Ack{}, err
		}
		return protocol.Ack{OK: true, Data: enabled}, nil
	}
	return protocol.Ack{}, fmt.Errorf("%w: %T", protocol.ErrUnknownEvent, req)
}
