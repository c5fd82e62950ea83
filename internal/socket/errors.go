package socket

import (
	"errors"

	"github.com/web-casa/stackpilot/internal/agent"
	"github.com/web-casa/stackpilot/internal/auth"
	"github.com/web-casa/stackpilot/internal/compose"
	"github.com/web-casa/stackpilot/internal/protocol"
	"github.com/web-casa/stackpilot/internal/service"
	"github.com/web-casa/stackpilot/internal/stack"
)

// kind groups errors for logging and for deciding what a client may see.
type kind string

const (
	kindAuthentication kind = "authentication"
	kindValidation     kind = "validation"
	kindNotFound       kind = "not_found"
	kindConflict       kind = "conflict"
	kindExternalTool   kind = "external_tool"
	kindRouting        kind = "routing"
	kindInternal       kind = "internal"
)

const internalErrorMsg = "internal error"

// classify maps err onto its kind and the message sent to the client.
// Internal errors are never described to the client.
func classify(err error) (kind, string) {
	var opErr *compose.OperationError
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMalformedToken),
		errors.Is(err, auth.ErrSetupAlreadyComplete),
		errors.Is(err, auth.ErrNotAuthenticated),
		errors.Is(err, auth.ErrTooManyAttempts),
		errors.Is(err, auth.ErrTwoFactorRequired),
		errors.Is(err, service.ErrInvalidTwoFactorCode):
		return kindAuthentication, err.Error()

	case errors.Is(err, compose.ErrInvalidComposeSyntax),
		errors.Is(err, compose.ErrInvalidName),
		errors.Is(err, stack.ErrInvalidName),
		errors.Is(err, stack.ErrAlreadyExists),
		errors.Is(err, service.ErrInvalidPassword),
		errors.Is(err, service.ErrInvalidAgent),
		errors.Is(err, protocol.ErrUnknownEvent),
		errors.Is(err, protocol.ErrUnknownOperation),
		errors.Is(err, protocol.ErrBadArguments):
		return kindValidation, err.Error()

	case errors.Is(err, stack.ErrNotFound),
		errors.Is(err, compose.ErrStackNotFound),
		errors.Is(err, agent.ErrUnknownAgent):
		return kindNotFound, err.Error()

	case errors.Is(err, stack.ErrLockTimeout),
		errors.Is(err, stack.ErrDeleted),
		errors.Is(err, service.ErrTwoFactorEnabled),
		errors.Is(err, service.ErrTwoFactorDisabled),
		errors.Is(err, service.ErrTwoFactorNotPrepared):
		return kindConflict, err.Error()

	case errors.As(err, &opErr),
		errors.Is(err, agent.ErrForwardTimeout):
		return kindExternalTool, err.Error()

	case errors.Is(err, agent.ErrAgentUnreachable):
		return kindRouting, err.Error()
	}
	return kindInternal, internalErrorMsg
}
