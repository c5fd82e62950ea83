package protocol

import "fmt"

// Event enumerates the inbound request names.
type Event int

const (
	EventSetup Event = iota + 1
	EventNeedSetup
	EventLogin
	EventLoginByToken
	EventLogout
	EventChangePassword
	EventGetSettings
	EventSetSettings
	EventComposerize
	EventAgent
	EventAddAgent
	EventRemoveAgent
	EventGetAgentList
	EventPrepare2FA
	EventSave2FA
	EventDisable2FA
	EventTwoFAStatus
)

var eventNames = map[string]Event{
	"setup":          EventSetup,
	"needSetup":      EventNeedSetup,
	"login":          EventLogin,
	"loginByToken":   EventLoginByToken,
	"logout":         EventLogout,
	"changePassword": EventChangePassword,
	"getSettings":    EventGetSettings,
	"setSettings":    EventSetSettings,
	"composerize":    EventComposerize,
	"agent":          EventAgent,
	"addAgent":       EventAddAgent,
	"removeAgent":    EventRemoveAgent,
	"getAgentList":   EventGetAgentList,
	"prepare2FA":     EventPrepare2FA,
	"save2FA":        EventSave2FA,
	"disable2FA":     EventDisable2FA,
	"twoFAStatus":    EventTwoFAStatus,
}

func (e Event) String() string {
	for name, ev := range eventNames {
		if ev == e {
			return name
		}
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// RequiresAuth reports whether the channel must hold a valid session.
func (e Event) RequiresAuth() bool {
	switch e {
	case EventSetup, EventNeedSetup, EventLogin, EventLoginByToken:
		return false
	}
	return true
}

// Request is a decoded inbound request. The concrete types below are the
// only implementations.
type Request interface {
	Event() Event
}

type (
	SetupRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	NeedSetupRequest struct{}
	LoginRequest     struct {
		Username string `json:"username"`
		Password string `json:"password"`
		// Token is the two-factor code, if the user enabled it.
		Token string `json:"token"`
	}
	LoginByTokenRequest struct {
		Token string
	}
	LogoutRequest         struct{}
	ChangePasswordRequest struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	GetSettingsRequest struct{}
	SetSettingsRequest struct {
		Settings        map[string]any
		CurrentPassword string
	}
	ComposerizeRequest struct {
		Command string
	}
	AgentRequest struct {
		Endpoint string
		Op       Op
	}
	AddAgentRequest struct {
		URL      string `json:"url"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	RemoveAgentRequest struct {
		Endpoint string
	}
	GetAgentListRequest struct{}
	Prepare2FARequest   struct {
		CurrentPassword string
	}
	Save2FARequest struct {
		Code            string
		CurrentPassword string
	}
	Disable2FARequest struct {
		CurrentPassword string
	}
	TwoFAStatusRequest struct{}
)

func (SetupRequest) Event() Event          { return EventSetup }
func (NeedSetupRequest) Event() Event      { return EventNeedSetup }
func (LoginRequest) Event() Event          { return EventLogin }
func (LoginByTokenRequest) Event() Event   { return EventLoginByToken }
func (LogoutRequest) Event() Event         { return EventLogout }
func (ChangePasswordRequest) Event() Event { return EventChangePassword }
func (GetSettingsRequest) Event() Event    { return EventGetSettings }
func (SetSettingsRequest) Event() Event    { return EventSetSettings }
func (ComposerizeRequest) Event() Event    { return EventComposerize }
func (AgentRequest) Event() Event          { return EventAgent }
func (AddAgentRequest) Event() Event       { return EventAddAgent }
func (RemoveAgentRequest) Event() Event    { return EventRemoveAgent }
func (GetAgentListRequest) Event() Event   { return EventGetAgentList }
func (Prepare2FARequest) Event() Event     { return EventPrepare2FA }
func (Save2FARequest) Event() Event        { return EventSave2FA }
func (Disable2FARequest) Event() Event     { return EventDisable2FA }
func (TwoFAStatusRequest) Event() Event    { return EventTwoFAStatus }

// LookupEvent maps a wire name to its Event.
func LookupEvent(name string) (Event, error) {
	ev, ok := eventNames[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return ev, nil
}

// DecodeRequest decodes the arguments of event name into its request type.
func DecodeRequest(name string, args Args) (Request, error) {
	ev, err := LookupEvent(name)
	if err != nil {
		return nil, err
	}

	switch ev {
	case EventSetup:
		var req SetupRequest
		if err := credentials(args, &req, &req.Username, &req.Password); err != nil {
			return nil, err
		}
		return req, nil

	case EventNeedSetup:
		return NeedSetupRequest{}, nil

	case EventLogin:
		var req LoginRequest
		if err := credentials(args, &req, &req.Username, &req.Password); err != nil {
			return nil, err
		}
		if !args.IsObject(0) {
			if req.Token, err = args.OptString(2, "token"); err != nil {
				return nil, err
			}
		}
		return req, nil

	case EventLoginByToken:
		token, err := args.String(0, "token")
		if err != nil {
			return nil, err
		}
		return LoginByTokenRequest{Token: token}, nil

	case EventLogout:
		return LogoutRequest{}, nil

	case EventChangePassword:
		var req ChangePasswordRequest
		if err := credentials(args, &req, &req.CurrentPassword, &req.NewPassword); err != nil {
			return nil, err
		}
		return req, nil

	case EventGetSettings:
		return GetSettingsRequest{}, nil

	case EventSetSettings:
		var req SetSettingsRequest
		if err := args.Object(0, "settings", &req.Settings); err != nil {
			return nil, err
		}
		if req.CurrentPassword, err = args.OptString(1, "current password"); err != nil {
			return nil, err
		}
		return req, nil

	case EventComposerize:
		cmd, err := args.String(0, "command")
		if err != nil {
			return nil, err
		}
		return ComposerizeRequest{Command: cmd}, nil

	case EventAgent:
		endpoint, err := args.OptString(0, "endpoint")
		if err != nil {
			return nil, err
		}
		opName, err := args.String(1, "operation")
		if err != nil {
			return nil, err
		}
		var rest Args
		if len(args) > 2 {
			rest = args[2:]
		}
		op, err := DecodeOp(opName, rest)
		if err != nil {
			return nil, err
		}
		return AgentRequest{Endpoint: endpoint, Op: op}, nil

	case EventAddAgent:
		var req AddAgentRequest
		if args.IsObject(0) {
			if err := args.Object(0, "agent", &req); err != nil {
				return nil, err
			}
		} else {
			if req.URL, err = args.String(0, "url"); err != nil {
				return nil, err
			}
			if req.Username, err = args.String(1, "username"); err != nil {
				return nil, err
			}
			if req.Password, err = args.OptString(2, "password"); err != nil {
				return nil, err
			}
		}
		if req.URL == "" || req.Username == "" {
			return nil, fmt.Errorf("%w: url and username are required", ErrBadArguments)
		}
		return req, nil

	case EventRemoveAgent:
		endpoint, err := args.String(0, "endpoint")
		if err != nil {
			return nil, err
		}
		return RemoveAgentRequest{Endpoint: endpoint}, nil

	case EventGetAgentList:
		return GetAgentListRequest{}, nil

	case EventPrepare2FA:
		pw, err := args.String(0, "current password")
		if err != nil {
			return nil, err
		}
		return Prepare2FARequest{CurrentPassword: pw}, nil

	case EventSave2FA:
		code, err := args.String(0, "code")
		if err != nil {
			return nil, err
		}
		pw, err := args.String(1, "current password")
		if err != nil {
			return nil, err
		}
		return Save2FARequest{Code: code, CurrentPassword: pw}, nil

	case EventDisable2FA:
		pw, err := args.String(0, "current password")
		if err != nil {
			return nil, err
		}
		return Disable2FARequest{CurrentPassword: pw}, nil

	case EventTwoFAStatus:
		return TwoFAStatusRequest{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

// credentials decodes either ("a", "b") or ({...}) into first and second.
func credentials(args Args, obj any, first, second *string) error {
	if args.IsObject(0) {
		return args.Object(0, "credentials", obj)
	}
	var err error
	if *first, err = args.OptString(0, "first argument"); err != nil {
		return err
	}
	if *second, err = args.OptString(1, "second argument"); err != nil {
		return err
	}
	return nil
}
