package protocol

// Ack is the uniform acknowledgement envelope. Optional fields are omitted
// from the JSON when empty, so a failed login carries no token key at all.
type Ack struct {
	OK          bool   `json:"ok"`
	Msg         string `json:"msg,omitempty"`
	Token       string `json:"token,omitempty"`
	Data        any    `json:"data,omitempty"`
	Stack       any    `json:"stack,omitempty"`
	StackList   any    `json:"stackList,omitempty"`
	AgentList   any    `json:"agentList,omitempty"`
	ComposeYAML string `json:"composeYaml,omitempty"`

	// TokenRequired asks the client for a two-factor code.
	TokenRequired bool `json:"tokenRequired,omitempty"`
}

// OK returns a successful ack with an optional message.
func OK(msg string) Ack { return Ack{OK: true, Msg: msg} }

// Fail returns a failed ack.
func Fail(msg string) Ack { return Ack{OK: false, Msg: msg} }

// Server-initiated events.
const (
	PushStackLog    = "stackLog"
	PushStackStatus = "stackStatus"
	PushStackList   = "stackList"
	PushRefresh     = "refresh"
)

// StackLog carries one output line of a running stack operation.
// Endpoint is empty for stacks managed by this server.
type StackLog struct {
	Endpoint string `json:"endpoint"`
	Stack    string `json:"stack"`
	Line     string `json:"line"`
}

// StackStatus announces a lifecycle state change.
type StackStatus struct {
	Endpoint string `json:"endpoint"`
	Name     string `json:"name"`
	State    string `json:"state"`
}
