package protocol

import "fmt"

// OpKind enumerates the stack operations carried by the "agent" event.
type OpKind int

const (
	OpListStacks OpKind = iota + 1
	OpGetStack
	OpSaveStack
	OpDeployStack
	OpDeleteStack
	OpStartStack
	OpStopStack
	OpRestartStack
	OpUpdateStack
)

var opNames = map[string]OpKind{
	"requestStackList": OpListStacks,
	"getStackList":     OpListStacks,
	"getStack":         OpGetStack,
	"saveStack":        OpSaveStack,
	"deployStack":      OpDeployStack,
	"deleteStack":      OpDeleteStack,
	"startStack":       OpStartStack,
	"stopStack":        OpStopStack,
	"restartStack":     OpRestartStack,
	"updateStack":      OpUpdateStack,
}

// String returns the canonical wire name.
func (k OpKind) String() string {
	switch k {
	case OpListStacks:
		return "requestStackList"
	case OpGetStack:
		return "getStack"
	case OpSaveStack:
		return "saveStack"
	case OpDeployStack:
		return "deployStack"
	case OpDeleteStack:
		return "deleteStack"
	case OpStartStack:
		return "startStack"
	case OpStopStack:
		return "stopStack"
	case OpRestartStack:
		return "restartStack"
	case OpUpdateStack:
		return "updateStack"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// Mutating reports whether the operation changes a stack and therefore runs
// under the stack's lock.
func (k OpKind) Mutating() bool {
	switch k {
	case OpListStacks, OpGetStack:
		return false
	}
	return true
}

// Op is a decoded stack operation. Only the fields relevant to Kind are set.
type Op struct {
	Kind        OpKind
	Stack       string
	ComposeYAML string
	ComposeENV  string
	IsCreate    bool
}

// Args re-encodes the operation for forwarding to another server.
func (o Op) Args() []any {
	switch o.Kind {
	case OpListStacks:
		return nil
	case OpSaveStack, OpDeployStack:
		return []any{o.Stack, o.ComposeYAML, o.ComposeENV, o.IsCreate}
	}
	return []any{o.Stack}
}

// DecodeOp turns an operation name and its arguments into an Op.
func DecodeOp(name string, args Args) (Op, error) {
	kind, ok := opNames[name]
	if !ok {
		return Op{}, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	op := Op{Kind: kind}
	if kind == OpListStacks {
		return op, nil
	}

	var err error
	if op.Stack, err = args.String(0, "stack name"); err != nil {
		return Op{}, err
	}
	if kind == OpSaveStack || kind == OpDeployStack {
		if op.ComposeYAML, err = args.String(1, "compose yaml"); err != nil {
			return Op{}, err
		}
		if op.ComposeENV, err = args.OptString(2, "env"); err != nil {
			return Op{}, err
		}
		if op.IsCreate, err = args.Bool(3, "isCreate"); err != nil {
			return Op{}, err
		}
	}
	return op, nil
}
