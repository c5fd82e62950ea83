package stack

import (
	"context"
	"fmt"

	"github.com/web-casa/stackpilot/internal/protocol"
)

// Execute runs a decoded stack operation against the local registry.
func (r *Registry) Execute(ctx context.Context, op protocol.Op) (protocol.Ack, error) {
	switch op.Kind {
	case protocol.OpListStacks:
		return protocol.Ack{OK: true, StackList: r.List()}, nil

	case protocol.OpGetStack:
		v, err := r.Get(op.Stack)
		if err != nil {
			return protocol.Ack{}, err
		}
		return protocol.Ack{OK: true, Stack: v}, nil

	case protocol.OpSaveStack:
		if _, err := r.Save(ctx, op.Stack, op.ComposeYAML, op.ComposeENV, op.IsCreate); err != nil {
			return protocol.Ack{}, err
		}
		return protocol.OK("Saved"), nil

	case protocol.OpDeployStack:
		if _, err := r.Deploy(ctx, op.Stack, op.ComposeYAML, op.ComposeENV, op.IsCreate); err != nil {
			return protocol.Ack{}, err
		}
		return protocol.OK("Deployed"), nil

	case protocol.OpDeleteStack:
		if err := r.Delete(ctx, op.Stack); err != nil {
			return protocol.Ack{}, err
		}
		return protocol.OK("Deleted"), nil

	case protocol.OpStartStack:
		if _, err := r.Start(ctx, op.Stack); err != nil {
			return protocol.Ack{}, err
		}
		return protocol.OK("Started"), nil

	case protocol.OpStopStack:
		if _, err := r.Stop(ctx, op.Stack); err != nil {
			return protocol.Ack{}, err
		}
		return protocol.OK("Stopped"), nil

	case protocol.OpRestartStack:
		if _, err := r.Restart(ctx, op.Stack); err != nil {
			return protocol.Ack{}, err
		}
		return protocol.OK("Restarted"), nil

	case protocol.OpUpdateStack:
		if _, err := r.Update(ctx, op.Stack); err != nil {
			return protocol.Ack{}, err
		}
		return protocol.OK("Updated"), nil
	}
	return protocol.Ack{}, fmt.Errorf("%w: %s", protocol.ErrUnknownOperation, op.Kind)
}
