package socket

import (
	"context"
	"log/slog"
	"sync"

	"github.com/web-casa/stackpilot/internal/eventbus"
	"github.com/web-casa/stackpilot/internal/protocol"
	"github.com/web-casa/stackpilot/internal/stack"
)

// Hub tracks connected channels and fans registry events out to them.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	unsubs   []func()
	logger   *slog.Logger
}

// NewHub creates a Hub listening to bus.
func NewHub(bus *eventbus.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		channels: make(map[string]*Channel),
		logger:   logger.With("module", "socket"),
	}
	if bus != nil {
		h.unsubs = append(h.unsubs,
			bus.Subscribe(eventbus.StackState, h.onStackState),
			bus.Subscribe(eventbus.StackOperation, h.onStackOperation),
		)
	}
	return h
}

// Close stops listening to the event bus.
func (h *Hub) Close() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
}

func (h *Hub) register(c *Channel) {
	h.mu.Lock()
	h.channels[c.id] = c
	n := len(h.channels)
	h.mu.Unlock()
	h.logger.Info("channel connected", "channel", c.id, "remote", c.remote, "channels", n)
}

func (h *Hub) unregister(c *Channel) {
	h.mu.Lock()
	_, ok := h.channels[c.id]
	delete(h.channels, c.id)
	n := len(h.channels)
	h.mu.Unlock()
	if ok {
		h.logger.Info("channel disconnected", "channel", c.id, "remote", c.remote, "channels", n)
	}
}

func (h *Hub) snapshot() []*Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Channel, 0, len(h.channels))
	for _, c := range h.channels {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connected channels.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Broadcast pushes an event to every authenticated channel.
func (h *Hub) Broadcast(event string, args ...any) {
	for _, c := range h.snapshot() {
		if c.authenticated() {
			c.Push(event, args...)
		}
	}
}

// RevokeIdentity unbinds every channel of identity except exceptID and
// asks those clients to log in again.
func (h *Hub) RevokeIdentity(identity, exceptID string) int {
	n := 0
	for _, c := range h.snapshot() {
		if c.id == exceptID || c.Identity() != identity {
			continue
		}
		c.Unbind()
		c.Push(protocol.PushRefresh)
		n++
	}
	if n > 0 {
		h.logger.Info("sessions revoked", "user", identity, "channels", n)
	}
	return n
}

// Abort fails every pending request with an internal error and closes all
// channels. It returns once the channels are closed or ctx is done.
func (h *Hub) Abort(ctx context.Context) {
	channels := h.snapshot()
	h.logger.Error("aborting all channels", "channels", len(channels))
	for _, c := range channels {
		c.abort()
	}
	for _, c := range channels {
		select {
		case <-c.done:
		case <-ctx.Done():
			c.close()
		}
	}
}

func (h *Hub) onStackState(ev eventbus.Event) {
	change, ok := ev.Payload.(stack.StateChange)
	if !ok {
		return
	}
	h.Broadcast(protocol.PushStackStatus, protocol.StackStatus{Name: change.Name, State: string(change.State)})
}

// onStackOperation runs before the compose tool starts, so the requesting
// channel sees the whole output. Nobody else gets it.
func (h *Hub) onStackOperation(ev eventbus.Event) {
	op, ok := ev.Payload.(stack.OperationStarted)
	if !ok || op.Logs == nil || op.Origin == "" {
		return
	}
	h.mu.RLock()
	c, ok := h.channels[op.Origin]
	h.mu.RUnlock()
	if ok {
		c.streamLogs(op.Name, op.Logs)
	}
}
