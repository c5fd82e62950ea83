package socket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/web-casa/stackpilot/internal/compose"
	"github.com/web-casa/stackpilot/internal/protocol"
	"github.com/web-casa/stackpilot/internal/service"
)

// WebSocket timeouts.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4 << 20
	sendQueue        = 256
)

// Peer is the dispatcher's view of one connected client.
type Peer interface {
	ID() string
	RemoteAddr() string
	// Session returns the bound session if it is still valid.
	Session() (service.Session, bool)
	Bind(sess service.Session)
	Unbind()
	Identity() string
	Push(event string, args ...any)
}

// AckFunc delivers the single acknowledgement of a request.
type AckFunc func(protocol.Ack)

// Channel is one websocket connection.
type Channel struct {
	id     string
	remote string
	conn   *websocket.Conn
	hub    *Hub
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	session *service.Session
	pending map[uint64]AckFunc
	now     func() time.Time
}

func newChannel(conn *websocket.Conn, remote string, hub *Hub, logger *slog.Logger) *Channel {
	id := uuid.NewString()
	return &Channel{
		id:      id,
		remote:  remote,
		conn:    conn,
		hub:     hub,
		logger:  logger.With("channel", id),
		send:    make(chan []byte, sendQueue),
		done:    make(chan struct{}),
		pending: make(map[uint64]AckFunc),
		now:     time.Now,
	}
}

func (c *Channel) ID() string         { return c.id }
func (c *Channel) RemoteAddr() string { return c.remote }

// Done is closed once the connection is gone.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Session() (service.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return service.Session{}, false
	}
	if c.session.Expired(c.now()) {
		c.session = nil
		return service.Session{}, false
	}
	return *c.session, true
}

func (c *Channel) Bind(sess service.Session) {
	c.mu.Lock()
	c.session = &sess
	c.mu.Unlock()
}

func (c *Channel) Unbind() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// Identity returns the bound user, or "" for an anonymous channel.
func (c *Channel) Identity() string {
	if sess, ok := c.Session(); ok {
		return sess.Identity
	}
	return ""
}

func (c *Channel) authenticated() bool {
	_, ok := c.Session()
	return ok
}

// Push queues a server-initiated event. Pushes are dropped when the
// client is not reading fast enough.
func (c *Channel) Push(event string, args ...any) {
	msg, err := protocol.EncodePush(event, args...)
	if err != nil {
		c.logger.Error("encode push", "event", event, "err", err)
		return
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.logger.Debug("push dropped, client too slow", "event", event)
	}
}

// ack queues an acknowledgement, waiting for room in the send queue.
func (c *Channel) ack(id uint64, a protocol.Ack) {
	msg, err := protocol.EncodeAck(id, a)
	if err != nil {
		c.logger.Error("encode ack", "id", id, "err", err)
		msg, _ = protocol.EncodeAck(id, protocol.Fail(internalErrorMsg))
	}
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

// track returns the acknowledgement function for request id. It sends at
// most once, however often it is called.
func (c *Channel) track(id uint64) AckFunc {
	var once sync.Once
	fn := func(a protocol.Ack) {
		once.Do(func() {
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
			c.ack(id, a)
		})
	}
	c.mu.Lock()
	c.pending[id] = fn
	c.mu.Unlock()
	return fn
}

// streamLogs forwards one operation's output until the operation ends or
// the channel disconnects.
func (c *Channel) streamLogs(stack string, logs *compose.LogWriter) {
	lines, cancel := logs.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				c.Push(protocol.PushStackLog, protocol.StackLog{Stack: stack, Line: line})
			case <-c.done:
				return
			}
		}
	}()
}

// abort acks every pending request with an internal error and then closes
// the connection once those acks are written.
func (c *Channel) abort() {
	c.mu.Lock()
	pending := make([]AckFunc, 0, len(c.pending))
	for _, fn := range c.pending {
		pending = append(pending, fn)
	}
	c.mu.Unlock()

	for _, fn := range pending {
		fn(protocol.Fail(internalErrorMsg))
	}
	select {
	case c.send <- nil:
	case <-c.done:
	}
}

func (c *Channel) close() {
	c.closeOnce.Do(func() {
		if c.hub != nil {
			c.hub.unregister(c)
		}
		close(c.done)
		c.conn.Close()
	})
}

func (c *Channel) readPump(ctx context.Context, d *Dispatcher) {
	defer c.close()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("ws read error", "err", err)
			}
			return
		}

		frame, err := protocol.DecodeFrame(message)
		if err != nil {
			c.logger.Debug("ignoring bad frame", "err", err)
			continue
		}
		if frame.IsAck() {
			continue
		}

		var ack AckFunc
		if frame.ID != 0 {
			ack = c.track(frame.ID)
		}
		// The request outlives the connection: a disconnect must not
		// cancel a stack operation halfway.
		go d.Handle(ctx, c, frame.Event, frame.Args, ack)
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if message == nil {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, internalErrorMsg))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
