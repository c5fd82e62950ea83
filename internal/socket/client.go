package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/web-casa/stackpilot/internal/agent"
	"github.com/web-casa/stackpilot/internal/protocol"
)

// Dialer connects to the socket endpoint of a remote agent.
type Dialer struct {
	HandshakeTimeout time.Duration
}

// Dial implements agent.Dialer.
func (d Dialer) Dial(ctx context.Context, target agent.Target) (agent.Conn, error) {
	wsURL, err := SocketURL(target.URL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsMaxMessageSize)
	return &Client{conn: conn}, nil
}

// SocketURL maps an agent's base URL onto its websocket endpoint.
func SocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/socket") {
		u.Path = strings.TrimRight(u.Path, "/") + "/socket"
	}
	return u.String(), nil
}

// Client is a protocol connection to another server. Calls are serialized.
type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

// Login authenticates the connection.
func (c *Client) Login(ctx context.Context, username, password string) error {
	ack, err := c.Call(ctx, "login", []any{username, password}, nil)
	if err != nil {
		return err
	}
	if !ack.OK {
		return errors.New(ack.Msg)
	}
	return nil
}

// Call sends a request and waits for its acknowledgement, handing pushes
// received meanwhile to onPush. A call cut short by ctx leaves the
// connection unusable.
func (c *Client) Call(ctx context.Context, event string, args []any, onPush agent.PushFunc) (protocol.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	msg, err := protocol.EncodeRequest(id, event, args...)
	if err != nil {
		return protocol.Ack{}, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsWriteWait)
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return protocol.Ack{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return protocol.Ack{}, ctxErr
			}
			return protocol.Ack{}, err
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			continue
		}
		if !frame.IsAck() {
			if onPush != nil {
				onPush(frame.Event, frame.Args)
			}
			continue
		}
		if frame.Ack != id {
			continue
		}
		var ack protocol.Ack
		if err := json.Unmarshal(frame.Data, &ack); err != nil {
			return protocol.Ack{}, fmt.Errorf("decode ack: %w", err)
		}
		return ack, nil
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
