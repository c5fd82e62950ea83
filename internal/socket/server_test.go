package socket

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/web-casa/stackpilot/internal/agent"
	"github.com/web-casa/stackpilot/internal/auth"
	"github.com/web-casa/stackpilot/internal/compose"
	"github.com/web-casa/stackpilot/internal/composerize"
	"github.com/web-casa/stackpilot/internal/database"
	"github.com/web-casa/stackpilot/internal/eventbus"
	"github.com/web-casa/stackpilot/internal/protocol"
	"github.com/web-casa/stackpilot/internal/service"
	"github.com/web-casa/stackpilot/internal/stack"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const webCompose = "services:\n  nginx:\n    image: nginx"

type testServer struct {
	URL      string
	Endpoint string
	hub      *Hub
	registry *stack.Registry
	runner   *compose.Runner
}

// fakeDockerBin stands in for the docker CLI and prints its arguments.
func fakeDockerBin(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	script := "#!/bin/sh\necho \"$@\" >> calls.log\necho \"ran $*\"\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.Default()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}

	authSvc := service.NewAuthService(db, "test-secret", time.Hour, auth.NewRateLimiter(0, time.Minute), log)
	agents := service.NewAgentService(db, auth.NewSecretBox("test-secret"), log)
	bus := eventbus.New(log)
	runner := compose.NewRunner(t.TempDir(), fakeDockerBin(t), 10*time.Second, log)
	registry := stack.New(runner, nil, bus, stack.Options{LockTimeout: 10 * time.Second, Logger: log})
	if err := registry.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	router := agent.NewRouter(registry, agents, Dialer{HandshakeTimeout: 5 * time.Second}, 5*time.Second, 30*time.Second, log)

	hub := NewHub(bus, log)
	t.Cleanup(hub.Close)
	dispatcher := NewDispatcher(Deps{
		Auth:       authSvc,
		Settings:   service.NewSettingService(db, authSvc),
		Agents:     agents,
		Router:     router,
		Translator: composerize.Translator{},
		Revoker:    hub,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine := gin.New()
	engine.GET("/socket", NewServer(ctx, hub, dispatcher, log).Handle)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	return &testServer{URL: srv.URL, Endpoint: u.Host, hub: hub, registry: registry, runner: runner}
}

// pushLog records the server-initiated events a client received.
type pushLog struct {
	mu     sync.Mutex
	events []protocol.Frame
}

func (p *pushLog) record(event string, args []json.RawMessage) {
	p.mu.Lock()
	p.events = append(p.events, protocol.Frame{Event: event, Args: args})
	p.mu.Unlock()
}

func (p *pushLog) find(event string, match func(json.RawMessage) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.events {
		if f.Event == event && (match == nil || (len(f.Args) > 0 && match(f.Args[0]))) {
			return true
		}
	}
	return false
}

type testClient struct {
	t      *testing.T
	conn   agent.Conn
	pushes *pushLog
}

func dial(t *testing.T, ts *testServer) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dialer{HandshakeTimeout: 5 * time.Second}.Dial(ctx, agent.Target{URL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, pushes: &pushLog{}}
}

func (c *testClient) call(event string, args ...any) protocol.Ack {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ack, err := c.conn.Call(ctx, event, args, c.pushes.record)
	if err != nil {
		c.t.Fatalf("%s: %v", event, err)
	}
	return ack
}

func (c *testClient) mustOK(event string, args ...any) protocol.Ack {
	c.t.Helper()
	ack := c.call(event, args...)
	if !ack.OK {
		c.t.Fatalf("%s %v: %+v", event, args, ack)
	}
	return ack
}

func stackField(t *testing.T, ack protocol.Ack, field string) any {
	t.Helper()
	m, ok := ack.Stack.(map[string]any)
	if !ok {
		t.Fatalf("stack = %#v", ack.Stack)
	}
	return m[field]
}

func TestEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts)

	if ack := c.call("needSetup"); ack.Data != true {
		t.Fatalf("needSetup = %+v", ack)
	}
	c.mustOK("setup", "admin", "Pw1!")
	login := c.mustOK("login", "admin", "Pw1!")
	if strings.Count(login.Token, ".") != 2 {
		t.Fatalf("token is not a jwt: %q", login.Token)
	}

	c.mustOK("agent", "", "saveStack", "web", webCompose, "", true)
	c.mustOK("agent", "", "startStack", "web")
	if !c.pushes.find(protocol.PushStackStatus, func(raw json.RawMessage) bool {
		var s protocol.StackStatus
		return json.Unmarshal(raw, &s) == nil && s.Name == "web" && s.State == "running"
	}) {
		t.Fatal("no running status pushed before the start ack")
	}

	got := c.mustOK("agent", "", "getStack", "web")
	if state := stackField(t, got, "lifecycleState"); state != "running" {
		t.Fatalf("lifecycleState = %v", state)
	}
	if yaml := stackField(t, got, "composeYAML"); yaml != webCompose {
		t.Fatalf("compose content changed: %q", yaml)
	}

	c.mustOK("agent", "", "deleteStack", "web")
	gone := c.call("agent", "", "getStack", "web")
	if gone.OK || gone.Msg != "not found" {
		t.Fatalf("getStack after delete = %+v", gone)
	}
	if _, err := os.Stat(ts.runner.StackDir("web")); !os.IsNotExist(err) {
		t.Fatal("stack directory survived delete")
	}
	if !c.pushes.find(protocol.PushStackLog, nil) {
		t.Fatal("no output streamed to the caller")
	}
}

// rawCall sends one request and returns the raw ack payload.
func rawCall(t *testing.T, ts *testServer, event string, args ...any) []byte {
	t.Helper()
	wsURL, _ := SocketURL(ts.URL)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	msg, _ := protocol.EncodeRequest(1, event, args...)
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if f, err := protocol.DecodeFrame(data); err == nil && f.Ack == 1 {
			return f.Data
		}
	}
}

func TestInvalidLoginCarriesNoToken(t *testing.T) {
	ts := newTestServer(t)
	dial(t, ts).mustOK("setup", "admin", "Pw1!")

	data := rawCall(t, ts, "login", "admin", "wrong")
	if bytes.Contains(data, []byte(`"token"`)) {
		t.Fatalf("failed login leaked a token field: %s", data)
	}
	var ack protocol.Ack
	json.Unmarshal(data, &ack)
	if ack.OK {
		t.Fatal("login with a wrong password succeeded")
	}
}

func TestRequiresLogin(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts)
	ack := c.call("agent", "", "requestStackList")
	if ack.OK || ack.Msg != auth.ErrNotAuthenticated.Error() {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestChangePasswordForcesOtherChannelsOut(t *testing.T) {
	ts := newTestServer(t)
	a, b := dial(t, ts), dial(t, ts)
	a.mustOK("setup", "admin", "Pw1!")
	a.mustOK("login", "admin", "Pw1!")
	old := b.mustOK("login", "admin", "Pw1!").Token

	changed := a.mustOK("changePassword", "Pw1!", "Pw2!")
	if changed.Token == "" || changed.Token == old {
		t.Fatalf("changePassword ack = %+v", changed)
	}
	a.mustOK("agent", "", "requestStackList")

	if ack := b.call("agent", "", "requestStackList"); ack.OK {
		t.Fatal("revoked channel still authenticated")
	}
	if !b.pushes.find(protocol.PushRefresh, nil) {
		t.Fatal("revoked channel was not told to refresh")
	}
	if ack := b.call("loginByToken", old); ack.OK {
		t.Fatal("token issued before the password change still works")
	}
}

func TestForwardToAgent(t *testing.T) {
	local, remote := newTestServer(t), newTestServer(t)
	dial(t, remote).mustOK("setup", "admin", "remote-pw")

	c := dial(t, local)
	c.mustOK("setup", "admin", "Pw1!")
	c.mustOK("login", "admin", "Pw1!")
	c.mustOK("addAgent", remote.URL, "admin", "remote-pw")

	list := c.mustOK("getAgentList")
	if b, _ := json.Marshal(list.AgentList); !bytes.Contains(b, []byte(remote.Endpoint)) {
		t.Fatalf("agent list = %s", b)
	}

	c.mustOK("agent", remote.Endpoint, "saveStack", "api", webCompose, "PORT=8080\n", true)
	c.mustOK("agent", remote.Endpoint, "startStack", "api")
	if !c.pushes.find(protocol.PushStackStatus, func(raw json.RawMessage) bool {
		var s protocol.StackStatus
		return json.Unmarshal(raw, &s) == nil && s.Endpoint == remote.Endpoint && s.State == "running"
	}) {
		t.Fatal("remote status not relayed with its endpoint")
	}

	if _, err := remote.registry.Get("api"); err != nil {
		t.Fatalf("stack not created on the agent: %v", err)
	}
	if _, err := local.registry.Get("api"); err == nil {
		t.Fatal("stack leaked into the local registry")
	}

	got := c.mustOK("agent", remote.Endpoint, "getStack", "api")
	if env := stackField(t, got, "composeENV"); env != "PORT=8080\n" {
		t.Fatalf("composeENV = %q", env)
	}

	if ack := c.call("agent", "10.255.255.1:1", "getStack", "api"); ack.OK {
		t.Fatal("unknown agent accepted")
	}
}

func TestAbortFailsPendingRequests(t *testing.T) {
	ts := newTestServer(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	blocking := NewDispatcher(Deps{
		Auth: &fakeAuth{sessions: map[string]service.Session{"good": {Identity: "admin"}}},
		Router: routerFunc(func(ctx context.Context, _ agent.Caller, _ string, _ protocol.Op) (protocol.Ack, error) {
			close(entered)
			<-release
			return protocol.OK(""), nil
		}),
	}, slog.Default())
	engine := gin.New()
	engine.GET("/socket", NewServer(context.Background(), ts.hub, blocking, slog.Default()).Handle)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	c := dial(t, &testServer{URL: srv.URL})
	c.mustOK("loginByToken", "good")

	result := make(chan protocol.Ack, 1)
	go func() {
		ack, _ := c.conn.Call(context.Background(), "agent", []any{"", "startStack", "web"}, nil)
		result <- ack
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts.hub.Abort(ctx)

	select {
	case ack := <-result:
		if ack.OK || ack.Msg != "internal error" {
			t.Fatalf("ack = %+v", ack)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending request never acknowledged")
	}
	if n := ts.hub.Count(); n != 0 {
		t.Fatalf("%d channels still connected", n)
	}
}
