package docker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
)

// fakeEngine serves a minimal Docker Engine API on a unix socket.
func fakeEngine(t *testing.T, containers []map[string]any) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "docker.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("API-Version", "1.45")
		switch {
		case strings.HasSuffix(r.URL.Path, "/_ping"):
			w.Write([]byte("OK"))
		case strings.HasSuffix(r.URL.Path, "/containers/json"):
			if r.URL.Query().Get("all") != "1" {
				t.Errorf("expected all=1, got %q", r.URL.RawQuery)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(containers)
		default:
			http.NotFound(w, r)
		}
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return sock
}

func TestProjectStatesGroupsByProject(t *testing.T) {
	sock := fakeEngine(t, []map[string]any{
		{"Names": []string{"/web-nginx-1"}, "Image": "nginx", "State": "running", "Status": "Up 1 minute",
			"Labels": map[string]string{projectLabel: "web", serviceLabel: "nginx"}},
		{"Names": []string{"/web-db-1"}, "Image": "postgres", "State": "exited", "Status": "Exited (1)",
			"Labels": map[string]string{projectLabel: "web", serviceLabel: "db"}},
		{"Names": []string{"/api-app-1"}, "Image": "app", "State": "running",
			"Labels": map[string]string{projectLabel: "api"}},
	})

	c, err := NewClient(sock)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	states, err := c.ProjectStates(context.Background())
	if err != nil {
		t.Fatalf("ProjectStates: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 projects, got %v", states)
	}
	web := states["web"]
	if len(web) != 2 || web[0].Name != "web-db-1" || web[1].Service != "nginx" {
		t.Fatalf("unexpected web containers: %+v", web)
	}
	if web[0].Running() || !web[1].Running() {
		t.Fatalf("running flags wrong: %+v", web)
	}
}
