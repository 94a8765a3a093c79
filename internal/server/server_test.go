package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"macotron/internal/config"
	"macotron/internal/script"
	"macotron/internal/snippet"
)

func newTestServer(t *testing.T) (*Server, *script.Runtime) {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	if err := paths.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	rt := script.New()
	manager := snippet.NewManager(rt, paths)
	if err := manager.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	srv, err := New("127.0.0.1:0", rt, manager, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return srv, rt
}

func do(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)

	decoded := map[string]interface{}{}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("%s %s returned non-JSON body %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, decoded
}

func TestNewRejectsNonLoopbackAddr(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:4620", "192.168.1.5:4620", "example.com:4620", "4620"} {
		if _, err := New(addr, nil, nil, zap.NewNop()); err == nil {
			t.Errorf("New(%q) accepted a non-loopback address", addr)
		}
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := do(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestEvalReturnsOutput(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := do(t, srv, http.MethodPost, "/eval", `{"source": "6 * 7"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["output"] != "42" {
		t.Errorf("output = %v, want 42", body["output"])
	}
}

func TestEvalReportsScriptError(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := do(t, srv, http.MethodPost, "/eval", `{"source": "throw new Error('nope')"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	errMsg, _ := body["error"].(string)
	if !strings.Contains(errMsg, "nope") {
		t.Errorf("error = %q, want the thrown message", errMsg)
	}
}

func TestEvalRejectsMissingSource(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, _ := do(t, srv, http.MethodPost, "/eval", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCommandsListsRegisteredCommands(t *testing.T) {
	srv, rt := newTestServer(t)
	if _, err := rt.Evaluate("setup.js", "commands.register('tidy', 'tidy windows', function() {});"); err != nil {
		t.Fatal(err)
	}

	rec, body := do(t, srv, http.MethodGet, "/commands", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	commands, _ := body["commands"].([]interface{})
	if len(commands) != 1 {
		t.Fatalf("commands = %v, want one entry", body["commands"])
	}
	entry, _ := commands[0].(map[string]interface{})
	if entry["name"] != "tidy" || entry["description"] != "tidy windows" {
		t.Errorf("entry = %v", entry)
	}
}

func TestReloadReturnsSnippetTable(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := do(t, srv, http.MethodPost, "/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "reloaded" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestSnippetsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := do(t, srv, http.MethodGet, "/snippets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := body["snippets"]; !ok {
		t.Errorf("body = %v, want a snippets field", body)
	}
}
