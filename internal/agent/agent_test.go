package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type countingRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *countingRecorder) AgentExec(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

// TestHeartbeat tests the heartbeat endpoint
func TestHeartbeat(t *testing.T) {
	srv := &Server{Version: "test"}
	mux := http.NewServeMux()
	srv.routes(mux)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil)
	mux.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "test" {
		t.Fatalf("version mismatch")
	}
}

// TestExec tests the exec endpoint
func TestExec(t *testing.T) {
	rec := &countingRecorder{}
	srv := &Server{Version: "test", Metrics: rec}
	body, _ := json.Marshal(ExecRequest{Command: "echo hello"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v0/exec", bytes.NewReader(body))
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp ExecResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Fatalf("exit code %d", resp.ExitCode)
	}
	if strings.TrimSpace(resp.Output) != "hello" {
		t.Fatalf("output %q", resp.Output)
	}
	if len(rec.statuses) != 1 || rec.statuses[0] != "success" {
		t.Fatalf("recorded %v", rec.statuses)
	}
}

func TestExecRequiresToken(t *testing.T) {
	srv := &Server{Token: "secret"}
	body, _ := json.Marshal(ExecRequest{Command: "true"})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/exec", bytes.NewReader(body)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestClientRunCommand(t *testing.T) {
	ts := httptest.NewServer((&Server{Token: "secret"}).Handler())
	defer ts.Close()
	c := &Client{BaseURL: ts.URL, Token: "secret"}

	var out bytes.Buffer
	if err := c.RunCommand(context.Background(), "echo from agent", &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(out.String()) != "from agent" {
		t.Fatalf("output %q", out.String())
	}

	err := c.RunCommand(context.Background(), "exit 3", &out)
	var exit *ExitError
	if !errors.As(err, &exit) || exit.Code != 3 {
		t.Fatalf("expected exit 3, got %v", err)
	}
}

func TestClientRejectedToken(t *testing.T) {
	ts := httptest.NewServer((&Server{Token: "secret"}).Handler())
	defer ts.Close()
	c := &Client{BaseURL: ts.URL, Token: "wrong"}
	if err := c.RunCommand(context.Background(), "true", &bytes.Buffer{}); err == nil {
		t.Fatalf("expected unauthorized error")
	}
}

func TestMTLSMiddlewareWithoutTLS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rr := httptest.NewRecorder()
	MTLSMiddleware(true)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	MTLSMiddleware(false)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status %d", rr.Code)
	}
}
