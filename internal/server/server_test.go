package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tako0614/coding-agent-sub001/internal/bus"
	"github.com/tako0614/coding-agent-sub001/internal/config"
	"github.com/tako0614/coding-agent-sub001/internal/executor"
	"github.com/tako0614/coding-agent-sub001/internal/runstore"
	"github.com/tako0614/coding-agent-sub001/internal/store"
	"github.com/tako0614/coding-agent-sub001/internal/supervisor"
	"github.com/tako0614/coding-agent-sub001/internal/term"
)

// echoProc feeds every write back as output, prefixed so tests can tell
// replay from live traffic.
type echoProc struct {
	mu     sync.Mutex
	out    chan []byte
	closed bool
}

func newEchoProc() *echoProc { return &echoProc{out: make(chan []byte, 16)} }

func (p *echoProc) Read(b []byte) (int, error) {
	chunk, okk := <-p.out
	if !okk {
		return 0, io.EOF
	}
	return copy(b, chunk), nil
}

func (p *echoProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.out <- append([]byte("echo:"), b...)
	}
	return len(b), nil
}

func (p *echoProc) Resize(cols, rows int) error { return nil }

func (p *echoProc) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
	return nil
}

type harness struct {
	srv  *Server
	ts   *httptest.Server
	db   *store.Store
	bus  *bus.Bus
	runs *runstore.Store
	repo string
}

type instantAdapter struct{}

func (instantAdapter) Variant() executor.Variant { return executor.VariantA }
func (instantAdapter) Execute(_ context.Context, order executor.WorkOrder, _ executor.Options) (executor.WorkReport, error) {
	return executor.WorkReport{OrderID: order.OrderID, RunID: order.RunID, Status: executor.StatusDone, Summary: "ok"}, nil
}

func newHarness(t *testing.T, cfg config.Config, planner supervisor.Planner) *harness {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	repo := t.TempDir()
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = repo
	}
	cfg = cfg.Normalized()

	runs := runstore.New(db, nil)
	b := bus.New(db, nil)
	if planner == nil {
		planner = supervisor.PlannerFunc(func(_ context.Context, _ supervisor.PlanRequest) (supervisor.PlanResponse, error) {
			return supervisor.PlanResponse{ToolCalls: []supervisor.ToolCall{
				{Name: "complete", Args: map[string]any{"summary": "done"}},
			}}, nil
		})
	}
	sup := supervisor.New(cfg, db, runs, b, planner,
		map[executor.Variant]executor.Adapter{executor.VariantA: instantAdapter{}}, nil)
	ts := term.NewService(func(cwd string, cols, rows int) (term.Proc, <-chan term.ExitStatus, error) {
		return newEchoProc(), make(chan term.ExitStatus), nil
	}, nil)

	srv := New(cfg, db, runs, b, sup, ts, nil)
	h := &harness{srv: srv, ts: httptest.NewServer(srv.Handler()), db: db, bus: b, runs: runs, repo: repo}
	t.Cleanup(func() {
		h.ts.Close()
		db.Close()
	})
	return h
}

func (h *harness) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (h *harness) putJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPut, h.ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	resp, err := http.Get(h.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" || body["version"] != Version {
		t.Fatalf("body = %v", body)
	}
}

func TestRunLifecycle(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)

	resp := h.postJSON(t, "/api/runs", map[string]any{"goal": "do the thing", "repo_path": h.repo})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	runID, _ := decodeBody(t, resp)["run_id"].(string)
	if runID == "" {
		t.Fatal("no run_id in response")
	}

	// The instant planner completes the run almost immediately.
	deadline := time.After(5 * time.Second)
	for {
		resp, err := http.Get(h.ts.URL + "/api/runs/" + runID)
		if err != nil {
			t.Fatal(err)
		}
		body := decodeBody(t, resp)
		if body["status"] == "completed" {
			if body["final_report"] != "done" {
				t.Fatalf("body = %v", body)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("run never completed: %v", body)
		case <-time.After(10 * time.Millisecond):
		}
	}

	resp, err := http.Get(h.ts.URL + "/api/runs")
	if err != nil {
		t.Fatal(err)
	}
	if list, _ := decodeBody(t, resp)["runs"].([]any); len(list) != 1 {
		t.Fatalf("runs list = %v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, h.ts.URL+"/api/runs/"+runID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(h.ts.URL + "/api/runs/" + runID)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateRunValidation(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	resp := h.postJSON(t, "/api/runs", map[string]any{"repo_path": h.repo})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBodyCapRejectsOversizedRequests(t *testing.T) {
	h := newHarness(t, config.Config{MaxRequestSizeBytes: 2048}, nil)
	big := strings.Repeat("x", 4096)
	resp := h.postJSON(t, "/api/runs", map[string]any{"goal": big, "repo_path": h.repo})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestOriginPolicy(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)

	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/api/runs", strings.NewReader("{}"))
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPost, h.ts.URL+"/api/runs", strings.NewReader("{}"))
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode == http.StatusForbidden {
		t.Fatal("loopback origin blocked")
	}
	resp.Body.Close()
}

func publishLogs(t *testing.T, h *harness, runID string, n int) []store.LogEntry {
	t.Helper()
	var out []store.LogEntry
	for i := 0; i < n; i++ {
		e, err := h.bus.Publish(context.Background(), store.LogEntry{
			RunID: runID, Level: "info", Source: "system", Message: fmt.Sprintf("line %d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	return out
}

func TestLogsEndpointSince(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	entries := publishLogs(t, h, "run_logs_test", 5)

	resp, err := http.Get(fmt.Sprintf("%s/api/logs/run_logs_test?since=%d", h.ts.URL, entries[2].ID))
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	logs, _ := body["logs"].([]any)
	if len(logs) != 2 {
		t.Fatalf("logs = %v", logs)
	}
}

func TestSSEReplayAndLive(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	entries := publishLogs(t, h, "run_sse", 3)

	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/api/events?run_id=run_sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	// Resume after the first entry: replay must start strictly after it.
	req.Header.Set("Last-Event-ID", fmt.Sprint(entries[0].ID))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %s", ct)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	readUntil := func(substr string) []string {
		var seen []string
		deadline := time.After(5 * time.Second)
		for {
			select {
			case ln, okk := <-lines:
				if !okk {
					t.Fatalf("stream closed before %q; saw %v", substr, seen)
				}
				seen = append(seen, ln)
				if strings.Contains(ln, substr) {
					return seen
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q; saw %v", substr, seen)
			}
		}
	}

	replay := strings.Join(readUntil("replay_end"), "\n")
	if !strings.Contains(replay, "replay_start") {
		t.Fatalf("no replay_start:\n%s", replay)
	}
	if strings.Contains(replay, "line 0") || !strings.Contains(replay, "line 2") {
		t.Fatalf("replay window wrong:\n%s", replay)
	}
	if !strings.Contains(replay, fmt.Sprintf("id: %d", entries[1].ID)) {
		t.Fatalf("id frames missing:\n%s", replay)
	}

	publishLogs(t, h, "run_sse", 1)
	live := strings.Join(readUntil("line 0"), "\n") // the new batch restarts numbering
	if !strings.Contains(live, "id: ") {
		t.Fatalf("live frame missing id:\n%s", live)
	}
}

func TestOrphanedSessions(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	publishLogs(t, h, "run_orphan", 2)

	resp, err := http.Get(h.ts.URL + "/api/sessions/orphaned")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	ids, _ := body["run_ids"].([]any)
	if len(ids) != 1 || ids[0] != "run_orphan" {
		t.Fatalf("orphaned = %v", body)
	}

	req, _ := http.NewRequest(http.MethodDelete, h.ts.URL+"/api/sessions/orphaned/run_orphan", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(h.ts.URL + "/api/sessions/orphaned")
	if err != nil {
		t.Fatal(err)
	}
	if ids, _ := decodeBody(t, resp)["run_ids"].([]any); len(ids) != 0 {
		t.Fatalf("orphaned after delete = %v", ids)
	}
}

func TestParallelSessionsOptimisticLock(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)

	resp := h.putJSON(t, "/api/sessions/parallel", map[string]any{"data": []any{"a"}, "version": 0})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first put = %d", resp.StatusCode)
	}
	if v := decodeBody(t, resp)["version"]; v != float64(1) {
		t.Fatalf("version = %v", v)
	}

	resp = h.putJSON(t, "/api/sessions/parallel", map[string]any{"data": []any{"b"}, "version": 0})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale put = %d", resp.StatusCode)
	}
	if code := decodeBody(t, resp)["code"]; code != "VERSION_CONFLICT" {
		t.Fatalf("code = %v", code)
	}
}

func TestShellTabsLastWriteWins(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	for _, tabs := range []string{`["one"]`, `["two"]`} {
		resp := h.putJSON(t, "/api/sessions/shell-tabs", map[string]any{"data": json.RawMessage(tabs)})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("put = %d", resp.StatusCode)
		}
		resp.Body.Close()
	}
	resp, err := http.Get(h.ts.URL + "/api/sessions/shell-tabs")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	data, _ := body["data"].([]any)
	if len(data) != 1 || data[0] != "two" {
		t.Fatalf("data = %v", body)
	}
}

func TestSettingsMaskingAndClamp(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)

	resp := h.putJSON(t, "/api/settings", map[string]string{
		"api_key":            "sk-verysecret3456",
		"max_context_tokens": "9999999",
		"theme":              "dark",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(h.ts.URL + "/api/settings")
	if err != nil {
		t.Fatal(err)
	}
	settings, _ := decodeBody(t, resp)["settings"].(map[string]any)
	key, _ := settings["api_key"].(string)
	if strings.Contains(key, "verysecret") || !strings.HasSuffix(key, "3456") {
		t.Fatalf("api_key not masked: %q", key)
	}
	if settings["max_context_tokens"] != "500000" {
		t.Fatalf("max_context_tokens = %v", settings["max_context_tokens"])
	}
	if settings["theme"] != "dark" {
		t.Fatalf("theme = %v", settings["theme"])
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestTerminalWebSocket(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h.ts, "/api/terminal?cols=80&rows=24"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "input", "data": "ls\n"}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatal(err)
		}
		if frame["type"] == "output" && strings.Contains(frame["data"].(string), "echo:ls") {
			return
		}
	}
}

func TestTerminalWS_UnknownSessionCloses1008(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h.ts, "/api/terminal?sessionId=nope"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v", err)
	}
}

func TestTerminalWS_MalformedSessionIDCloses1008(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h.ts, "/api/terminal?sessionId=..%2F..%2Fetc"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v", err)
	}
}

func TestTerminalWS_SandboxedCwdCloses1008(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h.ts, "/api/terminal?cwd=../../etc"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v", err)
	}
}

func TestTerminalWS_CapacityCloses1013(t *testing.T) {
	h := newHarness(t, config.Config{MaxWSPerIP: 1, MaxWSConnections: 1}, nil)

	first, _, err := websocket.DefaultDialer.Dial(wsURL(h.ts, "/api/terminal"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	second, _, err := websocket.DefaultDialer.Dial(wsURL(h.ts, "/api/terminal"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("err = %v", err)
	}
}

func TestChatCompletionsBridge(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)

	resp := h.postJSON(t, "/v1/chat/completions", map[string]any{
		"model":    modelID,
		"messages": []map[string]string{{"role": "user", "content": "fix the bug"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	choices, _ := body["choices"].([]any)
	if len(choices) != 1 {
		t.Fatalf("choices = %v", body)
	}
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	if msg["role"] != "assistant" || msg["content"] != "done" {
		t.Fatalf("message = %v", msg)
	}

	resp, err := http.Get(h.ts.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	models := decodeBody(t, resp)
	data, _ := models["data"].([]any)
	if len(data) != 1 || data[0].(map[string]any)["id"] != modelID {
		t.Fatalf("models = %v", models)
	}
}
