package streamhttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toolhost/toolhost-go/content"
	"github.com/toolhost/toolhost-go/internal/dispatch"
	"github.com/toolhost/toolhost-go/internal/jsonrpc"
	"github.com/toolhost/toolhost-go/invoke"
	"github.com/toolhost/toolhost-go/registry"
	"github.com/toolhost/toolhost-go/sessions"
	"github.com/toolhost/toolhost-go/sessions/memoryhost"
	"github.com/toolhost/toolhost-go/wire"
)

func newTestHandler(t *testing.T, opts ...Option) (*Handler, *sessions.Manager) {
	t.Helper()
	reg := registry.New()
	schema := registry.SimpleSchema(map[string]string{"a": "number", "b": "number"})
	err := reg.Register(wire.KindTool, "add", "", schema,
		func(ctx context.Context, inv *invoke.Context, args json.RawMessage) (any, error) {
			var a struct{ A, B float64 }
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, err
			}
			b, _ := json.Marshal(a.A + a.B)
			return string(b), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	reg.Seal()

	manager := sessions.NewManager(memoryhost.New(), sessions.WithGracePeriod(100*time.Millisecond))
	d := dispatch.New(reg, content.New())
	h, err := New(manager, d, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return h, manager
}

func rpcBody(t *testing.T, id any, method string, params any) *bytes.Reader {
	t.Helper()
	frame := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		frame["id"] = id
	}
	if params != nil {
		frame["params"] = params
	}
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

func doHandshake(t *testing.T, h *Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", rpcBody(t, 1, string(wire.HandshakeMethod), wire.HandshakeRequest{ProtocolVersion: wire.ProtocolVersion}))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("handshake status %d: %s", rec.Code, rec.Body.String())
	}
	sessID := rec.Header().Get(sessionIDHeader)
	if sessID == "" {
		t.Fatal("handshake must mint a session id header")
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode handshake response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("handshake error: %+v", resp.Error)
	}
	if bytes.Contains(resp.Result, []byte(sessID)) {
		t.Fatal("session id must never appear in the response body")
	}
	return sessID
}

// sseData extracts the data payloads from an SSE body.
func sseData(t *testing.T, body string) [][]byte {
	t.Helper()
	var out [][]byte
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			out = append(out, []byte(rest))
		}
	}
	return out
}

func TestHandshakeMintsSession(t *testing.T) {
	h, manager := newTestHandler(t)
	sessID := doHandshake(t, h)
	if _, err := manager.Get(sessID); err != nil {
		t.Fatalf("minted session not resolvable: %v", err)
	}
}

func TestInvokeStreamsResponse(t *testing.T) {
	h, _ := newTestHandler(t)
	sessID := doHandshake(t, h)

	req := httptest.NewRequest(http.MethodPost, "/rpc", rpcBody(t, 2, string(wire.ToolsCallMethod), wire.CallToolRequest{
		Name:      "add",
		Arguments: json.RawMessage(`{"a":2,"b":3}`),
	}))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(sessionIDHeader, sessID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	frames := sseData(t, rec.Body.String())
	if len(frames) != 1 {
		t.Fatalf("expected one SSE frame, got %d", len(frames))
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(frames[0], &resp); err != nil {
		t.Fatalf("frame is not a JSON-RPC response: %v", err)
	}
	var ir wire.InvocationResult
	if err := json.Unmarshal(resp.Result, &ir); err != nil {
		t.Fatal(err)
	}
	if ir.Content[0].Text != "5" {
		t.Fatalf("expected \"5\", got %+v", ir.Content)
	}
}

func TestConcurrentInvokesKeepFramesIntact(t *testing.T) {
	h, _ := newTestHandler(t)
	sessID := doHandshake(t, h)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/rpc", rpcBody(t, i, string(wire.ToolsCallMethod), wire.CallToolRequest{
				Name:      "add",
				Arguments: json.RawMessage(fmt.Sprintf(`{"a":%d,"b":%d}`, i, i)),
			}))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(sessionIDHeader, sessID)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			frames := sseData(t, rec.Body.String())
			if len(frames) != 1 {
				errs <- fmt.Errorf("request %d: %d frames", i, len(frames))
				return
			}
			var resp jsonrpc.Response
			if err := json.Unmarshal(frames[0], &resp); err != nil {
				errs <- fmt.Errorf("request %d: corrupt frame: %v", i, err)
				return
			}
			var ir wire.InvocationResult
			if err := json.Unmarshal(resp.Result, &ir); err != nil {
				errs <- err
				return
			}
			want := fmt.Sprintf("%d", 2*i)
			if ir.Content[0].Text != want {
				errs <- fmt.Errorf("request %d: want %s, got %s", i, want, ir.Content[0].Text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/rpc", rpcBody(t, 1, string(wire.ToolsCallMethod), wire.CallToolRequest{Name: "add"}))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sessionIDHeader, "ghost")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("rejection body must be JSON: %v", err)
	}
	if body.Error.Code != int(jsonrpc.ErrorCodeSessionError) {
		t.Fatalf("expected session error code %d, got %d", jsonrpc.ErrorCodeSessionError, body.Error.Code)
	}
}

func TestNonHandshakeWithoutSessionRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/rpc", rpcBody(t, 1, string(wire.ToolsCallMethod), wire.CallToolRequest{Name: "add"}))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("rejection body must be JSON: %v", err)
	}
	if body.Error.Code != int(jsonrpc.ErrorCodeSessionError) {
		t.Fatalf("expected session error code %d, got %d", jsonrpc.ErrorCodeSessionError, body.Error.Code)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	h, manager := newTestHandler(t)
	sessID := doHandshake(t, h)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/rpc", nil)
		req.Header.Set(sessionIDHeader, sessID)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("delete #%d: expected 204, got %d", i+1, rec.Code)
		}
	}
	if _, err := manager.Get(sessID); err != sessions.ErrSessionNotFound {
		t.Fatalf("session should be gone, got %v", err)
	}
}

func TestTerminateMethodOverPost(t *testing.T) {
	h, manager := newTestHandler(t)
	sessID := doHandshake(t, h)

	req := httptest.NewRequest(http.MethodPost, "/rpc", rpcBody(t, 9, string(wire.TerminateMethod), nil))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sessionIDHeader, sessID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	var tr wire.TerminateResult
	if err := json.Unmarshal(resp.Result, &tr); err != nil {
		t.Fatal(err)
	}
	if !tr.Closed {
		t.Fatal("expected closed=true")
	}
	if _, err := manager.Get(sessID); err != sessions.ErrSessionNotFound {
		t.Fatal("session should be gone")
	}
}

func TestOriginAllowList(t *testing.T) {
	h, _ := newTestHandler(t, WithAllowedOrigins([]string{"app.example.com"}))

	cases := []struct {
		origin string
		want   int
	}{
		{"", http.StatusOK},
		{"http://localhost:3000", http.StatusOK},
		{"http://127.0.0.1:8080", http.StatusOK},
		{"https://app.example.com", http.StatusOK},
		{"https://evil.example.com", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/rpc", rpcBody(t, 1, string(wire.HandshakeMethod), nil))
		req.Header.Set("Content-Type", "application/json")
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("origin %q: expected %d, got %d", tc.origin, tc.want, rec.Code)
		}
	}
}

func TestContentTypeRequired(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/rpc", rpcBody(t, 1, string(wire.HandshakeMethod), nil))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("rejection body must be JSON: %v", err)
	}
	if body.Error.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestBatchRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for batch, got %d", rec.Code)
	}
}

func TestPushStreamDeliversNotifications(t *testing.T) {
	h, manager := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	hsReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/rpc", rpcBody(t, 1, string(wire.HandshakeMethod), nil))
	hsReq.Header.Set("Content-Type", "application/json")
	hsRes, err := srv.Client().Do(hsReq)
	if err != nil {
		t.Fatal(err)
	}
	defer hsRes.Body.Close()
	sessID := hsRes.Header.Get(sessionIDHeader)
	if sessID == "" {
		t.Fatal("no session id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	getReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/rpc", nil)
	getReq.Header.Set("Accept", "text/event-stream")
	getReq.Header.Set(sessionIDHeader, sessID)
	getRes, err := srv.Client().Do(getReq)
	if err != nil {
		t.Fatal(err)
	}
	defer getRes.Body.Close()
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", getRes.StatusCode)
	}

	sess, err := manager.Get(sessID)
	if err != nil {
		t.Fatal(err)
	}
	// Give the subscriber a moment to attach before pushing.
	time.Sleep(50 * time.Millisecond)
	if err := sess.Push(ctx, wire.LogNotificationMethod, wire.LogNotificationParams{Level: wire.LogLevelInfo, Data: "hello"}); err != nil {
		t.Fatal(err)
	}

	sc := bufio.NewScanner(getRes.Body)
	var gotID, gotData string
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, "id: "); ok {
			gotID = rest
		}
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			gotData = rest
			break
		}
	}
	if gotID == "" {
		t.Error("push frames must carry an event id for resume")
	}
	var frame jsonrpc.Request
	if err := json.Unmarshal([]byte(gotData), &frame); err != nil {
		t.Fatalf("push frame not JSON-RPC: %v", err)
	}
	if frame.Method != string(wire.LogNotificationMethod) {
		t.Fatalf("unexpected push method %q", frame.Method)
	}
}
