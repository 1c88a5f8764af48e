package statelesshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/toolhost/toolhost-go/content"
	"github.com/toolhost/toolhost-go/internal/dispatch"
	"github.com/toolhost/toolhost-go/internal/jsonrpc"
	"github.com/toolhost/toolhost-go/invoke"
	"github.com/toolhost/toolhost-go/registry"
	"github.com/toolhost/toolhost-go/sessions"
	"github.com/toolhost/toolhost-go/wire"
)

func newTestHandler(t *testing.T, opts ...Option) *Handler {
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

	h, err := New(sessions.NewManager(nil), dispatch.New(reg, content.New()), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func post(t *testing.T, h *Handler, id any, method string, params any) *httptest.ResponseRecorder {
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
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInvokeWithoutHandshake(t *testing.T) {
	h := newTestHandler(t)
	rec := post(t, h, 1, string(wire.ToolsCallMethod), wire.CallToolRequest{
		Name:      "add",
		Arguments: json.RawMessage(`{"a":2,"b":3}`),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var ir wire.InvocationResult
	if err := json.Unmarshal(resp.Result, &ir); err != nil {
		t.Fatal(err)
	}
	if ir.IsError || ir.Content[0].Text != "5" {
		t.Fatalf("expected \"5\", got %+v", ir.Content)
	}
}

func TestNoSessionHeaderEverEmitted(t *testing.T) {
	h := newTestHandler(t)
	rec := post(t, h, 1, string(wire.HandshakeMethod), wire.HandshakeRequest{ProtocolVersion: wire.ProtocolVersion})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	for name := range rec.Header() {
		if strings.Contains(strings.ToLower(name), "session") {
			t.Fatalf("stateless reply must not carry session header %q", name)
		}
	}
}

func TestHandshakeAnswersPerRequest(t *testing.T) {
	h := newTestHandler(t)
	rec := post(t, h, 1, string(wire.HandshakeMethod), wire.HandshakeRequest{ProtocolVersion: wire.ProtocolVersion})
	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	var hr wire.HandshakeResult
	if err := json.Unmarshal(resp.Result, &hr); err != nil {
		t.Fatal(err)
	}
	if hr.ProtocolVersion != wire.ProtocolVersion {
		t.Fatalf("protocol version %q", hr.ProtocolVersion)
	}
	if !hr.Features.Tools {
		t.Fatal("expected tools feature to be advertised")
	}
}

func TestTerminateAcknowledgedNotClosed(t *testing.T) {
	h := newTestHandler(t)
	rec := post(t, h, 1, string(wire.TerminateMethod), nil)
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
	if tr.Closed {
		t.Fatal("stateless terminate must acknowledge without closing anything")
	}
}

func TestNotificationAccepted(t *testing.T) {
	h := newTestHandler(t)
	rec := post(t, h, nil, string(wire.ProgressNotificationMethod), map[string]any{"progressToken": "x", "progress": 1})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("notification ack must have no body, got %q", rec.Body.String())
	}
}

func TestOriginAllowList(t *testing.T) {
	h := newTestHandler(t, WithAllowedOrigins([]string{"app.example.com"}))

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
		body, err := json.Marshal(map[string]any{
			"jsonrpc": "2.0", "id": 1, "method": string(wire.ToolsCallMethod),
			"params": wire.CallToolRequest{Name: "add", Arguments: json.RawMessage(`{"a":1,"b":1}`)},
		})
		if err != nil {
			t.Fatal(err)
		}
		req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
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

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t)
	for _, method := range []string{http.MethodGet, http.MethodDelete, http.MethodPut} {
		req := httptest.NewRequest(method, "/rpc", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", method, rec.Code)
		}
		if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
			t.Errorf("%s: Allow header %q", method, allow)
		}
	}
}

func TestBatchRejected(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRequestsAreIsolated(t *testing.T) {
	h := newTestHandler(t)
	// Two identical invokes; neither can observe the other.
	for i := 0; i < 2; i++ {
		rec := post(t, h, i+1, string(wire.ToolsCallMethod), wire.CallToolRequest{
			Name:      "add",
			Arguments: json.RawMessage(`{"a":4,"b":4}`),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("invoke %d: status %d", i, rec.Code)
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		var ir wire.InvocationResult
		if err := json.Unmarshal(resp.Result, &ir); err != nil {
			t.Fatal(err)
		}
		if ir.Content[0].Text != "8" {
			t.Fatalf("invoke %d: got %+v", i, ir.Content)
		}
	}
}
