package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/voicewidget/internal/config"
	"github.com/antoniostano/voicewidget/internal/observability"
	"github.com/antoniostano/voicewidget/internal/provisioner"
	"github.com/antoniostano/voicewidget/internal/relay"
	"github.com/antoniostano/voicewidget/internal/session"
	"github.com/antoniostano/voicewidget/internal/widget"
)

// fakeUpstream stands in for the call provider.
type fakeUpstream struct {
	mu       sync.Mutex
	status   int
	authSeen []string
	srv      *httptest.Server
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{status: http.StatusCreated}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.authSeen = append(u.authSeen, r.Header.Get("Authorization"))
		status := u.status
		u.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"call_id":"C1","access_token":"TOK"}`))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) setStatus(code int) {
	u.mu.Lock()
	u.status = code
	u.mu.Unlock()
}

func (u *fakeUpstream) lastAuth() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.authSeen) == 0 {
		return ""
	}
	return u.authSeen[len(u.authSeen)-1]
}

type testEnv struct {
	ts       *httptest.Server
	upstream *fakeUpstream
	sessions session.Store
	relay    *relay.Relay
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	upstream := newFakeUpstream(t)
	cfg := config.Config{
		RetellAPIKey:       "server-key",
		RetellAgentID:      "agent-demo",
		WriteTimeout:       time.Second,
		ReadLimit:          1 << 20,
		WidgetPosition:     "bottom-left",
		WidgetPrimaryColor: "#111111",
		WidgetButtonSize:   "large",
	}
	metrics := observability.NewMetrics("test_httpapi", nil)
	sessions := session.NewInMemoryStore()
	rl := relay.New(relay.Options{
		Sessions: sessions,
		Provisioner: provisioner.NewClient(provisioner.Options{
			BaseURL: upstream.srv.URL,
			APIKey:  cfg.RetellAPIKey,
			Timeout: time.Second,
		}),
		Metrics: metrics,
		Logger:  zerolog.Nop(),
	})
	srv := New(cfg, sessions, widget.NewInMemoryStore(), rl, metrics, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(rl.CloseAll)
	return &testEnv{ts: ts, upstream: upstream, sessions: sessions, relay: rl}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(res.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return res.StatusCode, out
}

func TestSessionRoutes(t *testing.T) {
	env := newTestEnv(t)

	status, created := env.do(t, http.MethodPost, "/api/voice/session", map[string]any{"agentId": "A1"})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", status, http.StatusCreated)
	}
	id, _ := created["id"].(string)
	if id == "" || created["status"] != "idle" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	if status, _ := env.do(t, http.MethodPost, "/api/voice/session", map[string]any{}); status != http.StatusBadRequest {
		t.Fatalf("create without agentId status = %d, want 400", status)
	}

	status, updated := env.do(t, http.MethodPut, "/api/voice/session/"+id, map[string]any{"status": "connected", "callId": "C9"})
	if status != http.StatusOK || updated["status"] != "connected" || updated["callId"] != "C9" {
		t.Fatalf("update = %d %+v", status, updated)
	}
	if status, _ := env.do(t, http.MethodPut, "/api/voice/session/"+id, map[string]any{"status": "flying"}); status != http.StatusBadRequest {
		t.Fatalf("invalid status update = %d, want 400", status)
	}

	status, got := env.do(t, http.MethodGet, "/api/voice/session/"+id, nil)
	if status != http.StatusOK || got["agentId"] != "A1" {
		t.Fatalf("get = %d %+v", status, got)
	}

	status, ended := env.do(t, http.MethodPost, "/api/voice/session/"+id+"/end", map[string]any{"duration": "42s"})
	if status != http.StatusOK || ended["status"] != "ended" || ended["duration"] != "42s" {
		t.Fatalf("end = %d %+v", status, ended)
	}
	status, reopened := env.do(t, http.MethodPut, "/api/voice/session/"+id, map[string]any{"status": "connected"})
	if status != http.StatusOK || reopened["status"] != "ended" {
		t.Fatalf("update after end = %d %+v, want ended to stay terminal", status, reopened)
	}

	for _, path := range []string{"/api/voice/session/missing", "/api/voice/session/missing/end"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "/end") {
			method = http.MethodPost
		}
		if status, body := env.do(t, method, path, nil); status != http.StatusNotFound || body["code"] != "session_not_found" {
			t.Fatalf("%s %s = %d %+v, want 404", method, path, status, body)
		}
	}
}

func TestWidgetConfigRoutes(t *testing.T) {
	env := newTestEnv(t)

	status, cfg := env.do(t, http.MethodPost, "/api/widget/config", map[string]any{"apiKey": "pk_1", "agentId": "A1"})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", status)
	}
	if cfg["position"] != "bottom-right" || cfg["buttonSize"] != "medium" || cfg["enabled"] != true {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	if status, _ := env.do(t, http.MethodPost, "/api/widget/config", map[string]any{"apiKey": "pk_2", "agentId": "A1", "position": "center"}); status != http.StatusBadRequest {
		t.Fatalf("invalid position status = %d, want 400", status)
	}

	status, got := env.do(t, http.MethodGet, "/api/widget/config/pk_1", nil)
	if status != http.StatusOK || got["id"] != cfg["id"] {
		t.Fatalf("lookup = %d %+v", status, got)
	}
	if status, _ := env.do(t, http.MethodGet, "/api/widget/config/pk_unknown", nil); status != http.StatusNotFound {
		t.Fatalf("unknown key status = %d, want 404", status)
	}
}

func TestDemoConfigOmitsCredential(t *testing.T) {
	env := newTestEnv(t)

	res, err := http.Get(env.ts.URL + "/api/widget/demo-config")
	if err != nil {
		t.Fatalf("GET demo-config error = %v", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)

	if strings.Contains(string(raw), "server-key") {
		t.Fatalf("demo config leaked the server credential: %s", raw)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode demo config: %v", err)
	}
	if got["agentId"] != "agent-demo" || got["position"] != "bottom-left" || got["buttonSize"] != "large" || got["primaryColor"] != "#111111" {
		t.Fatalf("unexpected demo config: %+v", got)
	}
}

func TestCreateWebCallUsesServerCredential(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/voice/create-web-call", map[string]any{"agentId": "A1", "apiKey": "client-key"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%+v)", status, body)
	}
	if body["accessToken"] != "TOK" {
		t.Fatalf("accessToken = %v, want TOK", body["accessToken"])
	}
	if _, ok := body["callId"]; ok {
		t.Fatalf("create-web-call must return only the access token: %+v", body)
	}
	if got := env.upstream.lastAuth(); got != "Bearer server-key" {
		t.Fatalf("upstream Authorization = %q, want server credential", got)
	}

	if status, _ := env.do(t, http.MethodPost, "/api/voice/create-web-call", map[string]any{"apiKey": "client-key"}); status != http.StatusBadRequest {
		t.Fatalf("missing agentId status = %d, want 400", status)
	}
}

func TestCreateCallRoute(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/retell/call", map[string]any{"agentId": "A1", "metadata": map[string]any{"k": "v"}})
	if status != http.StatusOK || body["callId"] != "C1" || body["accessToken"] != "TOK" {
		t.Fatalf("create call = %d %+v", status, body)
	}

	env.upstream.setStatus(http.StatusInternalServerError)
	status, body = env.do(t, http.MethodPost, "/api/retell/call", map[string]any{"agentId": "A1"})
	if status != http.StatusBadGateway || body["code"] != "provider_error" {
		t.Fatalf("provider failure = %d %+v, want 502 provider_error", status, body)
	}
}

func TestHealthAndPerfRoutes(t *testing.T) {
	env := newTestEnv(t)

	status, health := env.do(t, http.MethodGet, "/healthz", nil)
	if status != http.StatusOK || health["session_store_mode"] != "in-memory" {
		t.Fatalf("healthz = %d %+v", status, health)
	}
	status, ready := env.do(t, http.MethodGet, "/readyz", nil)
	if status != http.StatusOK || ready["provider_configured"] != true {
		t.Fatalf("readyz = %d %+v", status, ready)
	}

	env.do(t, http.MethodPost, "/api/retell/call", map[string]any{"agentId": "A1"})
	status, perf := env.do(t, http.MethodGet, "/api/perf/latency", nil)
	if status != http.StatusOK {
		t.Fatalf("perf status = %d", status)
	}
	stages, _ := perf["stages"].([]any)
	if len(stages) == 0 {
		t.Fatalf("perf snapshot has no stages: %+v", perf)
	}

	res, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(raw), "test_httpapi_provision_latency_ms") {
		t.Fatalf("metrics output missing provision latency histogram")
	}
}

func (e *testEnv) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, res, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("Dial() error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireMessage struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

func readWire(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func writeWire(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, nil)

	sentAt := time.Now().UnixMilli()
	writeWire(t, conn, map[string]any{"type": "start_session", "data": map[string]any{"agentId": "A1"}, "timestamp": sentAt})

	msg := readWire(t, conn)
	if msg.Type != "state_change" || msg.Data["status"] != "connected" {
		t.Fatalf("unexpected first message: %+v", msg)
	}
	if msg.Data["callId"] != "C1" || msg.Data["accessToken"] != "TOK" {
		t.Fatalf("missing call details: %+v", msg.Data)
	}
	if msg.Timestamp < sentAt {
		t.Fatalf("timestamp %d earlier than client send %d", msg.Timestamp, sentAt)
	}
	id, _ := msg.Data["sessionId"].(string)
	if id == "" {
		t.Fatalf("missing sessionId: %+v", msg.Data)
	}

	writeWire(t, conn, map[string]any{"type": "audio_chunk", "sessionId": id, "data": map[string]any{"audioData": "AAEC"}, "timestamp": sentAt + 1})
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1}); err != nil {
		t.Fatalf("WriteMessage(binary) error = %v", err)
	}
	writeWire(t, conn, map[string]any{"type": "end_session", "sessionId": id, "timestamp": sentAt + 2})

	msg = readWire(t, conn)
	if msg.Type != "state_change" || msg.Data["status"] != "ended" {
		t.Fatalf("unexpected end message: %+v", msg)
	}
	status, sess := env.do(t, http.MethodGet, "/api/voice/session/"+id, nil)
	if status != http.StatusOK || sess["status"] != "ended" || sess["endTime"] == nil {
		t.Fatalf("session after end = %d %+v", status, sess)
	}
}

func TestWebSocketProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.setStatus(http.StatusInternalServerError)
	conn := env.dial(t, nil)

	writeWire(t, conn, map[string]any{"type": "start_session", "data": map[string]any{"agentId": "A1"}, "timestamp": 1})
	msg := readWire(t, conn)
	if msg.Type != "error" || msg.Data["message"] == "" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.SessionID == "" {
		t.Fatalf("error message should name the failed session: %+v", msg)
	}

	status, sess := env.do(t, http.MethodGet, "/api/voice/session/"+msg.SessionID, nil)
	if status != http.StatusOK || sess["status"] != "error" {
		t.Fatalf("session after failure = %d %+v", status, sess)
	}
	if _, bound := env.relay.Lookup(msg.SessionID); bound {
		t.Fatalf("failed session must not be bound")
	}
}

func TestWebSocketInvalidMessage(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance","timestamp":1}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	msg := readWire(t, conn)
	if msg.Type != "error" || msg.Data["message"] != "invalid message format" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestWebSocketDisconnectEndsSession(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, nil)

	writeWire(t, conn, map[string]any{"type": "start_session", "data": map[string]any{"agentId": "A1"}, "timestamp": 1})
	msg := readWire(t, conn)
	id, _ := msg.Data["sessionId"].(string)
	if id == "" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	_ = conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, sess := env.do(t, http.MethodGet, "/api/voice/session/"+id, nil)
		if sess["status"] == "ended" {
			if _, bound := env.relay.Lookup(id); bound {
				t.Fatalf("session %s still bound after disconnect", id)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s was not ended after disconnect", id)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"

	_, res, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatalf("Dial() succeeded for foreign origin")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v, want 403", res)
	}
}
