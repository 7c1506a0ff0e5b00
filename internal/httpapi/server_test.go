package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/driftchat/server/internal/config"
	"github.com/driftchat/server/internal/registry"
	"github.com/driftchat/server/internal/stats"
	"github.com/driftchat/server/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	cfg := config.Config{
		HTTPRateLimit:  100,
		HTTPRateWindow: 15 * time.Minute,
	}
	wsStub := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	}
	s := New(cfg, st, registry.New(0, time.Second), stats.NewCollector(), nil, nil, wsStub)
	return s, st
}

func doJSON(t *testing.T, s *Server, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.RemoteAddr = "203.0.113.9:54321"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s response: %v (%s)", method, target, err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", rec.Code, body)
	}
	if _, ok := body["connections"]; !ok {
		t.Error("health response missing connections")
	}
}

func TestStatsShape(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	for _, u := range []*store.OnlineUser{
		{ID: "t1", ChatType: store.ChatTypeText, IsWaiting: true},
		{ID: "t2", ChatType: store.ChatTypeText},
		{ID: "v1", ChatType: store.ChatTypeVideo, IsWaiting: true},
	} {
		if err := st.AddOnlineUser(ctx, u); err != nil {
			t.Fatalf("add %s: %v", u.ID, err)
		}
	}
	err := st.CreateChatSession(ctx, &store.ChatSession{
		ID: "s1", User1ID: "t1", User2ID: "t2",
		Type: store.ChatTypeText, Status: store.SessionConnected,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec, body := doJSON(t, s, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	for key, want := range map[string]float64{
		"activeUsers": 3,
		"textUsers":   2,
		"videoUsers":  1,
		"activeChats": 1,
	} {
		if got, _ := body[key].(float64); got != want {
			t.Errorf("%s = %v, want %v", key, body[key], want)
		}
	}
	for _, key := range []string{"chatsToday", "countries", "avgWaitTime", "serverUptime", "lastUpdated"} {
		if _, ok := body[key]; !ok {
			t.Errorf("stats response missing %s", key)
		}
	}
}

func TestSuggestionsFallback(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s, http.MethodGet, "/api/interests/suggestions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("suggestions = %d", rec.Code)
	}
	got, _ := body["interests"].([]interface{})
	if len(got) != len(defaultSuggestions) {
		t.Errorf("interests = %v, want defaults", got)
	}
}

func TestPollStub(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s, http.MethodGet, "/api/poll", "")
	if rec.Code != http.StatusOK || body["active"] != false {
		t.Errorf("poll = %d %v", rec.Code, body)
	}
}

func TestFallbackPostsAcknowledged(t *testing.T) {
	s, _ := newTestServer(t)
	for _, target := range []string{"/api/poll", "/api/messages"} {
		rec, body := doJSON(t, s, http.MethodPost, target, `{"anything":"goes"}`)
		if rec.Code != http.StatusAccepted {
			t.Errorf("POST %s = %d, want 202", target, rec.Code)
		}
		if body["status"] != "accepted" {
			t.Errorf("POST %s body = %v", target, body)
		}
	}
}

func TestMessagesHistory(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	err := st.CreateChatSession(ctx, &store.ChatSession{
		ID: "s1", User1ID: "u1", User2ID: "u2",
		Type: store.ChatTypeText, Status: store.SessionConnected,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	err = st.CreateMessage(ctx, &store.Message{
		ID: "m1", SessionID: "s1", SenderID: "u1",
		Content: "hello", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	t.Run("missing sessionId", func(t *testing.T) {
		rec, _ := doJSON(t, s, http.MethodGet, "/api/messages", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("code = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		rec, _ := doJSON(t, s, http.MethodGet, "/api/messages?sessionId=nope", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("code = %d, want 404", rec.Code)
		}
	})

	t.Run("history", func(t *testing.T) {
		rec, body := doJSON(t, s, http.MethodGet, "/api/messages?sessionId=s1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d", rec.Code)
		}
		msgs, _ := body["messages"].([]interface{})
		if len(msgs) != 1 {
			t.Fatalf("messages = %v", msgs)
		}
		first, _ := msgs[0].(map[string]interface{})
		if first["message"] != "hello" || first["senderId"] != "u1" {
			t.Errorf("first message = %v", first)
		}
	})
}

func TestFeedbackWithoutDatabase(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doJSON(t, s, http.MethodPost, "/api/feedback", `{"sessionId":"s1","rating":5}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("feedback = %d, want 503", rec.Code)
	}
	rec, _ = doJSON(t, s, http.MethodPost, "/api/report",
		`{"reporterId":"a","reportedId":"b","sessionId":"s1","reason":"spam"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("report = %d, want 503", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doJSON(t, s, http.MethodGet, "/api/health", "")
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); !strings.Contains(got, "ws:") {
		t.Errorf("CSP = %q", got)
	}
	// Camera and microphone stay open to any embedding origin for video
	// chats.
	if got := rec.Header().Get("Permissions-Policy"); !strings.Contains(got, "camera=*") || !strings.Contains(got, "microphone=*") {
		t.Errorf("Permissions-Policy = %q", got)
	}
}

func TestWSRouteDelegatesWhenNotBanned(t *testing.T) {
	s, _ := newTestServer(t) // nil ban store fails open
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "203.0.113.9:54321"
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusSwitchingProtocols {
		t.Errorf("ws = %d, want upgrade handoff", rec.Code)
	}
}
