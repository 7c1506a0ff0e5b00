// Package httpapi serves the HTTP surface: the WebSocket upgrade endpoint,
// the read-only stats endpoints, feedback/report submission, and Prometheus
// metrics. All /api responses are JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/driftchat/server/internal/ban"
	"github.com/driftchat/server/internal/config"
	"github.com/driftchat/server/internal/feedback"
	"github.com/driftchat/server/internal/metrics"
	"github.com/driftchat/server/internal/registry"
	"github.com/driftchat/server/internal/stats"
	"github.com/driftchat/server/internal/store"
)

// defaultSuggestions seeds /api/interests/suggestions until real traffic
// produces a ranking.
var defaultSuggestions = []string{
	"music", "movies", "gaming", "travel", "books",
	"sports", "art", "technology", "food", "fitness",
}

// Server bundles the dependencies of the HTTP handlers.
type Server struct {
	cfg       config.Config
	store     store.Store
	reg       *registry.Registry
	collector *stats.Collector
	fb        *feedback.Store // nil disables feedback endpoints
	bans      *ban.Store      // nil disables IP bans
	wsHandler http.HandlerFunc
	validate  *validator.Validate
	startedAt time.Time
}

// New creates the HTTP server. fb may be nil when no database is configured;
// bans may be nil when no Redis is configured.
func New(cfg config.Config, st store.Store, reg *registry.Registry, collector *stats.Collector, fb *feedback.Store, bans *ban.Store, wsHandler http.HandlerFunc) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		collector: collector,
		fb:        fb,
		bans:      bans,
		wsHandler: wsHandler,
		validate:  validator.New(),
		startedAt: time.Now(),
	}
}

// Router builds the chi router. The WebSocket upgrade and /metrics sit
// outside the per-IP request limit; the read-only /api endpoints are exempt
// as well, leaving the limit to guard the write endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	if s.cfg.CORSOrigin != "" {
		r.Use(corsMiddleware(s.cfg.CORSOrigin))
	}

	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Group(func(ro chi.Router) {
			ro.Get("/health", s.handleHealth)
			ro.Get("/stats", s.handleStats)
			ro.Get("/analytics", s.handleAnalytics)
			ro.Get("/interests/suggestions", s.handleSuggestions)
			ro.Get("/poll", s.handlePoll)
			ro.Post("/poll", s.handleAck)
		})

		api.Group(func(rw chi.Router) {
			rw.Use(httprate.Limit(
				s.cfg.HTTPRateLimit,
				s.cfg.HTTPRateWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
			))
			rw.Get("/messages", s.handleMessages)
			rw.Post("/messages", s.handleAck)
			rw.Post("/feedback", s.handleFeedback)
			rw.Post("/report", s.handleReport)
		})
	})

	return r
}

// --- handlers ---

// handleWS rejects banned IPs before handing the request to the WebSocket
// upgrade. Ban checks fail open when Redis is down or not configured.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if banned, remaining, _ := s.bans.IsBanned(r.Context(), clientIP(r)); banned {
		w.Header().Set("Retry-After", strconv.Itoa(remaining))
		writeError(w, http.StatusForbidden, "temporarily banned")
		return
	}
	s.wsHandler(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":      "ok",
		"connections": s.reg.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"goroutines":  runtime.NumGoroutine(),
		"system":      systemStats(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.Stats(10)
	live := s.liveCounts(r.Context())

	resp := map[string]interface{}{
		"activeUsers":  live.online,
		"chatsToday":   snap.ChatsToday,
		"countries":    snap.DistinctIPsToday,
		"textUsers":    live.textUsers,
		"videoUsers":   live.videoUsers,
		"avgWaitTime":  snap.AvgWaitSeconds,
		"serverUptime": time.Since(s.startedAt).Round(time.Second).String(),
		"lastUpdated":  time.Now().UnixMilli(),
		"waitingUsers": map[string]int{"text": live.waitingText, "video": live.waitingVideo},
		"activeChats":  live.activeChats,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.Stats(25)
	hourly := s.collector.HourlyActivity()

	resp := map[string]interface{}{
		"hourlyActivity":   hourly,
		"chatsToday":       snap.ChatsToday,
		"totalMessages":    snap.TotalMessages,
		"popularInterests": snap.PopularInterests,
		"distinctIPs":      snap.DistinctIPsToday,
		"uptime":           time.Since(s.startedAt).Round(time.Second).String(),
		"system":           systemStats(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions := s.collector.Suggestions(12)
	if len(suggestions) == 0 {
		suggestions = defaultSuggestions
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"interests": suggestions})
}

// handlePoll exists for client compatibility; there is no active poll
// system, so it always reports none.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
}

// handleAck acknowledges fallback submissions (poll votes, long-poll message
// posts) without acting on them. The WebSocket relay is the real message
// path.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleMessages is the long-poll fallback for clients without a live
// WebSocket: it returns the persisted history of a session so a reconnecting
// client can catch up.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if _, err := s.store.GetChatSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	msgs, err := s.store.GetMessagesBySession(r.Context(), sessionID)
	if err != nil {
		log.Printf("httpapi: load messages for %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}

	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]interface{}{
			"messageId": m.ID,
			"senderId":  m.SenderID,
			"message":   m.Content,
			"timestamp": m.Timestamp.UnixMilli(),
		}
		if len(m.Attachments) > 0 {
			entry["attachments"] = m.Attachments
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

type feedbackRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	Rating    int    `json:"rating" validate:"required,min=1,max=5"`
	Comment   string `json:"comment" validate:"max=2000"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if s.fb == nil {
		writeError(w, http.StatusServiceUnavailable, "feedback storage not configured")
		return
	}

	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	err := s.fb.CreateFeedback(r.Context(), &feedback.Feedback{
		SessionID: req.SessionID,
		Rating:    req.Rating,
		Comment:   req.Comment,
	})
	if err != nil {
		log.Printf("httpapi: store feedback: %v", err)
		writeError(w, http.StatusInternalServerError, "could not store feedback")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

type reportRequest struct {
	ReporterID string `json:"reporterId" validate:"required"`
	ReportedID string `json:"reportedId" validate:"required"`
	SessionID  string `json:"sessionId" validate:"required"`
	Reason     string `json:"reason" validate:"required,oneof=harassment spam explicit underage other"`
	Details    string `json:"details" validate:"max=2000"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.fb == nil {
		writeError(w, http.StatusServiceUnavailable, "report storage not configured")
		return
	}

	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	err := s.fb.CreateReport(r.Context(), &feedback.Report{
		ReporterID: req.ReporterID,
		ReportedID: req.ReportedID,
		SessionID:  req.SessionID,
		Reason:     req.Reason,
		Details:    req.Details,
	})
	if err != nil {
		log.Printf("httpapi: store report: %v", err)
		writeError(w, http.StatusInternalServerError, "could not store report")
		return
	}

	// Auto-ban: count this report against the reported user's IP while they
	// are still connected. Once enough distinct reports land in the window,
	// the IP is banned from reconnecting.
	if c := s.reg.UserConn(req.ReportedID); c != nil {
		if banned, duration, err := s.bans.ReportAndCheck(r.Context(), c.RemoteIP); err != nil {
			log.Printf("httpapi: report escalation for %s: %v", c.RemoteIP, err)
		} else if banned {
			log.Printf("httpapi: auto-banned ip=%s for %s after repeated reports", c.RemoteIP, duration)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

type liveSnapshot struct {
	online       int
	textUsers    int
	videoUsers   int
	waitingText  int
	waitingVideo int
	activeChats  int
}

// liveCounts reads the current gauges from the store and registry.
func (s *Server) liveCounts(ctx context.Context) liveSnapshot {
	var out liveSnapshot
	if users, err := s.store.GetAllOnlineUsers(ctx); err == nil {
		out.online = len(users)
		for _, u := range users {
			switch u.ChatType {
			case store.ChatTypeText:
				out.textUsers++
				if u.IsWaiting {
					out.waitingText++
				}
			case store.ChatTypeVideo:
				out.videoUsers++
				if u.IsWaiting {
					out.waitingVideo++
				}
			}
		}
	}
	if sessions, err := s.store.ListChatSessions(ctx); err == nil {
		for _, sess := range sessions {
			if sess.Status == store.SessionConnected {
				out.activeChats++
			}
		}
	}
	return out
}

// systemStats reads host CPU and memory usage. Failures degrade to zeroes
// rather than failing the endpoint.
func systemStats() map[string]interface{} {
	out := map[string]interface{}{
		"cpuPercent": 0.0,
		"memPercent": 0.0,
		"memUsedMB":  0,
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out["cpuPercent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memPercent"] = vm.UsedPercent
		out["memUsedMB"] = vm.Used / 1024 / 1024
	}
	return out
}

// --- helpers ---

// clientIP extracts the client address. The RealIP middleware may have
// rewritten RemoteAddr to a bare IP with no port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
