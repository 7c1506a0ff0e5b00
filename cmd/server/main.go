package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/server/internal/admission"
	"github.com/driftchat/server/internal/ban"
	"github.com/driftchat/server/internal/config"
	"github.com/driftchat/server/internal/events"
	"github.com/driftchat/server/internal/feedback"
	"github.com/driftchat/server/internal/httpapi"
	"github.com/driftchat/server/internal/match"
	"github.com/driftchat/server/internal/protocol"
	"github.com/driftchat/server/internal/registry"
	"github.com/driftchat/server/internal/relay"
	"github.com/driftchat/server/internal/session"
	"github.com/driftchat/server/internal/stats"
	"github.com/driftchat/server/internal/store"
	"github.com/driftchat/server/internal/ws"
)

const (
	queueTickInterval = 10 * time.Second
	gcInterval        = 30 * time.Second
	gaugeInterval     = 15 * time.Second
	opTimeout         = 5 * time.Second
)

// observer fans lifecycle events out to the stats collector and, when NATS is
// configured, the event publisher. A nil publisher drops events silently.
type observer struct {
	collector *stats.Collector
	publisher *events.Publisher
}

func (o *observer) WaitStarted(chatType store.ChatType) {
	o.collector.WaitStarted(chatType)
}

func (o *observer) MatchMade(sess *store.ChatSession, quality string, waited time.Duration) {
	o.collector.MatchMade(sess, quality, waited)
	o.publisher.PublishMatchCreated(events.MatchCreated{
		SessionID:       sess.ID,
		User1ID:         sess.User1ID,
		User2ID:         sess.User2ID,
		ChatType:        string(sess.Type),
		SharedInterests: sess.Interests,
		Quality:         quality,
	})
}

func (o *observer) MessageRelayed(sess *store.ChatSession, delivered bool) {
	o.collector.MessageRelayed(sess, delivered)
	o.publisher.PublishChatMessage(sess.ID, delivered)
}

func (o *observer) MessageBlocked() {
	o.collector.MessageBlocked()
}

func (o *observer) SessionEnded(sess *store.ChatSession, cause string) {
	o.collector.SessionEnded(sess, cause)
	o.publisher.PublishSessionEnded(sess.ID, cause)
}

func main() {
	cfg := config.FromEnv()

	// --- Store ---
	var st store.Store
	var bans *ban.Store
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedis(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		defer rs.Close()
		st = rs
		bans = ban.NewStore(rs.Client())
	} else {
		st = store.NewMemory()
	}

	// --- NATS (optional) ---
	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		name, _ := os.Hostname()
		if name == "" {
			name = "driftchat-1"
		}
		p, err := events.Connect(cfg.NATSURL, name)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		publisher = p
	}

	// --- Postgres (optional, feedback/report storage) ---
	var fb *feedback.Store
	if cfg.DatabaseURL != "" {
		f, err := feedback.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer f.Close()
		fb = f
	}

	log.Printf("driftchat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  max_ws_per_ip:   %d", cfg.MaxWSPerIP)
	log.Printf("  read_timeout:    %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:   %s", cfg.WriteTimeout)
	log.Printf("  heartbeat:       %s", cfg.HeartbeatInterval)
	log.Printf("  redis_addr:      %s", orNone(cfg.RedisAddr))
	log.Printf("  nats_url:        %s", orNone(cfg.NATSURL))
	log.Printf("  database:        %s", configured(cfg.DatabaseURL))

	collector := stats.NewCollector()
	obs := &observer{collector: collector, publisher: publisher}

	reg := registry.New(cfg.MaxWSPerIP, cfg.WriteTimeout)
	limiter := admission.NewLimiter()
	matcher := match.New(st, reg, limiter, obs)
	rly := relay.New(st, reg, limiter, obs)
	ctrl := session.New(st, reg, matcher, limiter, obs)

	dispatcher := ws.NewDispatcher()
	wsConfig := ws.Config{
		WorkerPoolSize:    cfg.WorkerPoolSize,
		MaxConnections:    cfg.MaxConnections,
		MaxFrameSize:      ws.DefaultConfig().MaxFrameSize,
		ReadTimeout:       cfg.ReadTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}
	server := ws.NewServer(wsConfig, reg, dispatcher.Dispatch)

	// sendTo encodes a server frame and queues it on a connection.
	sendTo := func(conn *registry.Conn, msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("main: build %s frame: %v", msgType, err)
			return
		}
		conn.Enqueue(data)
	}

	// requireUser resolves the user bound to a connection, or answers with a
	// not_joined error. Every message except join and get_session_recovery
	// needs a bound identity.
	requireUser := func(conn *registry.Conn) (string, bool) {
		uid := conn.UserID()
		if uid == "" {
			sendTo(conn, protocol.TypeError, protocol.ErrorMsg{
				Code:    protocol.CodeNotJoined,
				Message: "send join first",
			})
			return "", false
		}
		return uid, true
	}

	bgCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), opTimeout)
	}

	// -----------------------------------------------------------------------
	// join — register an anonymous identity on this connection
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoin, func(conn *registry.Conn, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinMsg)
		if !ok {
			return
		}
		ctx, cancel := bgCtx()
		defer cancel()

		// A second join on the same connection replaces the identity; the old
		// one is released immediately rather than via disconnect grace.
		if old := conn.UserID(); old != "" {
			ctrl.CancelGrace(old)
			reg.Unbind(old)
			if err := st.RemoveOnlineUser(ctx, old); err != nil {
				log.Printf("join: remove previous user %s: %v", old, err)
			}
			limiter.Forget(old)
		}

		now := time.Now()
		user := &store.OnlineUser{
			ID:        uuid.New().String(),
			Interests: match.NormalizeInterests(joinMsg.Interests),
			Gender:    store.GenderUnset,
			ChatType:  store.ChatTypeNone,
			LastSeen:  now,
			JoinedAt:  now,
		}
		if err := st.AddOnlineUser(ctx, user); err != nil {
			log.Printf("join: add user: %v", err)
			sendTo(conn, protocol.TypeError, protocol.ErrorMsg{
				Code:    protocol.CodeInternalRetry,
				Message: "could not register, try again",
			})
			return
		}

		reg.Bind(conn.ID, user.ID)
		sendTo(conn, protocol.TypeUserJoined, protocol.UserJoinedMsg{UserID: user.ID})

		collector.RecordJoin(conn.RemoteIP, user.Interests)
		publisher.PublishUserJoined(user.ID, user.Interests)
		log.Printf("join: user=%s conn=%s interests=%v", user.ID, conn.ID, user.Interests)
	})

	// -----------------------------------------------------------------------
	// heartbeat — application-level keepalive, refreshes lastSeen
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeHeartbeat, func(conn *registry.Conn, msg interface{}) {
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		conn.Touch()

		ctx, cancel := bgCtx()
		defer cancel()
		if _, err := st.UpdateOnlineUser(ctx, uid, store.UserPatch{}); err != nil {
			log.Printf("heartbeat: refresh user %s: %v", uid, err)
		}
		sendTo(conn, protocol.TypeHeartbeatAck, protocol.HeartbeatAckMsg{
			Timestamp: time.Now().UnixMilli(),
		})
	})

	// -----------------------------------------------------------------------
	// find_match / get_queue_status
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeFindMatch, func(conn *registry.Conn, msg interface{}) {
		findMsg, ok := msg.(protocol.FindMatchMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := bgCtx()
		defer cancel()
		matcher.RequestMatch(ctx, uid, findMsg)
	})

	dispatcher.Register(protocol.TypeQueueStatusReq, func(conn *registry.Conn, msg interface{}) {
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := bgCtx()
		defer cancel()
		matcher.QueueStatus(ctx, uid)
	})

	// -----------------------------------------------------------------------
	// in-session traffic
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *registry.Conn, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := bgCtx()
		defer cancel()
		rly.SendMessage(ctx, uid, sendMsg)
	})

	dispatcher.Register(protocol.TypeTyping, func(conn *registry.Conn, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := bgCtx()
		defer cancel()
		rly.Typing(ctx, uid, typingMsg)
	})

	dispatcher.Register(protocol.TypeMessageRead, func(conn *registry.Conn, msg interface{}) {
		readMsg, ok := msg.(protocol.MessageReadMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := bgCtx()
		defer cancel()
		rly.MessageRead(ctx, uid, readMsg)
	})

	signalHandler := func(conn *registry.Conn, msg interface{}) {
		sigMsg, ok := msg.(protocol.SignalMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := bgCtx()
		defer cancel()
		rly.ForwardSignal(ctx, uid, sigMsg)
	}
	dispatcher.Register(protocol.TypeWebRTCOffer, signalHandler)
	dispatcher.Register(protocol.TypeWebRTCAnswer, signalHandler)
	dispatcher.Register(protocol.TypeWebRTCICECandidate, signalHandler)

	dispatcher.Register(protocol.TypeUpdateGender, func(conn *registry.Conn, msg interface{}) {
		genderMsg, ok := msg.(protocol.UpdateGenderMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := bgCtx()
		defer cancel()
		rly.UpdateGender(ctx, uid, genderMsg)
	})

	// -----------------------------------------------------------------------
	// session lifecycle
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEndChat, func(conn *registry.Conn, msg interface{}) {
		endMsg, ok := msg.(protocol.EndChatMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := bgCtx()
		defer cancel()
		ctrl.EndChat(ctx, uid, endMsg)
	})

	dispatcher.Register(protocol.TypeNextStranger, func(conn *registry.Conn, msg interface{}) {
		nextMsg, ok := msg.(protocol.NextStrangerMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := bgCtx()
		defer cancel()
		ctrl.NextStranger(ctx, uid, nextMsg)
	})

	// Recovery is the one operation allowed on a connection that has not
	// joined: a reconnecting client uses it to reclaim its previous identity.
	dispatcher.Register(protocol.TypeSessionRecovery, func(conn *registry.Conn, msg interface{}) {
		recMsg, ok := msg.(protocol.SessionRecoveryMsg)
		if !ok {
			return
		}
		ctx, cancel := bgCtx()
		defer cancel()
		ctrl.Recover(ctx, conn, recMsg)
	})

	server.SetOnDisconnect(func(userID string) {
		if userID == "" {
			return
		}
		ctrl.OnConnectionClose(userID)
	})

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	stopTicker := matcher.StartQueueTicker(queueTickInterval)
	stopGC := ctrl.StartGC(gcInterval)
	stopGauges := collector.StartGauges(gaugeInterval, func() (int, int, int, int) {
		ctx, cancel := bgCtx()
		defer cancel()

		sessions, waitingText, waitingVideo := 0, 0, 0
		if all, err := st.ListChatSessions(ctx); err == nil {
			for _, s := range all {
				if s.Status == store.SessionConnected {
					sessions++
				}
			}
		}
		if users, err := st.GetAllOnlineUsers(ctx); err == nil {
			for _, u := range users {
				if !u.IsWaiting {
					continue
				}
				switch u.ChatType {
				case store.ChatTypeText:
					waitingText++
				case store.ChatTypeVideo:
					waitingVideo++
				}
			}
		}
		return reg.Count(), sessions, waitingText, waitingVideo
	})

	api := httpapi.New(cfg, st, reg, collector, fb, bans, server.HandleWS)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		stopTicker()
		stopGC()
		stopGauges()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		server.Shutdown()
		publisher.Close()
		os.Exit(0)
	}()

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server error: %v", err)
	}
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}

func configured(v string) string {
	if v == "" {
		return "(none)"
	}
	return "configured"
}
