package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/inkwell/chat/internal/auth"
	"github.com/inkwell/chat/internal/bot"
	"github.com/inkwell/chat/internal/channel"
	"github.com/inkwell/chat/internal/message"
	"github.com/inkwell/chat/internal/metrics"
	"github.com/inkwell/chat/internal/messaging"
	"github.com/inkwell/chat/internal/moderation"
	"github.com/inkwell/chat/internal/mute"
	"github.com/inkwell/chat/internal/protocol"
	"github.com/inkwell/chat/internal/ratelimit"
	"github.com/inkwell/chat/internal/readstate"
	"github.com/inkwell/chat/internal/strike"
	"github.com/inkwell/chat/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- Postgres ---
	databaseURL := "postgres://localhost:5432/chat?sslmode=disable"
	if v := os.Getenv("DATABASE_URL"); v != "" {
		databaseURL = v
	}

	migrationsPath := "file://migrations"
	if v := os.Getenv("MIGRATIONS_PATH"); v != "" {
		migrationsPath = v
	}
	m, err := migrate.New(migrationsPath, databaseURL)
	if err != nil {
		log.Fatalf("failed to init migrations: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("failed to run migrations: %v", err)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	pingCancel()

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	authStore, err := auth.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(authStore.Client())

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	if name, _ := os.Hostname(); name != "" {
		natsConfig.Name = "chat-gateway-" + name
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Moderation config ---
	botIdentity := bot.Identity{UserID: 1, Name: "InkBot"}
	if v := os.Getenv("BOT_USER_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			botIdentity.UserID = n
		}
	}
	if v := os.Getenv("BOT_USER_NAME"); v != "" {
		botIdentity.Name = v
	}

	strikeThreshold := 3
	if v := os.Getenv("STRIKE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			strikeThreshold = n
		}
	}

	windowLoc := time.UTC
	if v := os.Getenv("CHAT_WINDOW_TZ"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			log.Fatalf("invalid CHAT_WINDOW_TZ %q: %v", v, err)
		}
		windowLoc = loc
	}

	var blocklist []string
	if v := os.Getenv("BLOCKLIST"); v != "" {
		blocklist = strings.Split(v, ",")
	}

	// --- Stores and pipeline ---
	channels := channel.NewStore(db)
	messages := message.NewStore(db)
	strikes := strike.NewStore(db)
	mutes := mute.NewStore(db)
	readStates := readstate.NewStore(db)

	hub := ws.NewHub(natsClient)
	notifier := bot.NewNotifier(botIdentity, messages, hub)
	classifier := moderation.NewRuleClassifier(blocklist)
	engine := moderation.NewEngine(channels, messages, strikes, mutes, notifier, hub, classifier, moderation.Config{
		BotUserID:       botIdentity.UserID,
		StrikeThreshold: strikeThreshold,
		WindowLoc:       windowLoc,
	})

	log.Printf("Chat gateway starting")
	log.Printf("  listen_addr:      %s", config.ListenAddr)
	log.Printf("  worker_pool:      %d", config.WorkerPoolSize)
	log.Printf("  max_connections:  %d", config.MaxConnections)
	log.Printf("  nats_url:         %s", natsConfig.URL)
	log.Printf("  redis_addr:       %s", redisAddr)
	log.Printf("  strike_threshold: %d", strikeThreshold)
	log.Printf("  window_tz:        %s", windowLoc)
	log.Printf("  bot_user:         %d (%s)", botIdentity.UserID, botIdentity.Name)

	dispatcher := ws.NewMessageDispatcher()

	sendError := func(conn *ws.Connection, code, text string) {
		data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: text})
		if err != nil {
			log.Printf("failed to build error message conn=%s: %v", conn.ID, err)
			return
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("failed to send error message conn=%s: %v", conn.ID, err)
		}
	}

	// -----------------------------------------------------------------------
	// join — enter a channel room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinMsg)
		if !ok {
			return
		}
		if joinMsg.ChannelID == 0 {
			sendError(conn, "invalid_message", "channel_id is required")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		ch, err := channels.Get(ctx, joinMsg.ChannelID)
		if errors.Is(err, channel.ErrNotFound) {
			sendError(conn, "not_found", "channel does not exist")
			return
		}
		if err != nil {
			log.Printf("join: channel lookup failed conn=%s: %v", conn.ID, err)
			sendError(conn, "error", "could not join channel")
			return
		}
		if !ch.IsActive {
			sendError(conn, "not_found", "channel is not active")
			return
		}
		if conn.Guest() && ch.Type != channel.TypeGlobal {
			sendError(conn, "auth_required", "sign in to join this channel")
			return
		}

		hub.Join(ch.ID, conn)

		// Durable read state is independent of room membership; joining just
		// makes sure the row exists for authenticated users.
		if !conn.Guest() {
			if err := readStates.MarkRead(ctx, conn.User.ID, ch.ID, 0); err != nil {
				log.Printf("join: readstate init failed user=%d channel=%d: %v", conn.User.ID, ch.ID, err)
			}
		}

		log.Printf("join conn=%s channel=%d members=%d", conn.ID, ch.ID, hub.Members(ch.ID))
	})

	// -----------------------------------------------------------------------
	// leave — drop a channel room membership
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeave, func(conn *ws.Connection, msg interface{}) {
		leaveMsg, ok := msg.(protocol.LeaveMsg)
		if !ok {
			return
		}
		hub.Leave(leaveMsg.ChannelID, conn)
		log.Printf("leave conn=%s channel=%d", conn.ID, leaveMsg.ChannelID)
	})

	// -----------------------------------------------------------------------
	// send — run the moderation pipeline for a chat message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSend, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMsg)
		if !ok {
			return
		}

		// Local rejections: nothing is broadcast, nothing persisted.
		if conn.Guest() {
			sendError(conn, "auth_required", "sign in to send messages")
			return
		}
		if sendMsg.ChannelID == 0 {
			sendError(conn, "invalid_message", "channel_id is required")
			return
		}
		content := strings.TrimSpace(sendMsg.Content)
		if content == "" {
			sendError(conn, "invalid_message", "message content is empty")
			return
		}
		if err := message.ValidateContent(content); err != nil {
			sendError(conn, "invalid_message", err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rlKey := strconv.FormatInt(conn.User.ID, 10) + ":" + strconv.FormatInt(sendMsg.ChannelID, 10)
		if allowed, _ := limiter.Allow(ctx, rlKey, ratelimit.RuleSend); !allowed {
			data, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleSend.Window.Seconds()),
			})
			if data != nil {
				_ = conn.WriteMessage(data)
			}
			return
		}

		started := time.Now()
		outcome, err := engine.HandleSend(ctx, conn.User.ID, sendMsg.ChannelID, content, sendMsg.ReplyToID)
		metrics.SendLatency.Observe(time.Since(started).Seconds())

		switch {
		case errors.Is(err, channel.ErrNotFound):
			sendError(conn, "not_found", "channel does not exist")
			return
		case errors.Is(err, moderation.ErrChannelInactive):
			sendError(conn, "not_found", "channel is not active")
			return
		case errors.Is(err, message.ErrNotFound):
			sendError(conn, "not_found", "replied-to message does not exist")
			return
		case errors.Is(err, message.ErrCrossChannelReply):
			sendError(conn, "invalid_message", "reply must reference a message in the same channel")
			return
		case err != nil:
			log.Printf("send: pipeline failed user=%d channel=%d: %v", conn.User.ID, sendMsg.ChannelID, err)
			sendError(conn, "error", "message could not be delivered")
			return
		}

		// Blocked outcomes go to the sender only; the room saw either the
		// created message broadcast or nothing at all.
		if outcome.Blocked {
			data, err := protocol.NewServerMessage(protocol.TypeBlocked, protocol.BlockedMsg{
				ChannelID: sendMsg.ChannelID,
				Reason:    outcome.Reason,
				MuteUntil: outcome.MuteUntil.Unix(),
			})
			if err != nil {
				log.Printf("send: build blocked failed conn=%s: %v", conn.ID, err)
				return
			}
			if err := conn.WriteMessage(data); err != nil {
				log.Printf("send: deliver blocked failed conn=%s: %v", conn.ID, err)
			}
		}
	})

	// -----------------------------------------------------------------------
	// mark_read — advance durable read state
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		readMsg, ok := msg.(protocol.MarkReadMsg)
		if !ok {
			return
		}
		if conn.Guest() {
			sendError(conn, "auth_required", "sign in to track read state")
			return
		}
		if readMsg.ChannelID == 0 {
			sendError(conn, "invalid_message", "channel_id is required")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := readStates.MarkRead(ctx, conn.User.ID, readMsg.ChannelID, readMsg.MessageID); err != nil {
			log.Printf("mark_read failed user=%d channel=%d: %v", conn.User.ID, readMsg.ChannelID, err)
		}
	})

	server := ws.NewServer(config, hub, authStore, dispatcher.Dispatch)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := authStore.Close(); err != nil {
			log.Printf("auth store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("db close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
