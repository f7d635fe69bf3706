package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/tandem/chat-server/internal/chatlog"
	"github.com/tandem/chat-server/internal/httpapi"
	"github.com/tandem/chat-server/internal/identity"
	"github.com/tandem/chat-server/internal/match"
	"github.com/tandem/chat-server/internal/metrics"
	"github.com/tandem/chat-server/internal/notify"
	"github.com/tandem/chat-server/internal/profile"
	"github.com/tandem/chat-server/internal/protocol"
	"github.com/tandem/chat-server/internal/ratelimit"
	"github.com/tandem/chat-server/internal/upload"
	"github.com/tandem/chat-server/internal/ws"
)

func main() {
	listenAddr := ":8080"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		listenAddr = v
	}

	wsConfig := ws.DefaultConfig()
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.WriteTimeout = d
		}
	}

	staleness := match.DefaultStaleness
	if v := os.Getenv("MATCH_STALENESS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			staleness = d
		}
	}

	sweepSpec := os.Getenv("POOL_SWEEP_SPEC")

	// --- Redis (rate limiting) ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(redisClient)

	// --- PostgreSQL (message history, optional) ---
	var messageStore *chatlog.Store
	var db *sql.DB
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		if err := chatlog.Migrate(db); err != nil {
			log.Fatalf("failed to migrate postgres: %v", err)
		}
		messageStore = chatlog.NewStore(db)
	} else {
		log.Printf("POSTGRES_DSN not set, message history disabled")
	}

	// --- AWS (profile table, avatar bucket) ---
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		log.Fatalf("failed to load AWS config: %v", err)
	}

	profileTable := "profiles"
	if v := os.Getenv("PROFILE_TABLE"); v != "" {
		profileTable = v
	}
	profiles := profile.NewDynamoStore(awsCfg, profileTable)

	var signer *upload.Signer
	if bucket := os.Getenv("AVATAR_BUCKET"); bucket != "" {
		signer = upload.NewSigner(awsCfg, bucket)
	} else {
		log.Printf("AVATAR_BUCKET not set, avatar uploads disabled")
	}

	natsConfig := notify.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}

	log.Printf("tandem chat server starting")
	log.Printf("  listen_addr:     %s", listenAddr)
	log.Printf("  worker_pool:     %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  profile_table:   %s", profileTable)
	log.Printf("  match_staleness: %s", staleness)

	// --- Transport and matchmaking wiring ---
	dispatcher := ws.NewDispatcher()
	server := ws.NewServer(wsConfig, dispatcher.Dispatch)

	fanout, err := notify.New(natsConfig, func(connID string, data []byte) {
		if err := server.SendMessage(connID, data); err != nil {
			log.Printf("fanout: deliver to %s: %v", connID, err)
		}
	})
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	registry := identity.NewRegistry()
	coordinator := match.NewCoordinator(registry, profiles, fanout, staleness)

	var sweeper *cron.Cron
	if sweepSpec != "" {
		sweeper, err = match.ScheduleSweep(sweepSpec, coordinator.Pool(), staleness)
		if err != nil {
			log.Fatalf("failed to schedule pool sweep: %v", err)
		}
	}

	server.SetOnConnect(func(conn *ws.Connection) {
		if err := fanout.Connect(conn.ID); err != nil {
			log.Printf("fanout: inbox for %s: %v", conn.ID, err)
		}
	})

	server.SetOnDisconnect(func(connID string) {
		coordinator.Disconnect(connID)
		fanout.Disconnect(connID)
	})

	// persist records a relayed message in the background. Failures are
	// counted but never block or fail delivery.
	persist := func(insert func(ctx context.Context) error) {
		if messageStore == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := insert(ctx); err != nil {
				metrics.PersistFailures.Inc()
				log.Printf("chatlog: %v", err)
			}
		}()
	}

	// -----------------------------------------------------------------------
	// join — bind this connection to a user identity
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinMsg)
		if !ok || joinMsg.UserID == "" {
			return
		}
		registry.Register(conn.ID, joinMsg.UserID)
		log.Printf("join conn=%s user=%s (online=%d)", conn.ID, joinMsg.UserID, registry.Count())
	})

	// -----------------------------------------------------------------------
	// privateMessage — relay to one recipient by user id
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypePrivateMessage, func(conn *ws.Connection, msg interface{}) {
		pm, ok := msg.(protocol.PrivateMessageMsg)
		if !ok {
			return
		}
		if err := chatlog.ValidateBody(pm.Message); err != nil {
			log.Printf("privateMessage conn=%s: %v", conn.ID, err)
			return
		}
		ctx := context.Background()
		if !limiter.Allow(ctx, conn.ID, ratelimit.RuleMessage) {
			return
		}

		senderID, ok := registry.Lookup(conn.ID)
		if !ok {
			return
		}
		recipientConn, ok := registry.ReverseLookup(pm.RecipientID)
		if !ok {
			return // recipient offline, message dropped
		}

		now := time.Now()
		data, err := protocol.NewServerMessage(protocol.TypePrivateMessage, protocol.ServerPrivateMessageMsg{
			SenderID: senderID,
			Message:  pm.Message,
			Ts:       now.Unix(),
		})
		if err != nil {
			return
		}
		if err := fanout.SendUser(recipientConn, data); err != nil {
			log.Printf("privateMessage publish conn=%s: %v", conn.ID, err)
			return
		}
		metrics.MessagesTotal.WithLabelValues("private").Inc()

		persist(func(ctx context.Context) error {
			return messageStore.InsertDirect(ctx, senderID, pm.RecipientID, pm.Message, now)
		})
	})

	// -----------------------------------------------------------------------
	// joinRoom — subscribe this connection to a named room channel
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		jr, ok := msg.(protocol.JoinRoomMsg)
		if !ok || !notify.ValidRoomID(jr.RoomID) {
			return
		}
		fanout.JoinRoom(jr.RoomID, conn.ID)
		log.Printf("joinRoom conn=%s room=%s", conn.ID, jr.RoomID)
	})

	// -----------------------------------------------------------------------
	// groupMessage — broadcast to every member of a room channel
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeGroupMessage, func(conn *ws.Connection, msg interface{}) {
		gm, ok := msg.(protocol.GroupMessageMsg)
		if !ok || !notify.ValidRoomID(gm.RoomID) {
			return
		}
		if err := chatlog.ValidateBody(gm.Message); err != nil {
			log.Printf("groupMessage conn=%s: %v", conn.ID, err)
			return
		}
		ctx := context.Background()
		if !limiter.Allow(ctx, conn.ID, ratelimit.RuleMessage) {
			return
		}

		senderID, ok := registry.Lookup(conn.ID)
		if !ok {
			return
		}

		now := time.Now()
		data, err := protocol.NewServerMessage(protocol.TypeGroupMessage, protocol.ServerGroupMessageMsg{
			RoomID:   gm.RoomID,
			SenderID: senderID,
			Message:  gm.Message,
			Ts:       now.Unix(),
		})
		if err != nil {
			return
		}
		if err := fanout.SendRoom(gm.RoomID, data); err != nil {
			log.Printf("groupMessage publish conn=%s room=%s: %v", conn.ID, gm.RoomID, err)
			return
		}
		metrics.MessagesTotal.WithLabelValues("group").Inc()

		persist(func(ctx context.Context) error {
			return messageStore.InsertGroup(ctx, gm.RoomID, senderID, gm.Message, now)
		})
	})

	// -----------------------------------------------------------------------
	// findRandomMatch / accept / reject / cancel — matchmaking lifecycle
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeFindRandomMatch, func(conn *ws.Connection, msg interface{}) {
		ctx := context.Background()
		if !limiter.Allow(ctx, conn.ID, ratelimit.RuleFind) {
			return
		}
		coordinator.FindRandomMatch(ctx, conn.ID)
	})

	dispatcher.Register(protocol.TypeRandomMatchAccept, func(conn *ws.Connection, msg interface{}) {
		accept, ok := msg.(protocol.RandomMatchAcceptMsg)
		if !ok || accept.RoomID == "" {
			return
		}
		coordinator.Accept(conn.ID, accept.RoomID)
	})

	dispatcher.Register(protocol.TypeRandomMatchReject, func(conn *ws.Connection, msg interface{}) {
		reject, ok := msg.(protocol.RandomMatchRejectMsg)
		if !ok || reject.RoomID == "" {
			return
		}
		coordinator.Reject(conn.ID, reject.RoomID)
	})

	dispatcher.Register(protocol.TypeCancelRandomMatch, func(conn *ws.Connection, msg interface{}) {
		coordinator.Cancel(conn.ID)
	})

	// --- HTTP ---
	api := httpapi.New(server, limiter, profiles, signer)
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: api.Router(),
	}

	if err := server.Start(); err != nil {
		log.Fatalf("websocket server error: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}

		if sweeper != nil {
			sweeper.Stop()
		}
		server.Shutdown()
		fanout.Close()
		redisClient.Close()
		if db != nil {
			db.Close()
		}
		os.Exit(0)
	}()

	log.Printf("listening on %s", listenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server error: %v", err)
	}
}
