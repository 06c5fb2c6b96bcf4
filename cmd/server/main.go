package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ctfgame/api/internal/auth"
	"github.com/ctfgame/api/internal/capture"
	"github.com/ctfgame/api/internal/database"
	"github.com/ctfgame/api/internal/handlers"
	"github.com/ctfgame/api/internal/leaderboard"
	"github.com/ctfgame/api/internal/live"
	"github.com/ctfgame/api/internal/memstore"
	"github.com/ctfgame/api/internal/middleware"
	"github.com/ctfgame/api/internal/progression"
	"github.com/ctfgame/api/internal/realtime"
	redisClient "github.com/ctfgame/api/internal/redis"
	"github.com/ctfgame/api/internal/scheduler"
	"github.com/ctfgame/api/internal/store"
	"github.com/joho/godotenv"
)

// serverConfig holds process-level settings
type serverConfig struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	Store             string        `env:"STORE" envDefault:"postgres"`
	DemoPassword      string        `env:"DEMO_PASSWORD" envDefault:"capture-the-flag"`
	BusBuffer         int           `env:"BUS_BUFFER" envDefault:"1024"`
	CaptureRateLimit  int64         `env:"CAPTURE_RATE_LIMIT" envDefault:"30"`
	CaptureRateWindow time.Duration `env:"CAPTURE_RATE_WINDOW" envDefault:"1m"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// bus is a publisher that can also feed the local registry
type bus interface {
	realtime.Publisher
	Subscribe(d realtime.Dispatcher)
	Run(ctx context.Context)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[API] Failed to load .env: %v", err)
	}

	cfg, err := env.ParseAs[serverConfig]()
	if err != nil {
		log.Fatalf("[API] Invalid configuration: %v", err)
	}
	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("[API] %v", err)
	}
	liveCfg, err := live.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("[API] %v", err)
	}
	redisCfg, err := redisClient.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("[API] %v", err)
	}
	schedCfg, err := scheduler.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("[API] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore := openStore(ctx, cfg)
	defer closeStore()

	// Redis is optional: without it the bus, presence and leaderboard stay in-process
	var (
		rdb      *redisClient.Client
		presence live.Presence
		cache    leaderboard.Cache
		limiter  handlers.RateLimiter
		b        bus
	)
	if redisCfg.Enabled() {
		log.Println("[API] Initializing Redis connection...")
		rdb, err = redisClient.NewClient(ctx, redisCfg)
		if err != nil {
			log.Fatalf("[API] Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()

		rp := redisClient.NewPresence(rdb)
		presence, cache, limiter = rp, rdb, rdb
		b = redisClient.NewPubSubBus(rdb, cfg.BusBuffer)
	} else {
		log.Println("[API] REDIS_HOST not set, running single-instance")
		b = realtime.NewLocalBus(cfg.BusBuffer)
	}

	registry := live.NewRegistry(liveCfg, presence)
	b.Subscribe(registry)
	go b.Run(ctx)

	tokens := auth.NewTokenManager(authCfg)
	ledger := progression.NewLedger(st)
	board := leaderboard.NewService(st, cache)
	ledger.Observe(board.OnGrant)
	engine := capture.NewEngine(st, ledger, b)

	sched, err := scheduler.New(schedCfg, st, board)
	if err != nil {
		log.Fatalf("[API] %v", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			log.Printf("[Scheduler] Shutdown failed: %v", err)
		}
	}()

	// team counts come from Redis when shared, otherwise from this process
	var teamPresence handlers.PresenceCounter = registry
	if rp, ok := presence.(*redisClient.Presence); ok {
		teamPresence = rp
	}

	mux := handlers.NewRouter(handlers.Routes{
		Auth: handlers.NewAuthHandler(st, tokens),
		Flags: handlers.NewFlagHandler(engine, limiter, handlers.CaptureLimit{
			Limit:  cfg.CaptureRateLimit,
			Window: cfg.CaptureRateWindow,
		}),
		Leaderboard: handlers.NewLeaderboardHandler(board),
		Teams:       handlers.NewTeamHandler(st, teamPresence),
		Live:        live.NewHandler(registry, tokens),
		Middleware:  middleware.NewAuthenticator(tokens),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[API] Starting server on port %s...", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[API] Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[API] Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[API] Graceful shutdown failed: %v", err)
	}
}

// openStore selects the Postgres or in-memory backend
func openStore(ctx context.Context, cfg serverConfig) (store.Store, func()) {
	if cfg.Store == "memory" {
		log.Println("[API] Using in-memory store with demo data")
		s := memstore.New()
		if err := memstore.SeedDemo(s, cfg.DemoPassword); err != nil {
			log.Fatalf("[API] Failed to seed demo data: %v", err)
		}
		return s, func() {}
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("[API] %v", err)
	}

	log.Println("[API] Initializing database connection...")
	db, err := database.NewConnection(ctx, dbCfg)
	if err != nil {
		log.Fatalf("[API] Failed to connect to database: %v", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		log.Fatalf("[API] Failed to initialize schema: %v", err)
	}
	log.Println("[API] Database connected successfully")

	return database.NewStore(db), func() { db.Close() }
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
