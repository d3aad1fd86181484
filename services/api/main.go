package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stepup/flick/internal/config"
	"github.com/stepup/flick/internal/handler"
	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/metrics"
	"github.com/stepup/flick/internal/middleware"
	"github.com/stepup/flick/internal/presence"
	"github.com/stepup/flick/internal/push"
	"github.com/stepup/flick/internal/repository"
	"github.com/stepup/flick/internal/startup"
	"github.com/stepup/flick/internal/uploader"
	"github.com/stepup/flick/internal/ws"
	"github.com/stepup/flick/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory presence (no external services required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres()
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	var presenceStore presence.Store
	if *dev {
		presenceStore = presence.NewMemoryStore()
	} else {
		presenceStore = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second)
	}
	defer presenceStore.Close()

	userRepo := repository.NewUserRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	chatRepo := repository.NewChatRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	readRepo := repository.NewReadRepository(pool)
	pushRepo := repository.NewPushRepository(pool)

	vapidKeys, err := push.EnsureVAPIDKeys("")
	if err != nil {
		logger.Errorf("vapid keys: %v", err)
		os.Exit(1)
	}
	pusher := push.NewSender(vapidKeys, pushRepo, cfg.PushContact)

	var blob uploader.BlobStore
	if cfg.UploadDir != "" {
		blob = uploader.NewLocalStore(cfg.UploadDir, strings.TrimSuffix(cfg.PublicBaseURL, "/")+"/api/files")
	}
	uploadSvc := uploader.New(blob, uploader.WithMaxUploadSize(cfg.MaxUploadSize))

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(chatRepo, cfg.MaxWSConnections)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	authH := handler.NewAuthHandler(userRepo, sessionRepo)
	userH := handler.NewUserHandler(userRepo)
	chatH := handler.NewChatHandler(chatRepo, userRepo, msgRepo, hub)
	msgH := handler.NewMessageHandler(msgRepo, chatRepo, readRepo, userRepo, presenceStore, hub, pusher)
	attachH := handler.NewAttachmentHandler(uploadSvc, blob)
	presenceH := handler.NewPresenceHandler(presenceStore)
	pushH := handler.NewPushHandler(pushRepo, pusher)
	wsH := handler.NewWSHandler(hub, chatRepo, presenceStore, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(metrics.HTTPMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/api/auth/register", authH.Register)
	r.Post("/api/auth/login", authH.Login)
	r.Get("/api/push/key", pushH.PublicKey)
	r.Get("/api/files/{name}", attachH.Serve)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(sessionRepo))
		r.Post("/api/auth/logout", authH.Logout)
		r.Get("/api/users/me", userH.Me)
		r.Get("/api/users/search", userH.Search)
		r.Get("/api/chats", chatH.ListChats)
		r.Post("/api/chats/direct", chatH.CreateDirectChat)
		r.Post("/api/chats/group", chatH.CreateGroupChat)
		r.Get("/api/chats/{chatId}", chatH.GetChat)
		r.Put("/api/chats/{chatId}", chatH.UpdateChat)
		r.Post("/api/chats/{chatId}/members", chatH.AddMember)
		r.Delete("/api/chats/{chatId}/members/{userId}", chatH.RemoveMember)
		r.Post("/api/chats/{chatId}/leave", chatH.LeaveChat)
		r.Put("/api/chats/{chatId}/mute", chatH.MuteChat)
		r.Get("/api/chats/{chatId}/messages", msgH.ListPage)
		r.Post("/api/chats/{chatId}/messages", msgH.Send)
		r.Post("/api/chats/{chatId}/read", msgH.MarkChatRead)
		r.Put("/api/messages/{messageId}", msgH.Edit)
		r.Delete("/api/messages/{messageId}", msgH.Delete)
		r.Post("/api/messages/{messageId}/read", msgH.MarkMessageRead)
		r.Post("/api/files/upload", attachH.Upload)
		r.Get("/api/presence", presenceH.Get)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres() (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "flick"
		password = "flick_secret"
		database = "flick"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	logger.Info("embedded PostgreSQL is up")
	return db, nil
}
