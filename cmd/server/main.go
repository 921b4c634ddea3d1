package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/watch-party/config"
	"github.com/cwrk-planet/watch-party/internal/postgres"
	"github.com/cwrk-planet/watch-party/internal/ratelimit"
	httpserver "github.com/cwrk-planet/watch-party/internal/server/http"
	"github.com/cwrk-planet/watch-party/internal/service"
	"github.com/cwrk-planet/watch-party/internal/storage"
	"github.com/cwrk-planet/watch-party/internal/transcode"
	grpcx "github.com/cwrk-planet/watch-party/internal/transport/grpc"
	httpx "github.com/cwrk-planet/watch-party/internal/transport/http"
	"github.com/cwrk-planet/watch-party/internal/transport/ws"
	"github.com/cwrk-planet/watch-party/pkg/logger"

	"github.com/go-redis/redis/v8"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Level:     logger.ParseLevel(cfg.Logging.Level),
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting watch-party",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- postgres ---
	if cfg.Postgres.Migrate {
		if err := postgres.MigrateUp(cfg.Postgres.DSN); err != nil {
			return err
		}
	}
	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:             cfg.Postgres.DSN,
		MaxConns:        cfg.Postgres.MaxConns,
		MinConns:        cfg.Postgres.MinConns,
		ApplicationName: cfg.Logging.Service,
		ConnectAttempts: 5,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	// --- object storage ---
	store, err := storage.New(ctx, storage.Config{
		Endpoint:       cfg.Storage.Endpoint,
		PublicEndpoint: cfg.Storage.PublicEndpoint,
		PublicBaseURL:  cfg.Storage.PublicBaseURL,
		Bucket:         cfg.Storage.Bucket,
		AccessKey:      cfg.Storage.AccessKey,
		SecretKey:      cfg.Storage.SecretKey,
		Region:         cfg.Storage.Region,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	})
	if err != nil {
		return err
	}
	if cfg.Storage.EnsureBucket {
		if err := store.EnsureBucket(ctx); err != nil {
			return err
		}
	}
	transcoder := transcode.New(store, transcode.Options{
		FFmpegPath:     cfg.Transcode.FFmpegPath,
		SegmentSeconds: cfg.Transcode.SegmentSeconds,
		TempDir:        cfg.Transcode.TempDir,
		Logger:         logger.For("transcode"),
	})

	// --- repos ---
	roomRepo := postgres.NewRoomRepository(pool)
	partRepo := postgres.NewParticipantRepository(pool)
	chatRepo := postgres.NewChatRepository(pool)
	videoRepo := postgres.NewVideoRepository(pool)

	// --- services ---
	roomSvc := service.NewRoomService(roomRepo, cfg.Rooms.MaxParticipants)
	memberSvc := service.NewMemberService(partRepo)
	chatSvc := service.NewChatService(chatRepo)
	videoSvc := service.NewVideoService(videoRepo, roomRepo, store, transcoder, service.VideoOptions{
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		UploadExpiry:   cfg.Storage.Expiry(),
		ConvertTimeout: cfg.Transcode.ConvertTimeout(),
		NewKey:         storage.NewUploadKey,
	})

	checks := map[string]grpcx.Check{
		"postgres": func(ctx context.Context) error { return postgres.Ping(ctx, pool) },
		"storage":  store.Ping,
	}

	// --- WS Hub & Server ---
	var hubOpts []ws.HubOption
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		hubOpts = append(hubOpts, ws.WithRelay(ws.NewRedisRelay(rdb, cfg.Redis.Prefix)))
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	hub := ws.NewHub(hubOpts...)
	wsServer := ws.NewServer(hub, roomSvc, chatSvc, memberSvc, ws.Options{
		PingEvery: cfg.Rooms.Ping(),
	})

	// --- HTTP ---
	limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	handler := httpx.NewHandler(roomSvc, memberSvc, chatSvc, videoSvc)
	handler.SetOnlineWindow(cfg.Rooms.Online())

	read, write, idle, reqTimeout := cfg.HTTP.Timeouts()
	router := httpx.NewRouter(handler, httpx.RouterOptions{
		WS:             wsServer.HandleWS,
		Heartbeat:      memberSvc,
		RateLimit:      limiter.Middleware,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Timeout:        reqTimeout,
	})
	httpSrv := httpserver.New(httpserver.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, router)

	// --- gRPC health ---
	health := grpcx.NewHealth(checks, 10*time.Second)
	grpcServer := grpcx.NewServer(health)

	// --- run everything ---
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)

	go limiter.Run(ctx)
	go health.Run(ctx)
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		errCh <- httpSrv.Run(ctx)
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			errCh <- err
			return
		}
		slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
		errCh <- grpcServer.Serve(lis)
	}()

	// --- graceful shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal")
	case runErr = <-errCh:
	}
	cancel()
	grpcServer.GracefulStop()
	return runErr
}
