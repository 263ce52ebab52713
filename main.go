package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/zlnvch/marginalia/api"
	"github.com/zlnvch/marginalia/api/ws"
	"github.com/zlnvch/marginalia/cache"
	"github.com/zlnvch/marginalia/cache/redis"
	"github.com/zlnvch/marginalia/colorize"
	"github.com/zlnvch/marginalia/config"
	"github.com/zlnvch/marginalia/dashboard"
	"github.com/zlnvch/marginalia/engine"
	"github.com/zlnvch/marginalia/livesync"
	"github.com/zlnvch/marginalia/logging"
	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/mq"
	"github.com/zlnvch/marginalia/mq/sqsmq"
	"github.com/zlnvch/marginalia/service"
	"github.com/zlnvch/marginalia/session"
	"github.com/zlnvch/marginalia/store/restclient"
	"github.com/zlnvch/marginalia/store/viewer"
	"github.com/zlnvch/marginalia/worker"
)

const defaultConfigPath = "marginalia.toml"

func main() {
	configPath := defaultConfigPath
	if p := os.Getenv("MARGINALIA_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger := logging.New(os.Stderr, "info", false)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Pretty)

	secret, err := cfg.Secret()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to decode consumer secret")
	}
	sess := session.New(
		cfg.Session.UserId,
		cfg.Session.Username,
		cfg.Session.Instructor,
		cfg.Session.ConsumerKey,
		secret,
		cfg.TokenTTL(),
	)

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	var annotationCache cache.AnnotationCache
	if cfg.Redis.Endpoint != "" {
		redisCache, err := redis.NewRedisAnnotationCache(shutdownCtx, cfg.DevMode, cfg.Redis.Endpoint, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create redis cache")
		}
		defer redisCache.Close()
		annotationCache = redisCache
	}

	var reconcileQueue mq.MessageQueue
	if cfg.Queue.Name != "" && (cfg.Queue.Endpoint != "" || !cfg.DevMode) {
		queue, err := sqsmq.NewSQSMessageQueue(shutdownCtx, cfg.DevMode, cfg.Queue.Endpoint, cfg.Queue.Name)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create SQS queue")
		}
		reconcileQueue = queue
	}

	svc, err := service.NewService(
		sess,
		cfg.Scope(),
		colorize.ParseRules(cfg.Dashboard.TagColors),
		annotationCache,
		reconcileQueue,
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}

	client := restclient.New(
		cfg.Store.URL,
		sess.HTTPClient(cfg.StoreTimeout()),
		rate.NewLimiter(rate.Limit(cfg.Store.RequestsPerSecond), cfg.Store.Burst),
	)
	backends := dashboard.Backends{
		Client: client,
		Engine: engine.NewLocal(),
		Viewer: viewer.NewCatch(client, viewer.CatchOptions{
			User: sess.User(),
			Permissions: map[string][]string{
				string(models.ActionRead):   {},
				string(models.ActionUpdate): {sess.UserId},
				string(models.ActionDelete): {sess.UserId},
				string(models.ActionAdmin):  {sess.UserId},
			},
		}),
	}

	hub := ws.NewHub(logger)
	coord, err := dashboard.New(svc, backends, hub, hub, dashboard.Options{
		Pagination:   cfg.Dashboard.Pagination,
		PollInterval: cfg.PollInterval(),
		PollAttempts: cfg.Dashboard.PollAttempts,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create dashboard")
	}
	defer coord.Close()

	if annotationCache != nil {
		relay, err := livesync.NewRelay(annotationCache, svc.Scope.Key(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create relay")
		}
		if err := relay.Start(shutdownCtx, coord); err != nil {
			logger.Fatal().Err(err).Msg("failed to start relay")
		}
		coord.SetBroadcaster(relay)
	}

	if reconcileQueue != nil {
		reconciler := worker.NewReconciler(reconcileQueue, logger)
		reconciler.Register(svc.Scope.Key(), coord)
		go reconciler.Run(shutdownCtx)
	}

	marginaliaAPI := api.NewMarginaliaAPI(coord, hub, secret, shutdownCtx, logger)
	coord.Open(shutdownCtx)

	mux := http.NewServeMux()
	marginaliaAPI.RegisterRoutes(mux, cfg.Server.AllowedOrigin)

	server := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux}
	go func() {
		logger.Info().Str("port", cfg.Server.Port).Str("scope", svc.Scope.Key()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-shutdownCtx.Done()
	logger.Info().Msg("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
}
