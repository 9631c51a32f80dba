package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/actions"
	"github.com/xela07ax/mcp-action-gateway/internal/approval"
	"github.com/xela07ax/mcp-action-gateway/internal/audit"
	"github.com/xela07ax/mcp-action-gateway/internal/domain"
	"github.com/xela07ax/mcp-action-gateway/internal/engine"
	"github.com/xela07ax/mcp-action-gateway/internal/infra"
	"github.com/xela07ax/mcp-action-gateway/internal/infra/auth"
	"github.com/xela07ax/mcp-action-gateway/internal/notify"
	"github.com/xela07ax/mcp-action-gateway/internal/registry"
	"github.com/xela07ax/mcp-action-gateway/internal/repository/postgres"
	"github.com/xela07ax/mcp-action-gateway/internal/server"
	"github.com/xela07ax/mcp-action-gateway/internal/server/handler"
	"github.com/xela07ax/mcp-action-gateway/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml or ./configs/config.yaml)")
	flag.Parse()

	// 1. Конфигурация и логгер
	var (
		cfg *infra.Config
		err error
	)
	if *configPath != "" {
		cfg, err = infra.LoadConfigFile(*configPath)
	} else {
		cfg, err = infra.LoadConfig()
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Контексты фоновых горутин. При SIGTERM сначала гасим источники решений
	// (sweeper, слушатель команд), потом дожидаемся фоновых Resume и только затем отменяем их
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listenCtx, cancelListen := context.WithCancel(appCtx)
	defer cancelListen()

	// Метрики
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(promReg)

	// 2. Журнал аудита: Postgres, если задан URL, иначе в лог
	var storage audit.StorageInterface = audit.NewLogStorage(logger)
	if cfg.Database.URL != "" {
		repo, err := postgres.NewAuditRepo(cfg.Database.URL, postgres.PoolConfig{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			logger.Fatal("failed to open audit database", zap.Error(err))
		}
		initCtx, initCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := repo.Init(initCtx); err != nil {
			logger.Fatal("database unreachable", zap.Error(err))
		}
		initCancel()
		defer repo.Close()
		storage = repo
	}
	journal := audit.NewJournal(storage, logger,
		audit.WithBufferSize(cfg.Engine.AuditBufferSize),
		audit.WithFlushInterval(cfg.Engine.AuditFlushInterval),
		audit.WithBufferGauge(metrics.AuditBufferFill))
	journal.Start()

	// 3. Вебхуки: секреты, маршруты, адреса ответов
	validator := webhook.NewValidator(logger)
	routes := webhook.NewRoutes(logger)
	endpoints := make(map[string]string)
	for _, src := range cfg.Webhook.Sources {
		if src.Secret != "" {
			if err := validator.RegisterSecret(src.ID, src.Secret); err != nil {
				logger.Fatal("invalid webhook source", zap.String("source", src.ID), zap.Error(err))
			}
		} else {
			logger.Warn("webhook source has no secret, its requests will be refused", zap.String("source", src.ID))
		}
		if src.Action != "" {
			routes.Register(src.ID, src.Action)
		}
		if src.Endpoint != "" {
			endpoints[src.ID] = src.Endpoint
		}
	}

	// 4. Реестр действий
	reg := registry.New(logger)
	actionSet := actions.NewSet(validator, logger, actions.WithEndpoints(func(id string) (string, bool) {
		url, ok := endpoints[id]
		return url, ok
	}))
	if err := actionSet.Register(reg); err != nil {
		logger.Fatal("failed to register actions", zap.Error(err))
	}

	// 5. HITL
	workflow := approval.NewWorkflow(logger,
		approval.WithExpiry(cfg.Approval.Expiry),
		approval.WithObserver(engine.NewApprovalGauge(metrics)))
	if cfg.Approval.Expiry > 0 {
		go workflow.Run(listenCtx, cfg.Approval.SweepInterval)
	}

	// 6. Core (Сборка ядра)
	guard := engine.NewGuard(engine.GuardConfig{
		RatePerSecond:           cfg.Engine.RateLimit,
		Burst:                   cfg.Engine.RateBurst,
		BreakerMaxRequests:      cfg.Engine.CBMaxRequests,
		BreakerInterval:         cfg.Engine.CBInterval,
		BreakerTimeout:          cfg.Engine.CBTimeout,
		BreakerConsecutiveFails: cfg.Engine.CBConsecutiveFails,
	}, metrics)
	results := engine.NewResultCache(0)

	dispatcher := engine.NewDispatcher(reg, validator, workflow,
		engine.WithGuard(guard),
		engine.WithAuditor(journal),
		engine.WithMetrics(metrics),
		engine.WithLogger(logger),
		engine.WithValidation(cfg.Webhook.ValidationEnabled),
		engine.WithValidationTimeout(cfg.Webhook.Timeout),
		engine.WithHandlerTimeout(cfg.Engine.HandlerTimeout),
		engine.WithResultSink(results))

	var resumer *engine.AutoResumer
	if cfg.Approval.AutoResume {
		resumer = engine.NewAutoResumer(appCtx, dispatcher, logger)
		workflow.AddObserver(resumer)
	}

	// Токены операторов: одна проверка для HTTP и для команд из Redis
	var (
		tokens      auth.TokenValidator
		commandOpts []notify.CommandOption
	)
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("invalid auth public key", zap.Error(err))
		}
		tokens = auth.NewRSAValidator(pub)
		commandOpts = append(commandOpts, notify.WithTokenValidator(tokens, domain.ScopeApprovalsDecide))
	} else {
		logger.Warn("auth public key not configured, approval decisions are not authenticated")
	}

	// 7. Redis: события HITL, отложенные результаты, команды решений
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(appCtx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// уведомления не критичны: слушатель сам переподключится
			logger.Warn("redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		pingCancel()

		notifier := notify.NewNotifier(rdb, logger)
		workflow.AddObserver(notifier)
		dispatcher.AddResultSink(notifier)

		go notify.ListenResilient(listenCtx, rdb, logger, infra.RedisChanApprovalCommands, nil,
			notify.DecisionHandler(workflow, logger, commandOpts...))
	}

	// 8. HTTP Server
	var opts []server.Option
	opts = append(opts, server.WithMetricsGatherer(promReg))
	if tokens != nil {
		opts = append(opts, server.WithAuth(tokens))
	}

	gateway := server.NewGatewayServer(logger,
		handler.NewActionHandler(dispatcher, reg),
		handler.NewApprovalHandler(workflow, dispatcher),
		handler.NewWebhookHandler(dispatcher, routes, logger),
		handler.NewStatusHandler(reg, workflow, guard.BreakerStates, results),
		opts...)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gateway,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 9. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("MCP action gateway started",
			zap.String("addr", srv.Addr),
			zap.Int("actions", reg.Stats().TotalActions),
			zap.Strings("webhook_sources", validator.Sources()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("MCP action gateway stopping...")

	// Даем 10 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	// Новых решений больше нет: останавливаем sweeper и слушателя команд
	cancelListen()
	// Фоновые Resume дорабатывают (их ограничивает handler_timeout)
	if resumer != nil {
		resumer.Stop()
	}
	cancel()
	// Drain: все события аудита, включая фоновые Resume, уходят в хранилище
	journal.Stop()
	logger.Info("MCP action gateway exited properly")
}
