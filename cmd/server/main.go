package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"tradeguard/internal/alerts"
	"tradeguard/internal/api"
	"tradeguard/internal/config"
	"tradeguard/internal/marketdata"
	"tradeguard/internal/models"
	"tradeguard/internal/repository"
	"tradeguard/internal/risk"
	"tradeguard/internal/service"
	"tradeguard/internal/websocket"
	"tradeguard/pkg/crypto"
	"tradeguard/pkg/retry"
	"tradeguard/pkg/utils"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(cfg.Logging.LogConfig())
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", utils.Err(err))
		os.Exit(1)
	}
	log.Info("server exited")
}

// stores - хранилища счетов и уведомлений
type stores struct {
	accounts    risk.AccountStore
	preferences alerts.PreferenceStore
	records     alerts.RecordStore
	close       func()
}

func run(ctx context.Context, cfg *config.Config, log *utils.Logger) error {
	st, err := initStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	// WebSocket hub - канал in_app и push обновлений риска
	websocket.SetAllowedOrigins(cfg.Server.WSOrigins)
	hub := websocket.NewHub(log)

	registry := alerts.NewRegistry()
	registry.Register(models.ChannelInApp, hub)
	webhookCfg := alerts.DefaultWebhookConfig()
	webhookCfg.Rate = cfg.Alerts.WebhookRate
	webhookCfg.Burst = cfg.Alerts.WebhookBurst
	registry.Register(models.ChannelWebhook, alerts.NewWebhookSender(webhookCfg))
	registry.Register(models.ChannelConsole, alerts.NewConsoleSender(log))
	for _, ch := range []string{models.ChannelEmail, models.ChannelSMS, models.ChannelPush, models.ChannelSmartwatch} {
		registry.Register(ch, alerts.UnconfiguredSender{Channel: ch})
	}

	dispatcherCfg := alerts.DefaultConfig()
	dispatcherCfg.ChannelTimeout = cfg.Alerts.ChannelTimeout
	dispatcherCfg.DedupeWindow = cfg.Alerts.DedupeWindow
	dispatcherCfg.MaxParallel = cfg.Alerts.MaxParallel
	dispatcherCfg.HistoryKeep = cfg.Alerts.HistoryKeep

	dispatcherOpts := []alerts.Option{
		alerts.WithConfig(dispatcherCfg),
		alerts.WithLogger(log),
	}
	if cfg.Redis.Addr != "" {
		rdb, err := initRedis(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		defer rdb.Close()
		dispatcherOpts = append(dispatcherOpts,
			alerts.WithThrottle(alerts.NewRedisThrottle(rdb)),
			alerts.WithDeduper(alerts.NewRedisDeduper(rdb)),
			alerts.WithDigestStore(alerts.NewRedisDigestStore(rdb)),
		)
	}
	dispatcher := alerts.NewDispatcher(st.preferences, st.records, registry, dispatcherOpts...)

	// Риск-движок. Алерты счёта идут в диспетчер, снимки - в WebSocket
	broadcaster := service.NewAccountBroadcaster(log)
	matrix := risk.NewCorrelationMatrix()
	engineOpts := []risk.Option{
		risk.WithLogger(log),
		risk.WithDefaultRiskConfig(cfg.Risk.Defaults),
		risk.WithDecisionTTL(cfg.Risk.DecisionTTL),
		risk.WithCorrelations(matrix),
		risk.WithAlertSink(dispatcher),
		risk.WithAccountObserver(broadcaster),
	}

	var refresher *risk.CorrelationRefresher
	if cfg.MarketData.Provider == "bybit" {
		bybitCfg := marketdata.DefaultBybitConfig()
		if cfg.MarketData.BaseURL != "" {
			bybitCfg.BaseURL = cfg.MarketData.BaseURL
		}
		bybitCfg.Category = cfg.MarketData.Category
		source := marketdata.NewSource(
			marketdata.NewBybit(alerts.NewHTTPClient(alerts.DefaultHTTPClientConfig()), bybitCfg),
			marketdata.SourceConfig{ATRPeriod: cfg.MarketData.ATRPeriod, ATRTTL: cfg.MarketData.ATRTTL},
		)
		refresher = risk.NewCorrelationRefresher(matrix, risk.ReturnsFromCloses{Source: source}, st.accounts,
			risk.CorrelationConfig{Interval: cfg.Risk.CorrelationInterval, Sessions: cfg.Risk.CorrelationSessions}, log)
		engineOpts = append(engineOpts, risk.WithPriceSource(source), risk.WithSymbolTracker(refresher))
	} else {
		log.Info("market data disabled, correlation matrix stays empty")
	}

	engine := risk.NewEngine(st.accounts, engineOpts...)
	broadcaster.SetWebSocketHub(hub)

	// Фоновые воркеры
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	startWorker := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(workerCtx)
		}()
	}

	startWorker(hub.Run)
	startWorker(risk.NewResetMonitor(engine, cfg.Risk.ResetInterval).Start)
	startWorker(alerts.NewDigestScheduler(dispatcher, cfg.Alerts.DigestInterval).Start)
	if refresher != nil {
		startWorker(refresher.Start)
	}

	apiToken, err := apiTokenHash(cfg.Security.APIToken)
	if err != nil {
		cancelWorkers()
		return err
	}

	// Настройка HTTP роутера
	router := api.SetupRoutes(&api.Dependencies{
		RiskService:         service.NewRiskService(engine),
		NotificationService: service.NewNotificationService(dispatcher),
		PreferenceService:   service.NewPreferenceService(st.preferences),
		Hub:                 hub,
		APITokenHash:        apiToken,
		CORSOrigins:         cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server",
			utils.String("addr", server.Addr),
			utils.String("db", cfg.Database.Driver),
			utils.Bool("redis", cfg.Redis.Addr != ""),
			utils.String("market_data", cfg.MarketData.Provider))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Graceful shutdown
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", utils.Err(err))
	}

	// Риск-алерты ставятся в диспетчер асинхронно: сначала дожидаемся их,
	// затем останавливаем повторы доставки
	engine.WaitAlerts()
	dispatcher.Close()

	cancelWorkers()
	wg.Wait()

	return runErr
}

// initStores выбирает хранилища по DB_DRIVER
func initStores(ctx context.Context, cfg *config.Config, log *utils.Logger) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("using in-memory storage, state is lost on restart")
		return &stores{
			accounts:    risk.NewMemoryStore(),
			preferences: alerts.NewMemoryPreferenceStore(),
			records:     alerts.NewMemoryRecordStore(),
			close:       func() {},
		}, nil
	}

	db, err := initDatabase(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	key, err := crypto.ParseKey(cfg.Security.EncryptionKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cipher: %w", err)
	}

	return &stores{
		accounts:    repository.NewAccountRepository(db),
		preferences: repository.NewPreferenceRepository(db, cipher),
		records:     repository.NewAlertRecordRepository(db),
		close:       func() { db.Close() },
	}, nil
}

// initDatabase создает подключение к базе данных и применяет схему
func initDatabase(ctx context.Context, cfg config.DatabaseConfig, log *utils.Logger) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// База может подниматься вместе с сервисом
	startup := retry.StartupConfig()
	startup.OnRetry = func(attempt int, err error, _ time.Duration) {
		log.Warn("database not ready", utils.Attempt(attempt), utils.Err(err))
	}
	if err := retry.Do(ctx, func() error { return db.PingContext(ctx) }, startup); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database (%s): %w", cfg.DSNWithoutPassword(), err)
	}

	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("connected to database", utils.String("dsn", cfg.DSNWithoutPassword()))
	return db, nil
}

// initRedis подключается к Redis для общего throttle и дедупликации
func initRedis(ctx context.Context, cfg config.RedisConfig, log *utils.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	startup := retry.StartupConfig()
	startup.OnRetry = func(attempt int, err error, _ time.Duration) {
		log.Warn("redis not ready", utils.Attempt(attempt), utils.Err(err))
	}
	if err := retry.Do(ctx, func() error { return rdb.Ping(ctx).Err() }, startup); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis %s: %w", cfg.Addr, err)
	}

	log.Info("connected to redis", utils.String("addr", cfg.Addr))
	return rdb, nil
}

// apiTokenHash принимает из конфигурации bcrypt хеш или сам токен
func apiTokenHash(token string) (string, error) {
	if token == "" || crypto.IsBcryptHash(token) {
		return token, nil
	}
	hash, err := crypto.HashToken(token, 0)
	if err != nil {
		return "", fmt.Errorf("hash API token: %w", err)
	}
	return hash, nil
}
