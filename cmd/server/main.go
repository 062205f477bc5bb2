package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cotiza/internal/api"
	"cotiza/internal/config"
	"cotiza/internal/models"
	"cotiza/internal/ops"
	"cotiza/internal/quotes"
	"cotiza/internal/repository"
	"cotiza/internal/service"
	"cotiza/internal/venue"
	"cotiza/internal/websocket"
	"cotiza/pkg/ratelimit"
	"cotiza/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer func() { _ = logger.Sync() }()

	// Архив операций (опционален)
	var archive service.OperationArchive
	var db *sql.DB
	if cfg.Database.Enabled {
		db, err = initDatabase(cfg)
		if err != nil {
			logger.Fatal("failed to connect to database", utils.Err(err))
		}
		defer db.Close()
		archive = repository.NewOperationRepository(db)
		logger.Info("operation archive enabled", utils.String("dsn", cfg.Database.DSNWithoutPassword()))
	} else {
		logger.Info("operation archive disabled, registry is in-memory only")
	}

	// Кэш котировок и сессия площадки
	cache := quotes.NewCacheWithMaxAge(cfg.Execution.QuoteMaxAge)
	session := venue.NewSession(venue.SessionConfig{
		URL:            cfg.Venue.URL,
		InitialDelay:   cfg.Venue.ReconnectInitialDelay,
		MaxDelay:       cfg.Venue.ReconnectMaxDelay,
		MaxRetries:     cfg.Venue.ReconnectMaxRetries,
		ConnectTimeout: cfg.Venue.ConnectTimeout,
		PingInterval:   cfg.Venue.PingInterval,
		PongTimeout:    cfg.Venue.PongTimeout,
		JitterFactor:   0.1,
	})

	// Шлюз ордеров: rate limit + ожидание execution report
	limiter := ratelimit.NewRateLimiter(cfg.Execution.OrderRateLimit, cfg.Execution.OrderRateBurst)
	gateway := ops.NewOrderGateway(session, limiter, cfg.Execution.FillTimeout, logger)

	session.SetOnTick(func(tick venue.MarketDataTick) {
		cache.Set(models.Quote{
			Symbol:    tick.Symbol,
			Bid:       tick.Bid,
			Offer:     tick.Offer,
			Timestamp: tick.Time(),
		})
	})
	session.SetOnExecutionReport(gateway.ApplyReport)
	session.SetOnConnectionLost(func(err error) {
		ops.UpdateVenueStatus(false)
		logger.Error("venue connection lost", utils.Err(err))
	})
	// Срабатывает и на первом Connect, и на каждом успешном reconnect
	session.SetOnConnect(func() {
		ops.UpdateVenueStatus(true)
	})

	// Подключение к площадке. Ошибка не фатальна: активные операции
	// ждут рынок, reconnect-цикл сессии восстановит соединение
	if err := session.Connect(venue.Credentials{
		User:     cfg.Venue.User,
		Password: cfg.Venue.Password,
		Account:  cfg.Venue.Account,
	}, cfg.Venue.Instruments); err != nil {
		logger.Warn("initial venue connect failed, will retry in background", utils.Err(err))
	}

	// WebSocket hub для трансляции прогресса
	hub := websocket.NewHub(logger)
	go hub.Run()

	publisher := ops.NewConflatingPublisher(websocket.NewHubPublisher(hub))

	// Планировщик операций
	schedCfg := ops.DefaultSchedulerConfig()
	schedCfg.PollInterval = cfg.Execution.PollInterval
	schedCfg.MaxBatchSize = cfg.Execution.MaxBatchSize
	schedCfg.OrderRetry.MaxRetries = cfg.Execution.MaxRetries
	schedCfg.OrderRetry.InitialDelay = cfg.Execution.RetryBackoff
	scheduler := ops.NewScheduler(cache, gateway, publisher, schedCfg, logger)

	// Базовый контекст операций: отменяется только при shutdown
	opCtx, cancelOps := context.WithCancel(context.Background())
	defer cancelOps()

	operationService := service.NewOperationService(opCtx, scheduler, archive, logger)
	commandRouter := websocket.NewCommandRouter(operationService, logger)

	// Настройка HTTP роутера
	router := api.SetupRoutes(&api.Dependencies{
		OperationService: operationService,
		Hub:              hub,
		CommandRouter:    commandRouter,
		AuthPasswordHash: cfg.Security.AuthPasswordHash,
	})

	// HTTP сервер
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	go func() {
		logger.Info("starting server", utils.String("addr", server.Addr))
		if cfg.Server.UseHTTPS {
			if err := server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil && err != http.ErrServerClosed {
				logger.Fatal("server failed", utils.Err(err))
			}
		} else {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("server failed", utils.Err(err))
			}
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", utils.Err(err))
	}

	// Отмена базового контекста переводит активные операции в FAILED;
	// дожидаемся горутин исполнения и доставки финальных кадров прогресса
	cancelOps()
	scheduler.Wait()
	publisher.Wait()
	hub.Stop()

	if err := session.Close(); err != nil {
		logger.Error("error closing venue session", utils.Err(err))
	}

	logger.Info("server exited")
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
