package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Security  SecurityConfig
	Venue     VenueConfig
	Execution ExecutionConfig
	Logging   LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string
}

// DatabaseConfig - настройки подключения к БД.
// Архив операций опционален: при Enabled=false сервис работает
// только с реестром в памяти
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// bcrypt-хеш операторского пароля для /api/v1;
	// пустая строка отключает аутентификацию
	AuthPasswordHash string
}

// VenueConfig - настройки соединения с торговой площадкой
type VenueConfig struct {
	URL      string
	User     string
	Password string
	Account  string

	// Инструменты для подписки на котировки при старте
	Instruments []string

	// Переподключение
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxRetries   int
	ConnectTimeout        time.Duration
	PingInterval          time.Duration
	PongTimeout           time.Duration
}

// ExecutionConfig - настройки движка исполнения операций
type ExecutionConfig struct {
	// Интервал проверки условия когда нет свежих котировок
	PollInterval time.Duration

	// Максимальный размер одного батча в номиналах
	MaxBatchSize float64

	// Таймаут ожидания отчёта об исполнении ордера
	FillTimeout time.Duration

	// Возраст, после которого котировка перестаёт быть рынком
	QuoteMaxAge time.Duration

	// Retry логика для ордеров внутри батча
	MaxRetries   int
	RetryBackoff time.Duration

	// Лимит скорости отправки ордеров (в секунду) и burst
	OrderRateLimit float64
	OrderRateBurst float64
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnvAsInt("SERVER_PORT", 8080),
			Host:     getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS: getEnvAsBool("USE_HTTPS", false),
			CertFile: getEnv("CERT_FILE", ""),
			KeyFile:  getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "cotiza"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			AuthPasswordHash: getEnv("AUTH_PASSWORD_HASH", ""),
		},
		Venue: VenueConfig{
			URL:         getEnv("VENUE_URL", "ws://localhost:9000/ws"),
			User:        getEnv("VENUE_USER", ""),
			Password:    getEnv("VENUE_PASSWORD", ""),
			Account:     getEnv("VENUE_ACCOUNT", ""),
			Instruments: getEnvAsSlice("VENUE_INSTRUMENTS", nil),

			ReconnectInitialDelay: getEnvAsDuration("VENUE_RECONNECT_DELAY", 2*time.Second),
			ReconnectMaxDelay:     getEnvAsDuration("VENUE_RECONNECT_MAX_DELAY", 16*time.Second),
			ReconnectMaxRetries:   getEnvAsInt("VENUE_RECONNECT_MAX_RETRIES", 0), // 0 = бесконечно
			ConnectTimeout:        getEnvAsDuration("VENUE_CONNECT_TIMEOUT", 10*time.Second),
			PingInterval:          getEnvAsDuration("VENUE_PING_INTERVAL", 30*time.Second),
			PongTimeout:           getEnvAsDuration("VENUE_PONG_TIMEOUT", 10*time.Second),
		},
		Execution: ExecutionConfig{
			PollInterval: getEnvAsDuration("POLL_INTERVAL", 500*time.Millisecond),
			MaxBatchSize: getEnvAsFloat("MAX_BATCH_SIZE", 100),
			FillTimeout:  getEnvAsDuration("FILL_TIMEOUT", 10*time.Second),
			QuoteMaxAge:  getEnvAsDuration("QUOTE_MAX_AGE", 10*time.Second),

			MaxRetries:   getEnvAsInt("MAX_RETRIES", 3),
			RetryBackoff: getEnvAsDuration("RETRY_BACKOFF", 500*time.Millisecond),

			OrderRateLimit: getEnvAsFloat("ORDER_RATE_LIMIT", 10),
			OrderRateBurst: getEnvAsFloat("ORDER_RATE_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Enabled && (c.Database.Port < 1 || c.Database.Port > 65535) {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Execution.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %v", c.Execution.PollInterval)
	}

	if c.Execution.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive, got %v", c.Execution.MaxBatchSize)
	}

	if c.Execution.FillTimeout <= 0 {
		return fmt.Errorf("FILL_TIMEOUT must be positive, got %v", c.Execution.FillTimeout)
	}

	if c.Execution.QuoteMaxAge <= 0 {
		return fmt.Errorf("QUOTE_MAX_AGE must be positive, got %v", c.Execution.QuoteMaxAge)
	}

	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative, got %d", c.Execution.MaxRetries)
	}

	if c.Execution.MaxRetries > 10 {
		return fmt.Errorf("MAX_RETRIES should not exceed 10, got %d", c.Execution.MaxRetries)
	}

	if c.Execution.OrderRateLimit <= 0 {
		return fmt.Errorf("ORDER_RATE_LIMIT must be positive, got %v", c.Execution.OrderRateLimit)
	}

	if c.Venue.ReconnectMaxRetries < 0 {
		return fmt.Errorf("VENUE_RECONNECT_MAX_RETRIES cannot be negative, got %d", c.Venue.ReconnectMaxRetries)
	}

	if c.Venue.ConnectTimeout <= 0 {
		return fmt.Errorf("VENUE_CONNECT_TIMEOUT must be positive, got %v", c.Venue.ConnectTimeout)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
