package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tradeguard/internal/models"
	"tradeguard/pkg/crypto"
	"tradeguard/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Security   SecurityConfig
	Risk       RiskConfig
	Alerts     AlertsConfig
	MarketData MarketDataConfig
	Logging    LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	UseHTTPS        bool
	CertFile        string
	KeyFile         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	WSOrigins       string // через запятую; пусто = все
}

// DatabaseConfig - настройки подключения к БД.
// Driver "memory" держит счета и историю в памяти процесса.
type DatabaseConfig struct {
	Driver          string // postgres, memory
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig - общий throttle, дедупликация и буфер сводок.
// Пустой Addr = in-memory реализации (один экземпляр сервиса).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// EncryptionKey шифрует адреса каналов в БД (32 байта или base64)
	EncryptionKey string
	// APIToken - bcrypt хеш или сам токен; пусто = без аутентификации
	APIToken string
}

// RiskConfig - параметры риск-движка
type RiskConfig struct {
	Defaults            models.RiskConfig
	DecisionTTL         time.Duration
	ResetInterval       time.Duration // проверка границ дня/недели
	CorrelationInterval time.Duration
	CorrelationSessions int
}

// AlertsConfig - параметры диспетчера уведомлений
type AlertsConfig struct {
	ChannelTimeout time.Duration
	DedupeWindow   time.Duration
	MaxParallel    int
	HistoryKeep    int
	DigestInterval time.Duration
	WebhookRate    float64
	WebhookBurst   float64
}

// MarketDataConfig - источник свечей для корреляций и ATR
type MarketDataConfig struct {
	Provider  string // bybit, none
	BaseURL   string
	Category  string
	ATRPeriod int
	ATRTTL    time.Duration
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Load загружает конфигурацию из переменных окружения.
// Файл .env (если есть) подгружается первым и не перекрывает уже заданные переменные.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv собирает конфигурацию только из окружения
func FromEnv() (*Config, error) {
	riskDefaults := models.DefaultRiskConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS:        getEnvAsBool("USE_HTTPS", false),
			CertFile:        getEnv("CERT_FILE", ""),
			KeyFile:         getEnv("KEY_FILE", ""),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS"),
			WSOrigins:       getEnv("ALLOWED_ORIGINS", ""),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "memory"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Name:            getEnv("DB_NAME", "tradeguard"),
			User:            getEnv("DB_USER", "tradeguard"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
			APIToken:      getEnv("API_TOKEN", ""),
		},
		Risk: RiskConfig{
			Defaults: models.RiskConfig{
				RiskPerTradePct:      getEnvAsFloat("RISK_DEFAULT_RISK_PER_TRADE_PCT", riskDefaults.RiskPerTradePct),
				HeatLimitPct:         getEnvAsFloat("RISK_DEFAULT_HEAT_LIMIT_PCT", riskDefaults.HeatLimitPct),
				DailyLossLimit:       getEnvAsFloat("RISK_DEFAULT_DAILY_LOSS_LIMIT", riskDefaults.DailyLossLimit),
				WeeklyLossLimit:      getEnvAsFloat("RISK_DEFAULT_WEEKLY_LOSS_LIMIT", riskDefaults.WeeklyLossLimit),
				MaxPositionPct:       getEnvAsFloat("RISK_DEFAULT_MAX_POSITION_PCT", riskDefaults.MaxPositionPct),
				CorrelationThreshold: getEnvAsFloat("RISK_DEFAULT_CORRELATION_THRESHOLD", riskDefaults.CorrelationThreshold),
				CorrelatedRiskPct:    getEnvAsFloat("RISK_DEFAULT_CORRELATED_RISK_PCT", riskDefaults.CorrelatedRiskPct),
				NearLimitRatio:       getEnvAsFloat("RISK_DEFAULT_NEAR_LIMIT_RATIO", riskDefaults.NearLimitRatio),
				ATRMultiple:          getEnvAsFloat("RISK_DEFAULT_ATR_MULTIPLE", riskDefaults.ATRMultiple),
				KellyCap:             getEnvAsFloat("RISK_DEFAULT_KELLY_CAP", riskDefaults.KellyCap),
			},
			DecisionTTL:         getEnvAsDuration("RISK_DECISION_TTL", 15*time.Minute),
			ResetInterval:       getEnvAsDuration("RISK_RESET_INTERVAL", time.Minute),
			CorrelationInterval: getEnvAsDuration("CORRELATION_INTERVAL", 15*time.Minute),
			CorrelationSessions: getEnvAsInt("CORRELATION_SESSIONS", 30),
		},
		Alerts: AlertsConfig{
			ChannelTimeout: getEnvAsDuration("ALERT_CHANNEL_TIMEOUT", 5*time.Second),
			DedupeWindow:   getEnvAsDuration("ALERT_DEDUPE_WINDOW", 60*time.Second),
			MaxParallel:    getEnvAsInt("ALERT_MAX_PARALLEL", 8),
			HistoryKeep:    getEnvAsInt("ALERT_HISTORY_KEEP", 1000),
			DigestInterval: getEnvAsDuration("ALERT_DIGEST_INTERVAL", time.Hour),
			WebhookRate:    getEnvAsFloat("WEBHOOK_RATE", 5),
			WebhookBurst:   getEnvAsFloat("WEBHOOK_BURST", 10),
		},
		MarketData: MarketDataConfig{
			Provider:  getEnv("MARKET_DATA_PROVIDER", "none"),
			BaseURL:   getEnv("MARKET_DATA_BASE_URL", ""),
			Category:  getEnv("MARKET_DATA_CATEGORY", "linear"),
			ATRPeriod: getEnvAsInt("ATR_PERIOD", 14),
			ATRTTL:    getEnvAsDuration("ATR_CACHE_TTL", 15*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", ""),
		},
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	if c.Security.EncryptionKey != "" {
		if _, err := crypto.ParseKey(c.Security.EncryptionKey); err != nil {
			return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes or base64 of 32 bytes: %w", err)
		}
	}

	// В БД адреса каналов (email, телефоны, webhook) храним только зашифрованными
	if c.Database.Driver == "postgres" && c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required with DB_DRIVER=postgres")
	}

	if c.Server.UseHTTPS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("CERT_FILE and KEY_FILE are required when USE_HTTPS=true")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
		}
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}

	if c.Redis.DB < 0 {
		return fmt.Errorf("REDIS_DB cannot be negative, got %d", c.Redis.DB)
	}

	// Дефолтные лимиты счёта проходят те же правила, что и лимиты из API
	if err := utils.ValidateStruct(&c.Risk.Defaults); err != nil {
		return fmt.Errorf("RISK_DEFAULT_*: %w", err)
	}
	if c.Risk.Defaults.WeeklyLossLimit < c.Risk.Defaults.DailyLossLimit {
		return fmt.Errorf("RISK_DEFAULT_WEEKLY_LOSS_LIMIT (%.2f) must not be below daily limit (%.2f)",
			c.Risk.Defaults.WeeklyLossLimit, c.Risk.Defaults.DailyLossLimit)
	}

	if c.Risk.DecisionTTL <= 0 {
		return fmt.Errorf("RISK_DECISION_TTL must be positive, got %v", c.Risk.DecisionTTL)
	}
	if c.Risk.ResetInterval <= 0 {
		return fmt.Errorf("RISK_RESET_INTERVAL must be positive, got %v", c.Risk.ResetInterval)
	}
	if c.Risk.CorrelationSessions < 2 {
		return fmt.Errorf("CORRELATION_SESSIONS must be at least 2, got %d", c.Risk.CorrelationSessions)
	}

	// Валидация таймаутов (должны быть положительными)
	if c.Alerts.ChannelTimeout <= 0 {
		return fmt.Errorf("ALERT_CHANNEL_TIMEOUT must be positive, got %v", c.Alerts.ChannelTimeout)
	}
	if c.Alerts.DigestInterval < time.Minute {
		return fmt.Errorf("ALERT_DIGEST_INTERVAL must be at least 1m, got %v", c.Alerts.DigestInterval)
	}
	if c.Alerts.MaxParallel < 1 {
		return fmt.Errorf("ALERT_MAX_PARALLEL must be positive, got %d", c.Alerts.MaxParallel)
	}
	if c.Alerts.HistoryKeep < 0 {
		return fmt.Errorf("ALERT_HISTORY_KEEP cannot be negative, got %d", c.Alerts.HistoryKeep)
	}
	if c.Alerts.WebhookRate <= 0 || c.Alerts.WebhookBurst < 1 {
		return fmt.Errorf("WEBHOOK_RATE must be positive and WEBHOOK_BURST at least 1")
	}

	switch c.MarketData.Provider {
	case "none", "bybit":
	default:
		return fmt.Errorf("MARKET_DATA_PROVIDER must be bybit or none, got %q", c.MarketData.Provider)
	}
	if c.MarketData.ATRPeriod < 1 {
		return fmt.Errorf("ATR_PERIOD must be positive, got %d", c.MarketData.ATRPeriod)
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

// LogConfig переводит настройки в формат логгера
func (l LoggingConfig) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:  l.Level,
		Format: l.Format,
		Output: l.Output,
	}
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

// getEnvAsList разбирает список через запятую, пустые элементы отбрасываются
func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
