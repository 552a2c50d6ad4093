package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на базе zap
//
// Использование:
//
//	utils.InitGlobalLogger(utils.LogConfig{Level: "info", Format: "json"})
//	utils.L().Info("alert dispatched", utils.UserID("u-1"), utils.Channel("webhook"))
//
// Формат "json" для production, "text" (console encoder) для локальной отладки.

// LogConfig - параметры логгера
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json, text
	Output      string // путь к файлу; пусто = stderr
	Development bool
}

// Logger - обёртка над zap.Logger с доменными хелперами
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт логгер по конфигурации.
// При ошибке открытия файла пишет в stderr.
func InitLogger(cfg LogConfig) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	sink := zapcore.AddSync(os.Stderr)
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			sink = zapcore.AddSync(f)
		}
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(parseLevel(cfg.Level)))

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	l := zap.New(core, opts...)
	return &Logger{Logger: l, sugar: l.Sugar()}
}

// parseLevel переводит строку в уровень zap (по умолчанию info)
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// InitGlobalLogger создаёт логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger заменяет глобальный логгер
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный логгер, создавая дефолтный при первом обращении
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// NewNopLogger возвращает логгер, который ничего не пишет (для тестов)
func NewNopLogger() *Logger {
	l := zap.NewNop()
	return &Logger{Logger: l, sugar: l.Sugar()}
}

// With возвращает дочерний логгер с полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar()}
}

// WithComponent - дочерний логгер компонента (dispatcher, tracker, ...)
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// WithAccount - дочерний логгер счёта
func (l *Logger) WithAccount(accountID string) *Logger {
	return l.With(AccountID(accountID))
}

// WithUser - дочерний логгер пользователя
func (l *Logger) WithUser(userID string) *Logger {
	return l.With(UserID(userID))
}

// WithSymbol - дочерний логгер инструмента
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(Symbol(symbol))
}

// Sugar возвращает sugared логгер для printf-стиля
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Глобальные функции логирования
// ============================================================

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { L().sugar.Debugf(format, args...) }
func Infof(format string, args ...interface{}) { L().sugar.Infof(format, args...) }
func Warnf(format string, args ...interface{}) { L().sugar.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { L().sugar.Errorf(format, args...) }

// ============================================================
// Доменные конструкторы полей
// ============================================================

func AccountID(id string) zap.Field { return zap.String("account_id", id) }
func UserID(id string) zap.Field { return zap.String("user_id", id) }
func Symbol(symbol string) zap.Field { return zap.String("symbol", symbol) }
func PositionID(id string) zap.Field { return zap.String("position_id", id) }
func DecisionID(id string) zap.Field { return zap.String("decision_id", id) }
func AlertID(id string) zap.Field { return zap.String("alert_id", id) }
func Channel(name string) zap.Field { return zap.String("channel", name) }
func Status(status string) zap.Field { return zap.String("status", status) }
func Heat(pct float64) zap.Field { return zap.Float64("heat_pct", pct) }
func RiskScore(score float64) zap.Field { return zap.Float64("risk_score", score) }
func Latency(ms float64) zap.Field { return zap.Float64("latency_ms", ms) }
func RequestID(id string) zap.Field { return zap.String("request_id", id) }
func Component(name string) zap.Field { return zap.String("component", name) }
func Attempt(n int) zap.Field { return zap.Int("attempt", n) }

// Переэкспорт базовых конструкторов zap, чтобы пакеты не импортировали zap напрямую

func String(key, val string) zap.Field { return zap.String(key, val) }
func Int(key string, val int) zap.Field { return zap.Int(key, val) }
func Int64(key string, val int64) zap.Field { return zap.Int64(key, val) }
func Float64(key string, val float64) zap.Field { return zap.Float64(key, val) }
func Bool(key string, val bool) zap.Field { return zap.Bool(key, val) }
func Err(err error) zap.Field { return zap.Error(err) }
func Any(key string, val interface{}) zap.Field { return zap.Any(key, val) }
