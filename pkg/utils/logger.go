package utils

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ============================================================
// Структурированное логирование на базе zap
// ============================================================

// LogConfig - настройки логгера
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json или text
	Output      string // путь к файлу, пусто = stderr
	Development bool   // человекочитаемые стектрейсы и caller
}

// Logger оборачивает zap.Logger вместе с sugar-вариантом
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalMu     sync.Mutex
	globalLogger *Logger
)

// parseLevel преобразует строковый уровень в zapcore.Level.
// Неизвестный уровень трактуется как info
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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

// InitLogger создаёт логгер по конфигурации.
// Никогда не возвращает nil: при ошибке открытия файла
// происходит fallback на stderr
func InitLogger(cfg LogConfig) *Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" {
		if cfg.Development {
			encoderCfg = zap.NewDevelopmentEncoderConfig()
			encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var sink zapcore.WriteSyncer = zapcore.AddSync(os.Stderr)
	if cfg.Output != "" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			sink = zapcore.AddSync(file)
		}
	}

	core := zapcore.NewCore(encoder, sink, parseLevel(cfg.Level))

	opts := []zap.Option{}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddCaller())
	}

	zl := zap.New(core, opts...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// With возвращает дочерний логгер с дополнительными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	zl := l.Logger.With(fields...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// Sugar возвращает sugar-вариант логгера
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============ Дочерние логгеры для типовых контекстов ============

// WithComponent помечает логи именем подсистемы
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// WithOperation помечает логи идентификатором операции
func (l *Logger) WithOperation(id string) *Logger {
	return l.With(OperationID(id))
}

// WithSymbol помечает логи тикером инструмента
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(Symbol(symbol))
}

// WithClient помечает логи идентификатором клиента
func (l *Logger) WithClient(clientID string) *Logger {
	return l.With(ClientID(clientID))
}

// ============ Глобальный логгер ============

// InitGlobalLogger инициализирует и устанавливает глобальный логгер
func InitGlobalLogger(cfg LogConfig) *Logger {
	logger := InitLogger(cfg)
	SetGlobalLogger(logger)
	return logger
}

// SetGlobalLogger устанавливает глобальный логгер
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный логгер,
// создавая дефолтный при первом обращении
func GetGlobalLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{})
	}
	return globalLogger
}

// L - краткий доступ к глобальному логгеру
func L() *Logger {
	return GetGlobalLogger()
}

// Debug логирует через глобальный логгер
func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

// Info логирует через глобальный логгер
func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

// Warn логирует через глобальный логгер
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

// Error логирует через глобальный логгер
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Fatal логирует через глобальный логгер и завершает процесс
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

// Debugf - printf-стиль через глобальный логгер
func Debugf(template string, args ...interface{}) { L().sugar.Debugf(template, args...) }

// Infof - printf-стиль через глобальный логгер
func Infof(template string, args ...interface{}) { L().sugar.Infof(template, args...) }

// Warnf - printf-стиль через глобальный логгер
func Warnf(template string, args ...interface{}) { L().sugar.Warnf(template, args...) }

// Errorf - printf-стиль через глобальный логгер
func Errorf(template string, args ...interface{}) { L().sugar.Errorf(template, args...) }

// ============ Конструкторы доменных полей ============

// OperationID - идентификатор ратио-операции
func OperationID(id string) zap.Field { return zap.String("operation_id", id) }

// Symbol - тикер инструмента
func Symbol(symbol string) zap.Field { return zap.String("symbol", symbol) }

// Pair - пара инструментов
func Pair(pair string) zap.Field { return zap.String("pair", pair) }

// OrderID - client order id
func OrderID(id string) zap.Field { return zap.String("order_id", id) }

// ClientID - идентификатор клиента
func ClientID(id string) zap.Field { return zap.String("client_id", id) }

// Ratio - значение ратио
func Ratio(r float64) zap.Field { return zap.Float64("ratio", r) }

// Quantity - количество номиналов
func Quantity(q float64) zap.Field { return zap.Float64("quantity", q) }

// Price - цена
func Price(p float64) zap.Field { return zap.Float64("price", p) }

// Side - сторона ордера
func Side(side string) zap.Field { return zap.String("side", side) }

// Status - статус операции или ордера
func Status(status string) zap.Field { return zap.String("status", status) }

// Batch - порядковый номер батча
func Batch(n int) zap.Field { return zap.Int("batch", n) }

// Attempt - номер попытки
func Attempt(n int) zap.Field { return zap.Int("attempt", n) }

// Latency - латентность в миллисекундах
func Latency(ms float64) zap.Field { return zap.Float64("latency_ms", ms) }

// RequestID - идентификатор HTTP запроса
func RequestID(id string) zap.Field { return zap.String("request_id", id) }

// Component - имя подсистемы
func Component(name string) zap.Field { return zap.String("component", name) }

// ============ Переэкспорт стандартных конструкторов ============

// String - строковое поле
func String(key, value string) zap.Field { return zap.String(key, value) }

// Int - целочисленное поле
func Int(key string, value int) zap.Field { return zap.Int(key, value) }

// Int64 - поле int64
func Int64(key string, value int64) zap.Field { return zap.Int64(key, value) }

// Float64 - поле float64
func Float64(key string, value float64) zap.Field { return zap.Float64(key, value) }

// Bool - булево поле
func Bool(key string, value bool) zap.Field { return zap.Bool(key, value) }

// Err - поле ошибки
func Err(err error) zap.Field { return zap.Error(err) }

// Any - поле произвольного типа
func Any(key string, value interface{}) zap.Field { return zap.Any(key, value) }

// Duration - поле длительности
func Duration(key string, value time.Duration) zap.Field { return zap.Duration(key, value) }
