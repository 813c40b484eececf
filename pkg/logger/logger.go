package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// Init initializes the global logger. Safe to call more than once; only the
// first call takes effect.
func Init() {
	once.Do(func() {
		globalLogger = newLogger()
	})
}

// GetLogger returns the global logger instance, initializing it with
// defaults if Init has not been called yet.
func GetLogger() *zap.Logger {
	if globalLogger == nil {
		Init()
	}
	return globalLogger
}

// With returns a child logger carrying trace/run correlation fields, for
// tagging every log line emitted while handling one tick or one dispatched
// card.
func With(traceID, runID string) *zap.Logger {
	return GetLogger().With(zap.String("trace_id", traceID), zap.String("run_id", runID))
}

func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

func newLogger() *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	jsonFileEncoder := zapcore.NewJSONEncoder(encoderConfig)

	consoleWriter := zapcore.AddSync(os.Stdout)

	var cores []zapcore.Core
	level := zapcore.DebugLevel
	cores = append(cores, zapcore.NewCore(consoleEncoder, consoleWriter, level))

	if jsonFile, err := os.OpenFile("bfma.json.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		cores = append(cores, zapcore.NewCore(jsonFileEncoder, zapcore.AddSync(jsonFile), level))
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}
