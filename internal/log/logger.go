// /internal/log/logger.go
package log

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	levelDebug LogLevel = iota
	levelInfo
	levelWarn
	levelError
	levelQuiet
)

type Logger struct {
	level  LogLevel
	base   *zap.Logger
	sugar  *zap.SugaredLogger
	prompt *os.File
}

// Log is the process-wide logger. It discards everything until Init is called.
var Log = &Logger{level: levelQuiet, base: zap.NewNop(), sugar: zap.NewNop().Sugar(), prompt: os.Stdout}

func Init(levelStr string) {
	Log = New(levelStr, os.Stderr)
}

// New builds a console logger writing to w at the given level.
func New(levelStr string, w zapcore.WriteSyncer) *Logger {
	l := &Logger{prompt: os.Stdout}
	l.setLevelFromString(levelStr)

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(w), l.zapLevel())
	l.base = zap.New(core)
	l.sugar = l.base.Sugar()
	return l
}

func (l *Logger) setLevelFromString(levelStr string) {
	switch strings.ToLower(levelStr) {
	case "debug":
		l.level = levelDebug
	case "info":
		l.level = levelInfo
	case "warn":
		l.level = levelWarn
	case "error":
		l.level = levelError
	default:
		l.level = levelQuiet
	}
}

func (l *Logger) zapLevel() zapcore.LevelEnabler {
	switch l.level {
	case levelDebug:
		return zapcore.DebugLevel
	case levelInfo:
		return zapcore.InfoLevel
	case levelWarn:
		return zapcore.WarnLevel
	case levelError:
		return zapcore.ErrorLevel
	}
	return zap.LevelEnablerFunc(func(zapcore.Level) bool { return false })
}

// Zap exposes the structured logger for components that log with fields.
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

func (l *Logger) Fatal(format string, v ...interface{}) {
	_ = l.base.Sync()
	fmt.Fprintf(os.Stderr, "[FATAL] "+format+"\n", v...)
	os.Exit(1)
}

// Prompt writes user-facing output regardless of level.
func (l *Logger) Prompt(format string, v ...interface{}) {
	fmt.Fprintf(l.prompt, format+"\n", v...)
}

func (l *Logger) Sync() {
	_ = l.base.Sync()
}
