package logger

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and encoding for the process-wide logger.
type Config struct {
	Level  string `toml:"level" yaml:"level" json:"level"`   // debug|info|warn|error
	Format string `toml:"format" yaml:"format" json:"format"` // json|console
}

var (
	mu   sync.RWMutex
	base = mustBuild(Config{})
)

// Init replaces the global logger. Unknown levels fall back to info.
func Init(cfg Config) error {
	l, err := build(cfg)
	if err != nil {
		return err
	}
	Replace(l)
	return nil
}

// Replace installs an already-built zap logger (tests use an observer core).
// Passing nil restores the default production logger.
func Replace(l *zap.Logger) {
	if l == nil {
		l = mustBuild(Config{})
	}
	mu.Lock()
	old := base
	base = l
	mu.Unlock()
	_ = old.Sync()
}

// L returns the underlying zap logger for packages that want typed fields.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() { _ = L().Sync() }

func Info(msg string)  { L().Info(msg) }
func Warn(msg string)  { L().Warn(msg) }
func Error(msg string) { L().Error(msg) }
func Debug(msg string) { L().Debug(msg) }

// InfoJ logs a structured event. Keys are emitted in sorted order so that
// identical events render identically.
func InfoJ(event string, fields map[string]any) { L().Info(event, toFields(fields)...) }

// WarnJ is InfoJ at warn level.
func WarnJ(event string, fields map[string]any) { L().Warn(event, toFields(fields)...) }

// ErrorJ is InfoJ at error level.
func ErrorJ(event string, fields map[string]any) { L().Error(event, toFields(fields)...) }

func toFields(m map[string]any) []zap.Field {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, m[k]))
	}
	return out
}

func build(cfg Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	lvl := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			lvl = zapcore.InfoLevel
		}
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = true
	return zc.Build()
}

func mustBuild(cfg Config) *zap.Logger {
	l, err := build(cfg)
	if err != nil {
		return zap.NewNop()
	}
	return l
}
