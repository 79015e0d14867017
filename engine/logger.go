package engine

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package-wide logger. engine logs through it
// directly rather than keeping its own zap instance, so a
// single SetLogger call (made by host.New) controls verbosity for C1's
// compile/instantiate/trap lifecycle; host itself logs session-scoped
// lines (which carry plugin_id/session_id fields Logger() alone can't
// attach) through its own cfg.Logger, the same underlying instance.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger replaces the package-wide logger. Must be called before any
// other package caches the result of Logger(), so callers set it during
// startup, not mid-run.
func SetLogger(l *zap.Logger) {
	loggerOnce.Do(func() {})
	logger = l
}

// PluginField, SessionField, and EntityField are the structured zap
// fields every log line touching a plugin, session, or entity attaches,
// so a single query in a log aggregator can follow one session end to
// end across C1-C5.
func PluginField(id string) zap.Field  { return zap.String("plugin_id", id) }
func SessionField(id string) zap.Field { return zap.String("session_id", id) }
func EntityField(id string) zap.Field  { return zap.String("entity_id", id) }
