package kvstore

import (
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(log *slog.Logger) badger.Logger {
	return &badgerLogger{logger: log}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(trimNewline(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(trimNewline(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(trimNewline(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(trimNewline(format, args...))
}

func trimNewline(format string, args ...any) string {
	return strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
}
