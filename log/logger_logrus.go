package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type logrusLogger struct {
	l *logrus.Logger
}

func (l *logrusLogger) Infof(ctx context.Context, format string, args ...any) {
	l.entry(ctx).Infof(format, args...)
}

func (l *logrusLogger) Warnf(ctx context.Context, format string, args ...any) {
	l.entry(ctx).Warnf(format, args...)
}

func (l *logrusLogger) Errorf(ctx context.Context, format string, args ...any) {
	l.entry(ctx).Errorf(format, args...)
}

func (l *logrusLogger) Debugf(ctx context.Context, format string, args ...any) {
	l.entry(ctx).Debugf(format, args...)
}

func (l *logrusLogger) entry(ctx context.Context) *logrus.Entry {
	if linkID := TrackLinkID(ctx); linkID != "" {
		return l.l.WithField("link", linkID)
	}
	return logrus.NewEntry(l.l)
}

// NewLogrus returns a Logger that writes structured entries through the
// given logrus logger.
func NewLogrus(l *logrus.Logger) Logger {
	return &logrusLogger{l: l}
}
