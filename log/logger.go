package log

import "context"

// Logger is the logging interface used throughout ddil-go.
//
// Every method takes a context so implementations can pull request- or
// link-scoped identifiers out of it.
type Logger interface {
	Infof(context.Context, string, ...interface{})
	Warnf(context.Context, string, ...interface{})
	Errorf(context.Context, string, ...interface{})
	Debugf(context.Context, string, ...interface{})
}

var trackLinkIDKey = "trackLinkIDKey"

// WithTrackLinkID stores a link identifier in the context. Loggers that
// understand it prefix their output with the link ID so interleaved
// per-link logs stay attributable.
func WithTrackLinkID(ctx context.Context, linkID string) context.Context {
	return context.WithValue(ctx, &trackLinkIDKey, linkID)
}

// TrackLinkID returns the link identifier stored in the context, or ""
// when none was set.
func TrackLinkID(ctx context.Context) string {
	v, ok := ctx.Value(&trackLinkIDKey).(string)
	if !ok {
		return ""
	}
	return v
}
