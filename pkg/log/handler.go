package log

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
)

// ErrFmtHandler decorates a slog handler so that training-loop error
// records carry their origin. Errors built by pkg/errors hold a
// cockroachdb stack trace; when a record's error attribute has one, it
// is surfaced as a dedicated stacktrace field so a failed forward pass
// or criterion call can be traced back through the capability boundary
// (matcher, backbone, transformer) that raised it.
type ErrFmtHandler struct {
	handler slog.Handler
}

// WrapByErrFmtHandler wraps handler with stacktrace extraction. Records
// without an error attribute pass through untouched.
func WrapByErrFmtHandler(handler slog.Handler) slog.Handler {
	return &ErrFmtHandler{
		handler: handler,
	}
}

func (eh *ErrFmtHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return eh.handler.Enabled(ctx, l)
}

func (eh *ErrFmtHandler) Handle(ctx context.Context, r slog.Record) error {
	if st := stacktraceOf(&r); st != "" {
		r.AddAttrs(slog.String(StacktraceAttrKey, st))
	}
	return eh.handler.Handle(ctx, r)
}

func (eh *ErrFmtHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ErrFmtHandler{handler: eh.handler.WithAttrs(attrs)}
}

func (eh *ErrFmtHandler) WithGroup(g string) slog.Handler {
	return &ErrFmtHandler{handler: eh.handler.WithGroup(g)}
}

// stacktraceOf scans the record for the standard error attribute and
// returns the attached stack trace, or "" when the record carries no
// error or the error has no stack.
func stacktraceOf(r *slog.Record) string {
	var st string
	r.Attrs(func(attr slog.Attr) bool {
		if attr.Key != ErrAttrKey {
			return true
		}
		if err, ok := attr.Value.Any().(error); ok {
			details := errors.GetSafeDetails(err).SafeDetails
			if len(details) > 0 {
				st = details[0]
			}
		}
		return false
	})
	return st
}
