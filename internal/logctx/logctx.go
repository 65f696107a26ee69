package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, session and route data carried
// by the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("state", sd.State),
		))
	}

	if rt, ok := ctx.Value(routeDataKey{}).(*RouteData); ok {
		r.AddAttrs(slog.Group("route",
			slog.Int("index", rt.Index),
			slog.String("pattern", rt.Pattern),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// RequestID returns the request id attached by WithRequestData, if any.
func RequestID(ctx context.Context) string {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		return rd.RequestID
	}
	return ""
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	State     string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type routeDataKey struct{}

type RouteData struct {
	Index   int
	Pattern string
}

func WithRouteData(ctx context.Context, data *RouteData) context.Context {
	return context.WithValue(ctx, routeDataKey{}, data)
}
