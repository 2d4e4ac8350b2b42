package domain

import "context"

type ctxKey string

const requestMetaCtxKey ctxKey = "request_meta"

// RequestMeta carries caller context that audit events copy when the
// recording component does not set it explicitly.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	SessionID string
}

// ContextWithRequestMeta returns a new context carrying meta.
func ContextWithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaCtxKey, meta)
}

// RequestMetaFromContext extracts the request metadata from the context.
// Returns the zero value if not set.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if v, ok := ctx.Value(requestMetaCtxKey).(RequestMeta); ok {
		return v
	}
	return RequestMeta{}
}
