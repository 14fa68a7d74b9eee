package shared

import (
	"context"
	"net/http"
	"strings"
)

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// ClientFromRequest builds the request fingerprint. RemoteAddr is expected to
// have been rewritten by chi's RealIP middleware when running behind a proxy.
func ClientFromRequest(r *http.Request) Client {
	return Client{IP: RemoteIP(r.RemoteAddr), UserAgent: r.UserAgent()}
}

// RemoteIP strips the port from an address of the form host:port.
func RemoteIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "[") {
		if end := strings.Index(addr, "]"); end > 0 {
			return addr[1:end]
		}
	}
	if i := strings.LastIndex(addr, ":"); i > 0 && strings.Count(addr, ":") == 1 {
		return addr[:i]
	}
	return addr
}
