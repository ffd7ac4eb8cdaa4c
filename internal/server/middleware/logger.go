package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs each connection attempt before the WebSocket upgrade
// runs. It sits behind the metadata middleware so the client IP is already
// resolved.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := "unknown"
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
			}

			logger.Info("Client connecting",
				slog.String("path", r.URL.Path),
				slog.String("ip", ip),
				slog.String("userAgent", r.UserAgent()),
			)
			next.ServeHTTP(w, r)
		})
	}
}
