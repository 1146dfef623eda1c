package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// AccessLog 为每个请求挂载 zerolog logger，并在结束时记录访问日志。
func AccessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	newHandler := hlog.NewHandler(logger)
	requestID := hlog.RequestIDHandler("req_id", "X-Request-Id")
	access := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})

	return func(next http.Handler) http.Handler {
		return newHandler(requestID(access(next)))
	}
}
