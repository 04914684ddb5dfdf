package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitWindow = time.Minute

// corsMiddleware allows cross-origin browser access to the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs requests. The ResponseWriter is not wrapped so
// http.Flusher keeps working for SSE.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// rateLimitMiddleware enforces a fixed-window per-IP limit backed by Redis.
// A nil client, an exempt path or any Redis error lets the request through.
func rateLimitMiddleware(rdb *redis.Client, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rdb == nil || rateLimitExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if !allowRequest(r, rdb, perMinute) {
				httpError(w, http.StatusTooManyRequests,
					fmt.Sprintf("Rate limit exceeded. Maximum %d requests per minute.", perMinute))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitExempt(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/static")
}

func allowRequest(r *http.Request, rdb *redis.Client, perMinute int) bool {
	ip := clientIP(r)
	key := "ratelimit:" + ip

	current, err := rdb.Get(r.Context(), key).Int()
	if err == redis.Nil {
		if err := rdb.SetEx(r.Context(), key, "1", rateLimitWindow).Err(); err != nil {
			slog.Error("server: rate limit init failed", "ip", ip, "error", err)
		}
		return true
	}
	if err != nil {
		slog.Error("server: rate limit check failed", "ip", ip, "error", err)
		return true
	}
	if current >= perMinute {
		return false
	}
	if err := rdb.Incr(r.Context(), key).Err(); err != nil {
		slog.Error("server: rate limit incr failed", "ip", ip, "error", err)
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
