package middleware

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dvmesh/backend/internal/httpapi"
	"github.com/dvmesh/backend/internal/kv"
)

// RateLimit caps requests per client IP over a rolling window, keyed in the
// KV namespace so every pod enforces the same budget. Registration uses a
// tight budget to blunt keypair farming.
func RateLimit(kvc kv.Client, name string, limit int64, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := fmt.Sprintf("rl:%s:%s", name, clientIP(r))
		n, err := kvc.Incr(r.Context(), key, window)
		if err != nil {
			// A broken limiter should not take the endpoint down with it.
			next(w, r)
			return
		}
		if n > limit {
			httpapi.WriteError(w, &httpapi.Error{
				Status: http.StatusTooManyRequests,
				Msg:    "rate limit exceeded, try again later",
			})
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
