package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/GateBatch/internal/auth"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit"
)

// RateLimit admits requests per API key. A whole batch counts as one
// request here; outbound calls are limited separately per provider.
func RateLimit(
	lim ratelimit.Limiter,
	policy ratelimit.Policy,
	overrides map[string]ratelimit.Policy,
	skipPaths map[string]struct{},
	onLimited func(path string),
	onError func(path string),
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// ops endpoints are never limited
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			keyID, ok := auth.KeyIDFrom(r.Context())
			if !ok || keyID == "" {
				keyID = "anon"
			}

			p := policy
			if o, ok := overrides[keyID]; ok && o.RPM > 0 && o.Burst > 0 {
				p = o
			}

			dec, err := lim.Allow(r.Context(), "key:"+keyID, p, time.Now())
			if err != nil {
				if onError != nil {
					onError(r.URL.Path)
				}
				writeError(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			if dec.Limit > 0 {
				h := w.Header()
				h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
				h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetUnixSec, 10))
			}

			if !dec.Allowed {
				if onLimited != nil {
					onLimited(r.URL.Path)
				}
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
