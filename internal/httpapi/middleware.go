package httpapi

import (
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/MimeLyc/mediacards/internal/metrics"
	"github.com/MimeLyc/mediacards/internal/ratelimit"
	"github.com/MimeLyc/mediacards/pkg/log"
)

const cronSecretHeader = "x-cron-secret"

// limit counts the request against class before calling next. Limiter
// failures let the request through.
func (s *Server) limit(class ratelimit.Class, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next(w, r)
			return
		}
		res, err := s.limiter.Allow(r.Context(), class, clientKey(r))
		if err != nil {
			log.WithFields(log.Fields{"class": class}).WithError(err).Warn("Rate limiter unavailable")
			next(w, r)
			return
		}
		if res.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			metrics.RateLimitedTotal.WithLabelValues(string(class)).Inc()
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next(w, r)
	}
}

// clientKey identifies the caller by forwarded address, falling back to the
// connection's remote address.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// secretMatches compares in constant time. An unset secret matches nothing.
func secretMatches(given, want string) bool {
	if want == "" || given == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1
}

func (s *Server) workerAuthorized(r *http.Request) bool {
	return secretMatches(bearerToken(r), s.secrets.Worker)
}

func (s *Server) cronAuthorized(r *http.Request) bool {
	given := r.Header.Get(cronSecretHeader)
	if given == "" {
		given = bearerToken(r)
	}
	return secretMatches(given, s.secrets.Cron)
}

// readerAuthorized accepts either secret on read-only job routes.
func (s *Server) readerAuthorized(r *http.Request) bool {
	return s.workerAuthorized(r) || s.cronAuthorized(r)
}
