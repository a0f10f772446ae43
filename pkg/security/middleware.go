package security

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"guesthub/pkg/logger"
)

type Role int

const (
	RoleUnauth Role = iota
	RoleConsole
	RoleAdmin
)

// SecConfig carries the middleware inputs resolved from configuration.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	ConsoleKeys    map[string]struct{}
	AdminKeys      map[string]struct{}
}

// Middleware authenticates and rate-limits every request. Webhook routes
// pass through unauthenticated here; adapters verify their own provider
// tokens. The webchat guest socket and health probes are public.
func Middleware(cfg SecConfig) func(http.Handler) http.Handler {
	limiters := &limiterPool{cfg: cfg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.LogRequest(r)

			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,PATCH,OPTIONS")
				w.Header().Set("Access-Control-Max-Age", "600")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-Staff-ID")
				w.Header().Set("Access-Control-Expose-Headers", "X-Role-Name")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			role, key := authenticate(r, cfg)

			if !limiters.Allow(key) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				logger.Warn("rate_limited", "path", r.URL.Path, "remote", r.RemoteAddr)
				return
			}

			if publicPath(r) {
				r.Header.Set("X-Role-Name", roleName(role))
				next.ServeHTTP(w, r)
				return
			}

			if role == RoleUnauth {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				return
			}
			if adminPath(r) && role != RoleAdmin {
				http.Error(w, "forbidden", http.StatusForbidden)
				logger.Warn("request_forbidden", "path", r.URL.Path, "role", roleName(role))
				return
			}

			r.Header.Set("X-Role-Name", roleName(role))
			next.ServeHTTP(w, r)
		})
	}
}

// publicPath lists routes reachable without an API key: deployment
// probes, metrics scrapes, provider webhooks and the guest-facing
// webchat socket.
func publicPath(r *http.Request) bool {
	p := r.URL.Path
	switch {
	case p == "/healthz" || p == "/readyz":
		return true
	case p == "/metrics":
		return true
	case strings.HasPrefix(p, "/v1/webhooks/"):
		return true
	case p == "/v1/ws/webchat":
		return true
	case strings.HasPrefix(p, "/docs"):
		return true
	}
	return false
}

func adminPath(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/v1/admin/")
}

func roleName(role Role) string {
	switch role {
	case RoleConsole:
		return "console"
	case RoleAdmin:
		return "admin"
	default:
		return "unauth"
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate prefers Authorization: Bearer, falling back to X-API-Key.
// Unauthenticated callers are rate-limited by client IP.
func authenticate(r *http.Request, cfg SecConfig) (Role, string) {
	auth := r.Header.Get("Authorization")
	var key string
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		key = strings.TrimSpace(auth[7:])
	}
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		return RoleUnauth, clientIP(r)
	}
	if _, ok := cfg.AdminKeys[key]; ok {
		return RoleAdmin, key
	}
	if _, ok := cfg.ConsoleKeys[key]; ok {
		return RoleConsole, key
	}
	return RoleUnauth, key
}

type limiterPool struct {
	mu  sync.Mutex
	m   map[string]*rate.Limiter
	cfg SecConfig
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	rps := p.cfg.RPS
	if rps <= 0 {
		rps = 50
	}
	burst := p.cfg.Burst
	if burst <= 0 {
		burst = 100
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
