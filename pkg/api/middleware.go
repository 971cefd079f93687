package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// rateLimitConfig holds the rate limiter settings.
type rateLimitConfig struct {
	rps   rate.Limit
	burst int
}

// GlobalRateLimiter manages per-IP rate limiters.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   rateLimitConfig
}

// visitor tracks the rate limiter and last seen time for an IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a per-IP rate limiter allowing rps
// requests per second with the given burst.
func NewGlobalRateLimiter(rps float64, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		config: rateLimitConfig{
			rps:   rate.Limit(rps),
			burst: burst,
		},
	}
	go rl.cleanupVisitors()
	return rl
}

// getVisitor returns the limiter for a given IP, creating if necessary.
func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.config.rps, rl.config.burst)
		rl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors removes stale visitor entries to prevent memory leaks.
// Checks every minute, removes entries older than 3 minutes.
func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Handler that enforces rate limits.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
		}

		if !rl.getVisitor(ip).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestID assigns each request an X-Request-ID, preserving one the
// caller already sent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// AdminClaims are the JWT claims required on registry admin endpoints.
type AdminClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTValidator validates admin tokens signed with a shared HMAC secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator. An empty secret returns nil and
// the auth middleware fails closed.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// RequireAdmin wraps a handler with bearer-token auth. A nil validator
// rejects every request.
func RequireAdmin(validator *JWTValidator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}

		if validator == nil {
			WriteUnauthorized(w, "Authentication not configured")
			return
		}

		claims, err := validator.Validate(parts[1])
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		if claims.Subject == "" {
			WriteUnauthorized(w, "Token subject is required")
			return
		}

		next.ServeHTTP(w, r)
	})
}
