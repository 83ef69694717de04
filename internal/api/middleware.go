/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer token
 * authentication, role checks and per-actor rate limiting.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and signature checks.
 * - go.uber.org/zap: structured logging.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/thrifty/ledger-service/internal/app"
	"github.com/thrifty/ledger-service/internal/domain"
	"go.uber.org/zap"
)

// ActorContextKey is a custom type for the context key to avoid collisions.
type ActorContextKey string

const actorKey ActorContextKey = "actor"

const jwksCacheTTL = 10 * time.Minute

// WithActor stores the authenticated actor in ctx.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext retrieves the authenticated actor from the request context.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(domain.Actor)
	return actor, ok
}

// Authenticator verifies bearer tokens. HS256 tokens are checked against a
// shared secret and RS256 tokens against keys fetched from a JWKS endpoint.
type Authenticator struct {
	secret  []byte
	jwksURL string
	client  *http.Client
	logger  *zap.Logger

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewAuthenticator(secret, jwksURL string, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		secret:  []byte(strings.TrimSpace(secret)),
		jwksURL: strings.TrimSpace(jwksURL),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With(zap.String("component", "auth")),
	}
}

// Middleware rejects requests without a valid bearer token and puts the
// resulting Actor into the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
			return
		}

		actor, err := a.Authenticate(r.Context(), tokenString)
		if err != nil {
			a.logger.Warn("token rejected", zap.String("outcome", "reject"), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// Authenticate parses tokenString and extracts the actor.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (domain.Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if len(a.secret) == 0 {
				return nil, errors.New("hmac tokens are not accepted")
			}
			return a.secret, nil
		case *jwt.SigningMethodRSA:
			if a.jwksURL == "" {
				return nil, errors.New("rsa tokens are not accepted")
			}
			kid, ok := token.Header["kid"].(string)
			if !ok {
				return nil, errors.New("kid not found in token header")
			}
			return a.publicKey(ctx, kid)
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	}, jwt.WithValidMethods([]string{"HS256", "RS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Actor{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Actor{}, errors.New("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return domain.Actor{}, err
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("subject is not a user id: %w", err)
	}
	return domain.Actor{UserID: userID, Roles: rolesFromClaims(claims)}, nil
}

func rolesFromClaims(claims jwt.MapClaims) []domain.Role {
	var raw []string
	switch v := claims["roles"].(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}
	roles := make([]domain.Role, 0, len(raw))
	for _, s := range raw {
		roles = append(roles, domain.Role(strings.ToLower(strings.TrimSpace(s))))
	}
	return roles
}

func (a *Authenticator) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if key, ok := a.keys[kid]; ok && time.Since(a.fetchedAt) < jwksCacheTTL {
		return key, nil
	}
	keys, err := a.fetchJWKS(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	a.keys = keys
	a.fetchedAt = time.Now()

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (a *Authenticator) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			a.logger.Warn("skipping malformed jwk", zap.String("kid", key.Kid), zap.Error(err))
			continue
		}
		keys[key.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey parses an RSA public key from its base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

// RequireRole rejects actors that lack role.
func RequireRole(role domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok || !domain.HasRole(actor, role) {
				writeError(w, http.StatusForbidden, domain.ErrMissingRole.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter admits or refuses one hit per call under a policy.
type RateLimiter interface {
	Allow(ctx context.Context, policy app.RateLimitPolicy, subject string) (app.RateLimitDecision, error)
}

// RateLimit caps each actor under policy. A limiter failure lets the request
// through.
func RateLimit(limiter RateLimiter, policy app.RateLimitPolicy, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil || !policy.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), policy, actor.UserID.String())
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.String("scope", policy.Scope), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining()))
			if !decision.Allowed {
				logger.Warn("rate limit exceeded",
					zap.String("scope", policy.Scope),
					zap.String("user_id", actor.UserID.String()),
					zap.String("outcome", "reject"),
				)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(wait time.Duration) int {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
