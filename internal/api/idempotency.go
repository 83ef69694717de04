package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyHeader is the standard HTTP header for idempotency keys.
	IdempotencyHeader = "Idempotency-Key"
	// ReplayedHeader marks a response that repeats an earlier outcome.
	ReplayedHeader = "Idempotent-Replayed"

	idempotencyLockTimeout = 60 * time.Second
)

// responseRecorder captures the status code and body written by the handler.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *responseRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// IdempotencyCache replays completed responses of requests that carried an
// Idempotency-Key as 200 with Idempotent-Replayed, matching the ledger's own
// durable replay, and rejects concurrent duplicates with 409. Keys are scoped
// per actor, method and path. The ledger keeps its own durable key check, so a
// Redis failure only disables this fast path.
type IdempotencyCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewIdempotencyCache(rdb redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *IdempotencyCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "thrifty"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyCache{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

func (c *IdempotencyCache) Middleware(next http.Handler) http.Handler {
	if c == nil || c.rdb == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		actor, ok := ActorFromContext(r.Context())
		if key == "" || !ok {
			next.ServeHTTP(w, r)
			return
		}

		scope := fmt.Sprintf("%s:%s:%s:%s", actor.UserID, r.Method, r.URL.Path, key)
		cacheKey := c.prefix + ":idempotency:" + scope
		lockKey := c.prefix + ":idempotency_lock:" + scope
		ctx := context.WithoutCancel(r.Context())

		raw, err := c.rdb.Get(ctx, cacheKey).Bytes()
		switch {
		case err == nil:
			var cached cachedResponse
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				c.logger.Info("cache hit", zap.String("endpoint", r.URL.Path), zap.Int("original_status", cached.Status))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Hit", "true")
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(http.StatusOK)
				w.Write(markReplayed(cached.Body))
				return
			}
			c.logger.Warn("discarding unreadable cached response", zap.String("endpoint", r.URL.Path))
		case !errors.Is(err, redis.Nil):
			c.logger.Warn("cache lookup failed; falling through", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		acquired, err := c.rdb.SetNX(ctx, lockKey, "processing", idempotencyLockTimeout).Result()
		if err != nil {
			c.logger.Warn("lock acquisition failed; falling through", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !acquired {
			c.logger.Info("concurrent request detected", zap.String("endpoint", r.URL.Path), zap.String("outcome", "reject"))
			writeJSON(w, http.StatusConflict, errorBody{
				Error: "A request with this idempotency key is currently being processed",
				Kind:  "CONFLICT",
			})
			return
		}
		defer func() {
			if err := c.rdb.Del(ctx, lockKey).Err(); err != nil {
				c.logger.Warn("failed to release lock", zap.Error(err))
			}
		}()

		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		// Pending outcomes are left to the ledger, whose replay reflects settlement.
		if recorder.statusCode != http.StatusOK && recorder.statusCode != http.StatusCreated {
			return
		}
		body := bytes.TrimSpace(recorder.body.Bytes())
		if !json.Valid(body) {
			return
		}
		payload, err := json.Marshal(cachedResponse{Status: recorder.statusCode, Body: body})
		if err != nil {
			return
		}
		if err := c.rdb.Set(ctx, cacheKey, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("failed to cache response", zap.Error(err))
		}
	})
}

// markReplayed flips a top-level "replayed" field to true. Other bodies are
// returned unchanged.
func markReplayed(body json.RawMessage) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}
	if _, ok := fields["replayed"]; !ok {
		return body
	}
	fields["replayed"] = json.RawMessage("true")
	out, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return out
}
