package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/thrifty/ledger-service/internal/app"
	"github.com/thrifty/ledger-service/internal/domain"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func tokenFor(t *testing.T, userID uuid.UUID, roles ...domain.Role) string {
	t.Helper()
	raw := make([]string, 0, len(roles))
	for _, role := range roles {
		raw = append(raw, string(role))
	}
	return signToken(t, jwt.MapClaims{
		"sub":   userID.String(),
		"roles": raw,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}, testSecret)
}

func TestAuthenticator_RejectsBadCredentials(t *testing.T) {
	auth := NewAuthenticator(testSecret, "", nil)
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))
	userID := uuid.New()

	cases := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Token " + tokenFor(t, userID)},
		{name: "wrong secret", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": userID.String(), "exp": time.Now().Add(time.Hour).Unix()}, "other")},
		{name: "expired", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": userID.String(), "exp": time.Now().Add(-time.Minute).Unix()}, testSecret)},
		{name: "no expiry", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": userID.String()}, testSecret)},
		{name: "subject not a uuid", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "ada", "exp": time.Now().Add(time.Hour).Unix()}, testSecret)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/accounts/1234567890", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestAuthenticator_RejectsHMACWithoutSecret(t *testing.T) {
	auth := NewAuthenticator("", "", nil)
	if _, err := auth.Authenticate(context.Background(), tokenFor(t, uuid.New())); err == nil {
		t.Fatal("expected hmac tokens to be refused without a secret")
	}
}

func TestAuthenticator_PutsActorInContext(t *testing.T) {
	auth := NewAuthenticator(testSecret, "", nil)
	userID := uuid.New()
	token := signToken(t, jwt.MapClaims{
		"sub":   userID.String(),
		"roles": "Customer, admin",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}, testSecret)

	var got domain.Actor
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			t.Error("expected an actor in the context")
		}
		got = actor
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got.UserID != userID {
		t.Fatalf("expected actor %s, got %s", userID, got.UserID)
	}
	if !domain.HasRole(got, domain.RoleCustomer) || !domain.HasRole(got, domain.RoleAdmin) {
		t.Fatalf("expected both roles, got %v", got.Roles)
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(domain.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name string
		ctx  context.Context
		want int
	}{
		{name: "no actor", ctx: context.Background(), want: http.StatusForbidden},
		{name: "customer", ctx: WithActor(context.Background(), domain.Actor{UserID: uuid.New(), Roles: []domain.Role{domain.RoleCustomer}}), want: http.StatusForbidden},
		{name: "admin", ctx: WithActor(context.Background(), domain.Actor{UserID: uuid.New(), Roles: []domain.Role{domain.RoleAdmin}}), want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/accounts", nil).WithContext(tc.ctx)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

type rateLimiterStub struct {
	decision app.RateLimitDecision
	err      error
	subjects []string
}

func (s *rateLimiterStub) Allow(ctx context.Context, policy app.RateLimitPolicy, subject string) (app.RateLimitDecision, error) {
	s.subjects = append(s.subjects, policy.Scope+":"+subject)
	return s.decision, s.err
}

func TestRateLimit(t *testing.T) {
	actor := domain.Actor{UserID: uuid.New(), Roles: []domain.Role{domain.RoleCustomer}}
	policy := app.RateLimitPolicy{Scope: "money", Limit: 3, Window: time.Minute}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	newRequest := func() *http.Request {
		return httptest.NewRequest(http.MethodPost, "/transactions/deposit", nil).WithContext(WithActor(context.Background(), actor))
	}

	t.Run("refused", func(t *testing.T) {
		limiter := &rateLimiterStub{decision: app.RateLimitDecision{Limit: 3, Used: 3, RetryAfter: 41200 * time.Millisecond}}
		rec := httptest.NewRecorder()
		RateLimit(limiter, policy, nil)(next).ServeHTTP(rec, newRequest())

		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
		if rec.Header().Get("Retry-After") != "42" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
			t.Fatalf("unexpected headers %v", rec.Header())
		}
		if len(limiter.subjects) != 1 || limiter.subjects[0] != "money:"+actor.UserID.String() {
			t.Fatalf("expected a per-actor key, got %v", limiter.subjects)
		}
	})

	t.Run("admitted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		limiter := &rateLimiterStub{decision: app.RateLimitDecision{Allowed: true, Limit: 3, Used: 1}}
		RateLimit(limiter, policy, nil)(next).ServeHTTP(rec, newRequest())

		if rec.Code != http.StatusOK || rec.Header().Get("X-RateLimit-Remaining") != "2" || rec.Header().Get("X-RateLimit-Limit") != "3" {
			t.Fatalf("expected pass-through with 2 remaining, got %d %v", rec.Code, rec.Header())
		}
	})

	t.Run("limiter failure lets the request through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RateLimit(&rateLimiterStub{err: errors.New("redis down")}, policy, nil)(next).ServeHTTP(rec, newRequest())

		if rec.Code != http.StatusOK {
			t.Fatalf("expected fail-open, got %d", rec.Code)
		}
	})

	t.Run("disabled policy", func(t *testing.T) {
		limiter := &rateLimiterStub{}
		rec := httptest.NewRecorder()
		RateLimit(limiter, app.RateLimitPolicy{Scope: "money", Window: time.Minute}, nil)(next).ServeHTTP(rec, newRequest())

		if rec.Code != http.StatusOK || len(limiter.subjects) != 0 {
			t.Fatalf("expected the limiter to be bypassed, got %d", rec.Code)
		}
	})
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		wait time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1001 * time.Millisecond, 2},
		{time.Hour, 3600},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.wait); got != tt.want {
			t.Fatalf("retryAfterSeconds(%s) = %d, want %d", tt.wait, got, tt.want)
		}
	}
}
