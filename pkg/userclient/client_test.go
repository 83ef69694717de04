package userclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/thrifty/ledger-service/internal/domain"
)

func TestFindUserByID_DecodesUser(t *testing.T) {
	userID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/users/"+userID.String() {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Internal-API-Key"); got != "internal-key" {
			t.Errorf("expected internal api key header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"` + userID.String() + `","first_name":"Ada","last_name":"Obi","email":"ada@example.com","roles":[" Customer "]}`))
	}))
	defer server.Close()

	user, err := NewClient(server.URL+"/", " internal-key ").FindUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("FindUserByID returned error: %v", err)
	}
	if user.ID != userID || user.FirstName != "Ada" || user.Email != "ada@example.com" {
		t.Fatalf("unexpected user %+v", user)
	}
	if len(user.Roles) != 1 || user.Roles[0] != domain.RoleCustomer {
		t.Fatalf("expected normalized customer role, got %v", user.Roles)
	}
}

func TestFindUserByID_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "").FindUserByID(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestFindUserByID_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-API-Key") != "" {
			t.Errorf("expected no api key header when unset")
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "").FindUserByID(context.Background(), uuid.New())
	if err == nil || errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected a plain upstream error, got %v", err)
	}
}

func TestFindUserByID_InvalidID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"not-a-uuid"}`))
	}))
	defer server.Close()

	if _, err := NewClient(server.URL, "").FindUserByID(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected an invalid id to be rejected")
	}
}
