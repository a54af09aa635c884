package httpapi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KhalanHappiness/Point-Of-Sale/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, store)
	if _, err := manager.Login(domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if store.updates < 1 {
		t.Fatalf("expected a password upgrade write to the store")
	}
}

func TestAuthManagerTokenRoundTrip(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"cashier": {
				Username:  "cashier",
				Password:  "cashier123",
				Role:      domain.RoleCashier,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, store)
	resp, err := manager.Login(domain.LoginRequest{Username: "cashier", Password: "cashier123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "cashier" || actor.Role != domain.RoleCashier {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestAuthManagerRejectsForeignToken(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {Username: "admin", Password: "admin123", Role: domain.RoleAdmin, Active: true},
		},
	}

	issuer := NewAuthManager("secret-a", time.Hour, store)
	verifier := NewAuthManager("secret-b", time.Hour, store)

	resp, err := issuer.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestAuthManagerRejectsInactiveAccount(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"ghost": {Username: "ghost", Password: "secret123", Role: domain.RoleCashier, Active: false},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, store)
	if _, err := manager.Login(domain.LoginRequest{Username: "ghost", Password: "secret123"}); err == nil {
		t.Fatalf("expected login to fail for inactive account")
	}
}

func TestCreateUserValidation(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{})

	cases := []domain.UserCreateRequest{
		{Username: "ab", Password: "secret123"},
		{Username: "validname", Password: "123"},
		{Username: "with space", Password: "secret123"},
		{Username: "validname", Password: "secret123", Role: "superuser"},
	}
	for _, req := range cases {
		if _, err := manager.CreateUser(req); err == nil {
			t.Fatalf("expected CreateUser to reject %+v", req)
		}
	}

	user, err := manager.CreateUser(domain.UserCreateRequest{Username: "newkasir", Password: "secret123"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Role != domain.RoleCashier || !user.Active {
		t.Fatalf("unexpected defaults: %+v", user)
	}
	if _, err := manager.CreateUser(domain.UserCreateRequest{Username: "newkasir", Password: "secret123"}); err == nil {
		t.Fatalf("expected duplicate username to be rejected")
	}
}
