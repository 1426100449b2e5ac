package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		FullName: "Alice Poster",
		Role:     RolePoster,
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RolePoster {
		t.Fatalf("register: expected role %s got %s", RolePoster, user.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}

	tokenUserID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if tokenRole != RolePoster {
		t.Fatalf("verify token: expected role %s got %s", RolePoster, tokenRole)
	}
}

func TestService_DefaultRoleIsDoer(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "bob@example.com",
		Password: "strongpassword",
		FullName: "Bob Doer",
	})
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if user.Role != RoleDoer {
		t.Fatalf("expected default role %s got %s", RoleDoer, user.Role)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		FullName: "Alice Poster",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "eve@example.com",
		Password: "strongpassword",
		FullName: "Eve",
		Role:     Role("superuser"),
	}); err == nil {
		t.Fatal("expected validation error for unknown role")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Poster",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenRejectsOtherSecret(t *testing.T) {
	repo := newFakeRepository()
	issuer := NewService(repo, "secret-a")
	verifier := NewService(repo, "secret-b")

	if _, err := issuer.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Poster",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := issuer.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, _, err := verifier.VerifyToken(resp.Token); err == nil {
		t.Fatal("expected token signed with a different secret to be rejected")
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(_ context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(_ context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(_ context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
