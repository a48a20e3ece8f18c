// Package authpw provides email/password registration and sign-in.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/rbac"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/store"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/util"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingFields      = errors.New("email, name and password are required")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrWrongPassword      = errors.New("current password is incorrect")
	ErrMissingPassword    = errors.New("current and new password are required")
)

// Service provides email/password authentication
type Service struct {
	store     UserStore
	allowRole bool
	cost      int
	now       func() time.Time
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
}

// NewService creates a new auth service. When allowRole is false every
// self-registered account becomes an employee regardless of the requested role.
func NewService(store UserStore, allowRole bool) *Service {
	return &Service{
		store:     store,
		allowRole: allowRole,
		cost:      bcrypt.DefaultCost,
		now:       time.Now,
	}
}

// RegisterRequest contains registration parameters
type RegisterRequest struct {
	Email      string
	Name       string
	Password   string
	Department string
	Role       string
}

// Register creates a new active local account
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	email := normalizeEmail(req.Email)
	name := strings.TrimSpace(req.Name)
	if email == "" || name == "" || req.Password == "" {
		return store.User{}, ErrMissingFields
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return store.User{}, ErrInvalidEmail
	}

	_, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		return store.User{}, ErrEmailTaken
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := s.HashPassword(req.Password)
	if err != nil {
		return store.User{}, err
	}

	role := rbac.RoleEmployee
	if s.allowRole && req.Role != "" {
		role = rbac.Normalize(req.Role)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         string(role),
		Department:   strings.TrimSpace(req.Department),
		IsActive:     true,
		AuthProvider: "local",
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		// Lost a race with a concurrent registration.
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials. Unknown email and wrong password fail the same
// way; a disabled account is reported only after the password matched.
func (s *Service) Login(ctx context.Context, email, password string) (store.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return store.User{}, ErrAccountDisabled
	}

	now := s.now().UTC()
	if err := s.store.TouchLastLogin(ctx, user.ID, now); err != nil {
		return store.User{}, fmt.Errorf("record login: %w", err)
	}
	user.LastLogin = &now
	return user, nil
}

// ChangePassword replaces the hash after checking the current password.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if currentPassword == "" || newPassword == "" {
		return ErrMissingPassword
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		return ErrWrongPassword
	}
	hash, err := s.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserPassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// HashPassword returns a salted bcrypt hash.
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
