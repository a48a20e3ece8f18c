package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/auth"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/authpw"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/config"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/filestore"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/rbac"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/search"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/store"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/util"
	"go.uber.org/zap"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	UpdateUserPassword(context.Context, string, string) error
	TouchLastLogin(context.Context, string, time.Time) error
	CountUsers(context.Context) (int, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	ListCategories(context.Context) ([]store.Category, error)
	GetCategory(context.Context, string) (store.Category, error)
	CountCategories(context.Context) (int, error)
	CreateCategory(context.Context, store.Category) error
	UpdateCategory(context.Context, string, string, string) error
	DeleteCategory(context.Context, string) error
	AddSubcategory(context.Context, string, store.Subcategory) error
	UpdateSubcategory(context.Context, string, string, store.Subcategory) (int64, error)
	RemoveSubcategory(context.Context, string, string) error

	ListDocuments(context.Context, store.DocumentFilter) (store.DocumentPage, error)
	GetDocument(context.Context, string) (store.Document, error)
	InsertDocument(context.Context, store.Document) error
	UpdateDocument(context.Context, string, store.DocumentPatch, string) error
	ReplaceDocumentFile(context.Context, string, int, store.FileRef, string) error
	InsertRevision(context.Context, store.Revision) error
	ListRevisions(context.Context, string) ([]store.Revision, error)
	GetRevision(context.Context, string, int) (store.Revision, error)

	InsertNotification(context.Context, store.Notification) error
	ListNotifications(context.Context, string, bool, int) ([]store.Notification, error)
	MarkNotificationRead(context.Context, string, string) error

	Ping(ctx context.Context) error
}

// sessionStore holds revoked access-token ids until the token would have
// expired anyway.
type sessionStore interface {
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	DeleteDocument(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	files    filestore.Store
	search   searchService
	auth     *authpw.Service
	log      *zap.Logger
	now      func() time.Time
}

// New builds a service that keeps token revocations in the database.
func New(cfg config.Config, repo dataStore, files filestore.Store, searchSvc searchService, log *zap.Logger) *Service {
	return NewWithSessionStore(cfg, repo, repo, files, searchSvc, log)
}

// NewWithSessionStore builds a service with a separate revocation store (Redis).
func NewWithSessionStore(cfg config.Config, repo dataStore, sessions sessionStore, files filestore.Store, searchSvc searchService, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    repo,
		sessions: sessions,
		files:    files,
		search:   searchSvc,
		auth:     authpw.NewService(repo, cfg.RegisterAllowRole),
		log:      log,
		now:      time.Now,
	}
}

var defaultCategories = []store.Category{
	{
		Name:        "Policies",
		Description: "Governing documents approved by management",
		Subcategories: []store.Subcategory{
			{Name: "Information security", Description: "Security policies and standards"},
			{Name: "Privacy", Description: "Personal data and GDPR"},
			{Name: "HR", Description: "Personnel policies"},
		},
	},
	{
		Name:        "Risk assessments",
		Description: "Assessments of operational and compliance risk",
		Subcategories: []store.Subcategory{
			{Name: "ROS", Description: "Risk and vulnerability analyses"},
			{Name: "DPIA", Description: "Data protection impact assessments"},
		},
	},
	{
		Name:        "Audit reports",
		Description: "Internal and external audit results",
		Subcategories: []store.Subcategory{
			{Name: "Internal", Description: "Internal control reports"},
			{Name: "External", Description: "Third-party audit reports"},
		},
	},
	{
		Name:        "Procedures",
		Description: "Routines and operating instructions",
		Subcategories: []store.Subcategory{
			{Name: "Incident handling", Description: "Deviation and incident routines"},
			{Name: "Access management", Description: "Granting and revoking access"},
		},
	},
}

// Bootstrap creates the first administrator and the default category catalog
// on an empty database. Both steps are skipped once data exists.
func (s *Service) Bootstrap(ctx context.Context) error {
	users, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	email := strings.ToLower(strings.TrimSpace(s.cfg.BootstrapAdminEmail))
	if users == 0 && email != "" && s.cfg.BootstrapAdminPassword != "" {
		hash, err := s.auth.HashPassword(s.cfg.BootstrapAdminPassword)
		if err != nil {
			return err
		}
		admin := store.User{
			ID:           util.NewID("usr"),
			Email:        email,
			Name:         s.cfg.BootstrapAdminName,
			PasswordHash: hash,
			Role:         string(rbac.RoleAdmin),
			IsActive:     true,
			AuthProvider: "local",
		}
		if err := s.store.CreateUser(ctx, admin); err != nil {
			return fmt.Errorf("create bootstrap admin: %w", err)
		}
		s.log.Info("bootstrap administrator created", zap.String("email", email))
	}

	categories, err := s.store.CountCategories(ctx)
	if err != nil {
		return err
	}
	if categories > 0 {
		return nil
	}
	for _, seed := range defaultCategories {
		seed.ID = util.NewID("cat")
		if err := s.store.CreateCategory(ctx, seed); err != nil {
			return fmt.Errorf("seed category %q: %w", seed.Name, err)
		}
	}
	s.log.Info("default categories seeded", zap.Int("count", len(defaultCategories)))
	return nil
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := s.now().Add(s.cfg.TokenTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Role:      user.Role,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken validates the token and reloads its user, so role changes
// and deactivation take effect before the token expires.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, errUnauthenticated
	}
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, errInvalidToken
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return Session{}, errInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, errUnauthenticated
	}
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, errAccountDisabled
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" {
		return nil
	}
	return s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

type RegisterInput struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Password   string `json:"password"`
	Department string `json:"department"`
	Role       string `json:"role"`
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Session, store.User, error) {
	user, err := s.auth.Register(ctx, authpw.RegisterRequest{
		Email:      input.Email,
		Name:       input.Name,
		Password:   input.Password,
		Department: input.Department,
		Role:       input.Role,
	})
	switch {
	case errors.Is(err, authpw.ErrMissingFields):
		return Session{}, store.User{}, validationError("MISSING_FIELDS", "Email, name and password are required")
	case errors.Is(err, authpw.ErrInvalidEmail):
		return Session{}, store.User{}, validationError("INVALID_EMAIL", "Email address is not valid")
	case errors.Is(err, authpw.ErrEmailTaken):
		return Session{}, store.User{}, conflictError("DUPLICATE_USER", "A user with this email already exists")
	case err != nil:
		return Session{}, store.User{}, err
	}
	session, err := s.issueSession(user)
	if err != nil {
		return Session{}, store.User{}, err
	}
	s.log.Info("user registered", zap.String("user_id", user.ID), zap.String("role", user.Role))
	return session, user, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, store.User, error) {
	user, err := s.auth.Login(ctx, email, password)
	switch {
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return Session{}, store.User{}, validationError("INVALID_CREDENTIALS", "Invalid email or password")
	case errors.Is(err, authpw.ErrAccountDisabled):
		return Session{}, store.User{}, validationError("ACCOUNT_DISABLED", "Account is disabled, contact an administrator")
	case err != nil:
		return Session{}, store.User{}, err
	}
	session, err := s.issueSession(user)
	if err != nil {
		return Session{}, store.User{}, err
	}
	return session, user, nil
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, errUserNotFound
	}
	return user, err
}

func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	err := s.auth.ChangePassword(ctx, userID, currentPassword, newPassword)
	switch {
	case errors.Is(err, authpw.ErrMissingPassword):
		return validationError("MISSING_FIELDS", "Current and new password are required")
	case errors.Is(err, authpw.ErrWrongPassword):
		return validationError("INVALID_CREDENTIALS", "Current password is incorrect")
	case errors.Is(err, store.ErrNotFound):
		return errUserNotFound
	}
	return err
}

func (s *Service) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error) {
	return s.store.ListNotifications(ctx, userID, unreadOnly, limit)
}

func (s *Service) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	err := s.store.MarkNotificationRead(ctx, userID, notificationID)
	if errors.Is(err, store.ErrNotFound) {
		return errNotificationMissing
	}
	return err
}

func (s *Service) notify(ctx context.Context, item store.Notification) {
	item.ID = util.NewID("ntf")
	if err := s.store.InsertNotification(ctx, item); err != nil {
		s.log.Warn("notification write failed",
			zap.String("user_id", item.UserID),
			zap.String("type", item.Type),
			zap.Error(err))
	}
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Engine: search.EnginePostgres}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) indexDocument(doc store.Document) {
	if s.search == nil {
		return
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:           doc.ID,
		Title:        doc.Title,
		Description:  doc.Description,
		CategoryID:   doc.CategoryID,
		CategoryName: doc.CategoryName,
		Subcategory:  doc.Subcategory,
		Tags:         doc.Tags,
		Status:       doc.Status,
		UpdatedAt:    doc.UpdatedAt.Unix(),
	})
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// MaxUploadBytes is the size ceiling for a single uploaded file.
func (s *Service) MaxUploadBytes() int64 {
	if s.cfg.MaxUploadBytes > 0 {
		return s.cfg.MaxUploadBytes
	}
	return filestore.DefaultMaxBytes
}
