package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/rbac"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/ratelimit"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/search"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// tokenHeader is the custom header clients send the identity token in.
// "Authorization: Bearer" is accepted as well.
const tokenHeader = "X-Auth-Token"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    ratelimit.Limiter
	probes     []readyProbe
	log        *zap.Logger
}

// readyProbe is an extra dependency reported by /api/ready.
type readyProbe struct {
	name  string
	check func(context.Context) error
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: service.log}
}

// WithRateLimiter counts every non-health request per client address.
func (s *HTTPServer) WithRateLimiter(limiter ratelimit.Limiter) *HTTPServer {
	s.limiter = limiter
	return s
}

// WithReadyCheck adds a named dependency check to the readiness endpoint.
func (s *HTTPServer) WithReadyCheck(name string, check func(context.Context) error) *HTTPServer {
	s.probes = append(s.probes, readyProbe{name: name, check: check})
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) routes() *mux.Router {
	// Match on the escaped path so a subcategory named "A/B" is reachable as A%2FB.
	router := mux.NewRouter().UseEncodedPath()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDomainError(w, errRouteNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.guard(rbac.ActionProfile, s.handleMe)).Methods(http.MethodGet)
	api.HandleFunc("/auth/change-password", s.guard(rbac.ActionProfile, s.handleChangePassword)).Methods(http.MethodPut)
	api.HandleFunc("/auth/logout", s.guard(rbac.ActionProfile, s.handleLogout)).Methods(http.MethodPost)

	api.HandleFunc("/categories", s.guard(rbac.ActionCategoryRead, s.handleListCategories)).Methods(http.MethodGet)
	api.HandleFunc("/categories", s.guard(rbac.ActionCategoryWrite, s.handleCreateCategory)).Methods(http.MethodPost)
	api.HandleFunc("/categories/{id}", s.guard(rbac.ActionCategoryRead, s.handleGetCategory)).Methods(http.MethodGet)
	api.HandleFunc("/categories/{id}", s.guard(rbac.ActionCategoryWrite, s.handleUpdateCategory)).Methods(http.MethodPut)
	api.HandleFunc("/categories/{id}", s.guard(rbac.ActionCategoryWrite, s.handleDeleteCategory)).Methods(http.MethodDelete)
	api.HandleFunc("/categories/{id}/subcategories", s.guard(rbac.ActionCategoryWrite, s.handleAddSubcategory)).Methods(http.MethodPost)
	api.HandleFunc("/categories/{id}/subcategories/{name}", s.guard(rbac.ActionCategoryWrite, s.handleUpdateSubcategory)).Methods(http.MethodPut)
	api.HandleFunc("/categories/{id}/subcategories/{name}", s.guard(rbac.ActionCategoryWrite, s.handleRemoveSubcategory)).Methods(http.MethodDelete)

	api.HandleFunc("/documents", s.guard(rbac.ActionDocumentRead, s.handleListDocuments)).Methods(http.MethodGet)
	api.HandleFunc("/documents", s.guard(rbac.ActionDocumentWrite, s.handleCreateDocument)).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}", s.guard(rbac.ActionDocumentRead, s.handleGetDocument)).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", s.guard(rbac.ActionDocumentWrite, s.handleUpdateDocument)).Methods(http.MethodPut)
	api.HandleFunc("/documents/{id}", s.guard(rbac.ActionDocumentWrite, s.handleDeleteDocument)).Methods(http.MethodDelete)
	api.HandleFunc("/documents/{id}/download", s.guard(rbac.ActionDocumentRead, s.handleDownloadDocument)).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/revisions", s.guard(rbac.ActionRevisionRead, s.handleListRevisions)).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/revisions", s.guard(rbac.ActionRevisionWrite, s.handleUploadRevision)).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/revisions/{version:[0-9]+}/download", s.guard(rbac.ActionRevisionRead, s.handleDownloadRevision)).Methods(http.MethodGet)

	api.HandleFunc("/search", s.guard(rbac.ActionDocumentRead, s.handleSearch)).Methods(http.MethodGet)
	api.HandleFunc("/notifications", s.guard(rbac.ActionNotificationRead, s.handleListNotifications)).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}/read", s.guard(rbac.ActionNotificationRead, s.handleMarkNotificationRead)).Methods(http.MethodPut)

	return router
}

// guard runs the access check and the policy lookup for action before next.
func (s *HTTPServer) guard(action rbac.Action, next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if !s.service.Can(session.Role, action) {
			s.forbid(w, r, session, action)
			return
		}
		next(w, r, session)
	}
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.log.Info("access denied",
		zap.String("request_id", requestID(r.Context())),
		zap.String("user_id", session.UserID),
		zap.String("role", session.Role),
		zap.String("action", string(action)))
	writeDomainError(w, errForbidden)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	session, err := s.service.SessionFromToken(r.Context(), requestToken(r))
	if err != nil {
		s.fail(w, r, err)
		return Session{}, false
	}
	return session, true
}

// fail maps err to a response. Anything that is not a domain error is logged
// and hidden behind a generic message.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else if s.allow(writer, r) {
			next.ServeHTTP(writer, r)
		}

		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

// allow applies the rate limiter and writes the 429 itself when the client is
// over its budget. Limiter failures let the request through.
func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil || r.URL.Path == "/api/health" || r.URL.Path == "/api/ready" {
		return true
	}
	decision, err := s.limiter.Allow(r.Context(), clientAddress(r))
	if err != nil {
		s.log.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if decision.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
	writeDomainError(w, errRateLimited)
	return false
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID, Retry-After")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"message": message,
		"code":    code,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeDomainError(w http.ResponseWriter, err *DomainError) {
	writeError(w, err.Status, err.Code, err.Message, err.Details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func requestToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(tokenHeader)); token != "" {
		return token
	}
	return bearerToken(r)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return errInternal.Status, errInternal.Code, errInternal.Message, nil
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil {
		return 0
	}
	return value
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	for _, probe := range s.probes {
		if err := probe.check(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[probe.name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[probe.name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body RegisterInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, user, err := s.service.Register(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":     session.Token,
		"expiresAt": session.ExpiresAt,
		"user":      userView(user),
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, user, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"expiresAt": session.ExpiresAt,
		"user":      userView(user),
	})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request, session Session) {
	user, err := s.service.CurrentUser(r.Context(), session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(user))
}

func (s *HTTPServer) handleChangePassword(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ChangePassword(r.Context(), session.UserID, body.CurrentPassword, body.NewPassword); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Password updated"})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.Logout(r.Context(), session); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out"})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	result := s.service.Search(r.Context(), search.Query{
		Text:       strings.TrimSpace(query.Get("q")),
		CategoryID: strings.TrimSpace(query.Get("category")),
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request, session Session) {
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	items, err := s.service.ListNotifications(r.Context(), session.UserID, unreadOnly, queryInt(r, "limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, notificationView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": views})
}

func (s *HTTPServer) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.MarkNotificationRead(r.Context(), session.UserID, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Notification marked as read"})
}
