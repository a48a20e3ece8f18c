package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/auth"
)

func TestRegisterLoginMeChangePasswordFlow(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doJSON(t, http.MethodPost, "/api/auth/register", "",
		`{"email":"a@x.no","name":"A","password":"pw123","department":"IT"}`)
	expectStatus(t, rr, http.StatusCreated)
	registered := decodeMap(t, rr)
	if token, _ := registered["token"].(string); token == "" {
		t.Fatalf("expected token on register")
	}

	rr = env.doJSON(t, http.MethodPost, "/api/auth/login", "", `{"email":"A@X.no","password":"pw123"}`)
	expectStatus(t, rr, http.StatusOK)
	token, _ := decodeMap(t, rr)["token"].(string)
	if token == "" {
		t.Fatalf("expected token on login")
	}

	rr = env.do(t, http.MethodGet, "/api/auth/me", token, nil, "")
	expectStatus(t, rr, http.StatusOK)
	me := decodeMap(t, rr)
	if me["email"] != "a@x.no" || me["name"] != "A" || me["role"] != "employee" {
		t.Fatalf("unexpected identity %v", me)
	}
	if me["lastLogin"] == nil {
		t.Fatalf("expected lastLogin to be recorded")
	}
	for _, key := range []string{"password", "passwordHash", "PasswordHash"} {
		if _, ok := me[key]; ok {
			t.Fatalf("response leaks %s", key)
		}
	}

	rr = env.doJSON(t, http.MethodPut, "/api/auth/change-password", token,
		`{"currentPassword":"wrong","newPassword":"next-pw"}`)
	expectError(t, rr, http.StatusBadRequest, "INVALID_CREDENTIALS")

	rr = env.doJSON(t, http.MethodPost, "/api/auth/login", "", `{"email":"a@x.no","password":"pw123"}`)
	expectStatus(t, rr, http.StatusOK)

	rr = env.doJSON(t, http.MethodPut, "/api/auth/change-password", token,
		`{"currentPassword":"pw123","newPassword":"next-pw"}`)
	expectStatus(t, rr, http.StatusOK)

	rr = env.doJSON(t, http.MethodPost, "/api/auth/login", "", `{"email":"a@x.no","password":"pw123"}`)
	expectError(t, rr, http.StatusBadRequest, "INVALID_CREDENTIALS")
	rr = env.doJSON(t, http.MethodPost, "/api/auth/login", "", `{"email":"a@x.no","password":"next-pw"}`)
	expectStatus(t, rr, http.StatusOK)
}

func TestRegisterRejectsDuplicateAndMissingFields(t *testing.T) {
	env := newTestEnv(t)
	body := `{"email":"dup@x.no","name":"Dup","password":"pw"}`
	expectStatus(t, env.doJSON(t, http.MethodPost, "/api/auth/register", "", body), http.StatusCreated)

	expectError(t, env.doJSON(t, http.MethodPost, "/api/auth/register", "", `{"email":"DUP@x.no","name":"Again","password":"pw"}`),
		http.StatusBadRequest, "DUPLICATE_USER")
	expectError(t, env.doJSON(t, http.MethodPost, "/api/auth/register", "", `{"email":"new@x.no","password":"pw"}`),
		http.StatusBadRequest, "MISSING_FIELDS")
	expectError(t, env.doJSON(t, http.MethodPost, "/api/auth/register", "", `{"email":`),
		http.StatusBadRequest, "INVALID_BODY")
}

func TestRegisterHonorsRequestedRole(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doJSON(t, http.MethodPost, "/api/auth/register", "",
		`{"email":"it@x.no","name":"IT","password":"pw","role":"it_responsible"}`)

	expectStatus(t, rr, http.StatusCreated)
	user, _ := decodeMap(t, rr)["user"].(map[string]any)
	if user["role"] != "it_responsible" {
		t.Fatalf("expected it_responsible, got %v", user["role"])
	}
}

func TestLoginFailuresDoNotRevealWhichPartWasWrong(t *testing.T) {
	env := newTestEnv(t)
	user, _ := env.seedUser(t, "Kari", "employee")

	unknown := expectError(t, env.doJSON(t, http.MethodPost, "/api/auth/login", "",
		`{"email":"nobody@example.no","password":"secret-pw"}`), http.StatusBadRequest, "INVALID_CREDENTIALS")
	wrong := expectError(t, env.doJSON(t, http.MethodPost, "/api/auth/login", "",
		`{"email":"`+user.Email+`","password":"nope"}`), http.StatusBadRequest, "INVALID_CREDENTIALS")
	if unknown["message"] != wrong["message"] {
		t.Fatalf("expected identical messages, got %q and %q", unknown["message"], wrong["message"])
	}

	disabled := env.store.users[user.ID]
	disabled.IsActive = false
	env.store.users[user.ID] = disabled

	inactive := expectError(t, env.doJSON(t, http.MethodPost, "/api/auth/login", "",
		`{"email":"`+user.Email+`","password":"secret-pw"}`), http.StatusBadRequest, "ACCOUNT_DISABLED")
	if inactive["message"] == wrong["message"] {
		t.Fatalf("expected a distinct message for disabled accounts")
	}
}

func TestAccessGuard(t *testing.T) {
	env := newTestEnv(t)
	user, token := env.seedUser(t, "Ola", "employee")
	gone, goneToken := env.seedUser(t, "Gone", "employee")
	delete(env.store.users, gone.ID)

	expired, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub: user.ID, Role: user.Role, JTI: "jti_old", Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	forged, err := auth.IssueToken([]byte("other-secret"), auth.Claims{
		Sub: user.ID, Role: user.Role, JTI: "jti_forged", Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{name: "missing token", token: "", code: "UNAUTHENTICATED"},
		{name: "garbage token", token: "not-a-jwt", code: "INVALID_TOKEN"},
		{name: "expired token", token: expired, code: "INVALID_TOKEN"},
		{name: "forged token", token: forged, code: "INVALID_TOKEN"},
		{name: "user no longer exists", token: goneToken, code: "UNAUTHENTICATED"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, http.MethodGet, "/api/auth/me", tc.token, nil, "")
			expectError(t, rr, http.StatusUnauthorized, tc.code)
		})
	}

	expectStatus(t, env.do(t, http.MethodGet, "/api/auth/me", token, nil, ""), http.StatusOK)

	disabled := env.store.users[user.ID]
	disabled.IsActive = false
	env.store.users[user.ID] = disabled
	expectError(t, env.do(t, http.MethodGet, "/api/auth/me", token, nil, ""), http.StatusUnauthorized, "ACCOUNT_DISABLED")
}

func TestBearerHeaderIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.seedUser(t, "Per", "employee")

	rr := env.doWithHeader(t, http.MethodGet, "/api/auth/me", "Authorization", "Bearer "+token)

	expectStatus(t, rr, http.StatusOK)
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.seedUser(t, "Liv", "employee")

	expectStatus(t, env.do(t, http.MethodPost, "/api/auth/logout", token, nil, ""), http.StatusOK)

	expectError(t, env.do(t, http.MethodGet, "/api/auth/me", token, nil, ""), http.StatusUnauthorized, "INVALID_TOKEN")
	if len(env.store.revoked) != 1 {
		t.Fatalf("expected one revoked token, got %d", len(env.store.revoked))
	}
}

func TestSessionFromTokenReloadsRole(t *testing.T) {
	env := newTestEnv(t)
	user, token := env.seedUser(t, "Role", "employee")

	promoted := env.store.users[user.ID]
	promoted.Role = "admin"
	env.store.users[user.ID] = promoted

	session, err := env.svc.SessionFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.Role != "admin" {
		t.Fatalf("expected role from store, got %q", session.Role)
	}
}
