package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloudcollab/internal/account"
	"cloudcollab/middleware"
	"cloudcollab/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	st := memory.New()
	svc := account.NewService(st, st.Feed(), "test-secret", time.Hour)
	h := NewAuthHandler(svc)
	auth := middleware.AuthMiddleware(svc)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/signup", h.Signup)
	mux.HandleFunc("/api/auth/login", h.Login)
	mux.Handle("/api/auth/logout", auth(http.HandlerFunc(h.Logout)))
	mux.Handle("/api/auth/me", auth(http.HandlerFunc(h.Me)))
	return mux
}

func do(mux http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestAuthHandler_SignupLoginMeLogout(t *testing.T) {
	mux := newTestMux(t)

	rr := do(mux, http.MethodPost, "/api/auth/signup", `{"email":"ann@example.com","password":"secret1","name":"Ann"}`, "")
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(mux, http.MethodPost, "/api/auth/login", `{"email":"ann@example.com","password":"secret1"}`, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp authResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "Ann", resp.Account.DisplayName)

	rr = do(mux, http.MethodGet, "/api/auth/me", "", resp.Token)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ann@example.com")
	assert.NotContains(t, rr.Body.String(), "$2a$")

	rr = do(mux, http.MethodPost, "/api/auth/logout", "", resp.Token)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(mux, http.MethodGet, "/api/auth/me", "", resp.Token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthHandler_ErrorCodes(t *testing.T) {
	mux := newTestMux(t)

	rr := do(mux, http.MethodPost, "/api/auth/signup", `{"email":"ann@example.com","password":"123"}`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), string(account.CodeWeakPassword))

	rr = do(mux, http.MethodPost, "/api/auth/signup", `{"email":"ann@example.com","password":"secret1"}`, "")
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(mux, http.MethodPost, "/api/auth/signup", `{"email":"ANN@example.com","password":"secret1"}`, "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), string(account.CodeEmailInUse))

	rr = do(mux, http.MethodPost, "/api/auth/login", `{"email":"ann@example.com","password":"wrong"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), string(account.CodeInvalidCredentials))

	rr = do(mux, http.MethodPost, "/api/auth/login", `not json`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(mux, http.MethodGet, "/api/auth/login", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
