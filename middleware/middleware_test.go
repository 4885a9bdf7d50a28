package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloudcollab/internal/account"
	"cloudcollab/internal/metrics"
	"cloudcollab/store"
	"cloudcollab/store/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthFixture(t *testing.T) (*account.Service, string) {
	t.Helper()
	st := memory.New()
	svc := account.NewService(st, st.Feed(), "test-secret", time.Hour)
	auth, err := svc.Signup(context.Background(), "ann@example.com", "secret1", "Ann")
	require.NoError(t, err)
	return svc, auth.Token
}

func echoAccount(w http.ResponseWriter, r *http.Request) {
	acc, ok := AccountFrom(r.Context())
	if !ok {
		http.Error(w, "no account", http.StatusInternalServerError)
		return
	}
	w.Write([]byte(acc.DisplayName))
}

func TestAuthMiddleware(t *testing.T) {
	svc, token := newAuthFixture(t)
	handler := AuthMiddleware(svc)(http.HandlerFunc(echoAccount))

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "Ann", rr.Body.String())
	})

	t.Run("query string", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestAuthMiddleware_RejectsRevokedToken(t *testing.T) {
	svc, token := newAuthFixture(t)
	require.NoError(t, svc.Logout(context.Background(), token))

	handler := AuthMiddleware(svc)(http.HandlerFunc(echoAccount))
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "revoked")
}

func TestAccountFrom_Empty(t *testing.T) {
	_, ok := AccountFrom(context.Background())
	assert.False(t, ok)

	ctx := context.WithValue(context.Background(), AccountKey, store.Account{ID: "u1"})
	acc, ok := AccountFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u1", acc.ID)
}

func TestCORSMiddleware(t *testing.T) {
	called := false
	handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/documents", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.False(t, called)

	req = httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.True(t, called)
}

func TestPrometheusMiddleware(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/documents", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api/documents/delete", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {})
	handler := PrometheusMiddleware(m, mux, mux)

	for _, target := range []string{"/api/documents", "/api/documents?x=1", "/api/documents/delete", "/metrics", "/nope"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/documents", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/documents/delete", "400")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/metrics", "200")))
}
