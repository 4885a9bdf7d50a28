package router

import (
	"encoding/json"
	"net/http"

	"cloudcollab/blob"
	"cloudcollab/internal/account"
	authHandler "cloudcollab/internal/account/handler"
	"cloudcollab/internal/activity"
	docHandler "cloudcollab/internal/document"
	"cloudcollab/internal/document/service"
	"cloudcollab/internal/metrics"
	"cloudcollab/middleware"
	"cloudcollab/socket"
	"cloudcollab/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// BlobPrefix is where the in-memory blob store is served.
const BlobPrefix = "/blobs"

type Services struct {
	Store          store.Store
	Blobs          blob.Store
	Accounts       *account.Service
	Activity       *activity.Feed
	Hub            *socket.Hub
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	MaxUploadBytes int64
}

func Setup(s Services) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.AuthMiddleware(s.Accounts)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc := r.Context().Value(middleware.AccountKey).(store.Account)
		claims := r.Context().Value(middleware.ClaimsKey).(*account.Claims)
		socket.ServeWs(s.Hub, w, r, acc, claims)
	})
	mux.Handle("/ws", auth(wsHandler))

	// Auth
	authH := authHandler.NewAuthHandler(s.Accounts)
	mux.HandleFunc("/api/auth/signup", authH.Signup)
	mux.HandleFunc("/api/auth/login", authH.Login)
	mux.Handle("/api/auth/logout", auth(http.HandlerFunc(authH.Logout)))
	mux.Handle("/api/auth/me", auth(http.HandlerFunc(authH.Me)))

	// REST API
	docService := service.NewDocumentService(s.Store, s.Activity, s.Blobs, s.Metrics)
	docH := docHandler.NewDocumentHandler(docService, s.MaxUploadBytes)

	mux.Handle("/ws/dashboard", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc := r.Context().Value(middleware.AccountKey).(store.Account)
		claims := r.Context().Value(middleware.ClaimsKey).(*account.Claims)
		socket.ServeDashboard(s.Hub, docService, w, r, acc, claims)
	})))

	mux.Handle("/api/documents", auth(http.HandlerFunc(docH.GetDocuments)))
	mux.Handle("/api/documents/create", auth(http.HandlerFunc(docH.CreateDocument)))
	mux.Handle("/api/documents/delete", auth(http.HandlerFunc(docH.DeleteDocument)))
	mux.Handle("/api/documents/share", auth(http.HandlerFunc(docH.ShareDocument)))
	mux.Handle("/api/documents/files", auth(http.HandlerFunc(docH.GetFiles)))
	mux.Handle("/api/documents/files/upload", auth(http.HandlerFunc(docH.UploadFiles)))
	mux.Handle("/api/activities", auth(http.HandlerFunc(docH.GetActivities)))

	if mem, ok := s.Blobs.(*blob.Memory); ok {
		mux.Handle(BlobPrefix+"/", http.StripPrefix(BlobPrefix, mem))
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "connections": s.Hub.ClientCount()})
	})
	if s.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	handler := middleware.PrometheusMiddleware(s.Metrics, mux, mux)
	handler = middleware.CORSMiddleware(handler)
	return otelhttp.NewHandler(handler, "cloudcollab")
}
