package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"cloudcollab/internal/account"
	"cloudcollab/middleware"
	"cloudcollab/pkg/logger"
	"cloudcollab/store"
)

type AuthHandler struct {
	Service *account.Service
}

func NewAuthHandler(service *account.Service) *AuthHandler {
	return &AuthHandler{Service: service}
}

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"name"`
}

type authResponse struct {
	Token     string        `json:"token"`
	ExpiresIn int64         `json:"expires_in"`
	Account   store.Account `json:"account"`
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	auth, err := h.Service.Signup(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		writeAuthError(w, "signup", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(authResponse{Token: auth.Token, ExpiresIn: auth.ExpiresIn, Account: auth.Account})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	auth, err := h.Service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, "login", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(authResponse{Token: auth.Token, ExpiresIn: auth.ExpiresIn, Account: auth.Account})
}

// Logout must run behind AuthMiddleware.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.Context().Value(middleware.TokenKey).(string)
	if err := h.Service.Logout(r.Context(), token); err != nil {
		writeAuthError(w, "logout", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Logged out successfully"))
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	acc := r.Context().Value(middleware.AccountKey).(store.Account)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acc)
}

func writeAuthError(w http.ResponseWriter, op string, err error) {
	var ae *account.AuthError
	if !errors.As(err, &ae) {
		logger.Sugar.Errorf("Handler: %s failed: %v", op, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusBadRequest
	switch ae.Code {
	case account.CodeInvalidCredentials, account.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case account.CodeEmailInUse:
		status = http.StatusConflict
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": string(ae.Code), "error": ae.Message})
}
