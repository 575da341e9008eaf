package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"chatsync/internal/auth"
	"chatsync/internal/content"
	"chatsync/internal/janitor"
	"chatsync/internal/models"
)

type userStore interface {
	GetUser(ctx context.Context, uid string) (models.User, error)
	UpsertUser(ctx context.Context, user models.User) error
}

type sweeper interface {
	Sweep(ctx context.Context) (janitor.Report, error)
}

type AdminHandler struct {
	authService *auth.AuthService
	users       userStore
	janitor     sweeper
}

func NewAdminHandler(authService *auth.AuthService, users userStore, janitor sweeper) *AdminHandler {
	return &AdminHandler{authService: authService, users: users, janitor: janitor}
}

type AddUserRequest struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
	Email       string `json:"email,omitempty"`
}

type AddUserResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	UID       string `json:"uid,omitempty"`
	Token     string `json:"token,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// AddUserHandler registers a user reference and issues its first relay session.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateUID(req.UID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.UID
	}

	err := h.users.UpsertUser(r.Context(), models.User{
		UID:         req.UID,
		DisplayName: displayName,
		PhotoURL:    req.PhotoURL,
		Email:       req.Email,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	h.issue(w, req.UID)
}

type SessionRequest struct {
	UID string `json:"uid"`
}

// SessionHandler issues a new relay session for an existing user.
func (h *AdminHandler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := h.users.GetUser(r.Context(), req.UID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load user: %v", err))
		return
	}

	h.issue(w, req.UID)
}

func (h *AdminHandler) issue(w http.ResponseWriter, uid string) {
	session, err := h.authService.Issue(uid)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to issue session: %v", err),
		})
		return
	}
	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:   true,
		UID:       uid,
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
	})
}

type SweepResponse struct {
	models.APIResponse
	janitor.Report
}

// SweepHandler runs both janitor sweeps now.
func (h *AdminHandler) SweepHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.janitor.Sweep(r.Context())
	resp := SweepResponse{APIResponse: models.APIResponse{Success: err == nil}, Report: report}
	status := http.StatusOK
	if err != nil {
		resp.Message = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}
