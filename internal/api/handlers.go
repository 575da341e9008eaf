package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"chatsync/internal/auth"
	"chatsync/internal/filestore"
	"chatsync/internal/models"
	"chatsync/internal/storage"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const uidKey contextKey = "uid"

// UserID returns the session user attached by RequireAuth.
func UserID(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(uidKey).(string)
	return uid, ok && uid != ""
}

type pushStore interface {
	UpsertPushSubscription(sub models.PushSubscription) error
	DeletePushSubscription(uid, endpoint string) error
}

type API struct {
	auth           *auth.AuthService
	media          *filestore.MediaStore
	push           pushStore
	vapidPublicKey string
	maxUpload      int64
}

func New(auth *auth.AuthService, media *filestore.MediaStore, push pushStore, vapidPublicKey string, maxUpload int64) *API {
	if maxUpload <= 0 {
		maxUpload = filestore.DefaultMaxSize
	}
	return &API{auth: auth, media: media, push: push, vapidPublicKey: vapidPublicKey, maxUpload: maxUpload}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.APIResponse{Success: false, Message: message})
}

// RequireAuth rejects requests without a live session token.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := a.auth.GetUserID(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), uidKey, uid)))
	})
}

func (a *API) UploadMediaHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxUpload+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, filestore.ErrTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}

	url, err := a.media.Upload(r.Context(), data, path)
	switch {
	case errors.Is(err, filestore.ErrEmptyUpload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, filestore.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, filestore.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case err != nil:
		log.Printf("media upload failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store media")
	default:
		writeJSON(w, http.StatusOK, filestore.UploadResponse{URL: url})
	}
}

func (a *API) GetMediaHandler(w http.ResponseWriter, r *http.Request) {
	meta, rc, err := a.media.Open(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		log.Printf("failed to open media: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("failed to send media %s: %v", meta.ID, err)
	}
}

// PushSubscriptionRequest mirrors the browser's PushSubscription JSON.
type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserID(r.Context())
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := a.push.UpsertPushSubscription(models.PushSubscription{
		UID:      uid,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}); err != nil {
		log.Printf("failed to save push subscription: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save subscription")
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) UnsubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserID(r.Context())
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := a.push.DeletePushSubscription(uid, req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete subscription")
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) VAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.vapidPublicKey})
}

var _ pushStore = (*storage.BboltStorage)(nil)
