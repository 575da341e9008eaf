package ws

import (
	"context"
	"log"
	"log/slog"
	"net/http"

	"chatsync/internal/auth"
	"chatsync/internal/models"
	"chatsync/internal/storage"

	"github.com/gorilla/websocket"
)

type Server struct {
	auth     *auth.AuthService
	store    storage.Store
	upgrader *websocket.Upgrader
	log      *slog.Logger
	notifier CallNotifier
}

// CallNotifier is told about every call created through the relay.
type CallNotifier interface {
	NotifyIncomingCall(ctx context.Context, call models.CallSession) error
}

func NewServer(auth *auth.AuthService, store storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:  auth,
		store: store,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Relay clients are not browsers bound to one origin.
			},
		},
		log: logger,
	}
}

// NotifyCalls makes the relay alert callees of new calls through n.
func (s *Server) NotifyCalls(n CallNotifier) *Server {
	s.notifier = n
	return s
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	uid, err := s.auth.GetUserID(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	s.log.Info("relay session opened", "uid", uid, "remote", r.RemoteAddr)
	conn := NewConnection(s.store, ws, uid, s.log)
	conn.notifier = s.notifier
	err = conn.Handle(r.Context())
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Warn("relay session ended with error", "uid", uid, "error", err)
		return
	}
	s.log.Info("relay session closed", "uid", uid)
}
