package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"chatsync/internal/api"
	"chatsync/internal/ws"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIRouter serves the relay websocket, media and push registration.
func NewAPIRouter(apiHandlers *api.API, relay *ws.Server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/media/{id}", apiHandlers.GetMediaHandler)
	r.Get("/api/push/key", apiHandlers.VAPIDKeyHandler)

	// The relay authenticates during the upgrade itself.
	r.Get("/api/relay", relay.HandleConnections)

	r.Group(func(r chi.Router) {
		r.Use(apiHandlers.RequireAuth)
		r.Post("/api/media", apiHandlers.UploadMediaHandler)
		r.Post("/api/push/subscriptions", apiHandlers.SubscribePushHandler)
		r.Delete("/api/push/subscriptions", apiHandlers.UnsubscribePushHandler)
	})

	return r
}

func NewAPIServer(apiHandlers *api.API, relay *ws.Server, addr string) *APIServer {
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: NewAPIRouter(apiHandlers, relay),
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
