package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"chatsync/internal/api"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminRouter(adminHandler *api.AdminHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/users", adminHandler.AddUserHandler)
		r.Post("/sessions", adminHandler.SessionHandler)
		r.Post("/sweep", adminHandler.SweepHandler)
	})
	return r
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string) *AdminServer {
	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: NewAdminRouter(adminHandler),
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
