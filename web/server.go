package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/kingdom/broker"
	"github.com/mbocsi/kingdom/services"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the JSON status API and the live notice feed
type Server struct {
	services *services.ServiceContainer
	broker   *broker.Broker

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	closed   bool
}

func NewServer(serviceContainer *services.ServiceContainer, b *broker.Broker) *Server {
	return &Server{services: serviceContainer, broker: b}
}

// Routes returns the HTTP routes of the status API
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.HandleHome)
	r.Get("/kingdom", s.HandleKingdom)
	r.Get("/kingdom/members", s.HandleMembers)
	r.Get("/kingdom/members/{id}", s.HandleMember)
	r.Get("/connections", s.HandleConnections)
	r.Get("/connections/{id}", s.HandleDeviceConnections)
	r.Get("/transports", s.HandleTransports)
	r.Get("/transports/{i}", s.HandleTransportDetail)
	r.Get("/events", s.HandleEvents)
	return r
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return l.Close()
	}
	s.server = srv
	s.listener = l
	s.mu.Unlock()

	slog.Info("Web server listening", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start is listening
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	slog.Info("Shutting down web server")
	return srv.Shutdown(ctx)
}
