package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/kingdom/broker"
	"github.com/mbocsi/kingdom/services"
)

const (
	eventBuffer  = 32
	writeTimeout = 5 * time.Second
)

func (s *Server) HandleHome(wr http.ResponseWriter, r *http.Request) {
	http.Redirect(wr, r, "/kingdom", http.StatusMovedPermanently)
}

func (s *Server) HandleKingdom(wr http.ResponseWriter, r *http.Request) {
	kingdom, err := s.services.Kingdom.GetKingdom()
	if err != nil {
		s.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, kingdom)
}

func (s *Server) HandleMembers(wr http.ResponseWriter, r *http.Request) {
	members, err := s.services.Kingdom.ListMembers()
	if err != nil {
		s.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, members)
}

func (s *Server) HandleMember(wr http.ResponseWriter, r *http.Request) {
	member, err := s.services.Kingdom.GetMember(chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, member)
}

func (s *Server) HandleConnections(wr http.ResponseWriter, r *http.Request) {
	conns, err := s.services.Connection.ListConnections()
	if err != nil {
		s.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, conns)
}

func (s *Server) HandleDeviceConnections(wr http.ResponseWriter, r *http.Request) {
	conns, err := s.services.Connection.GetConnectionsForDevice(chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, conns)
}

func (s *Server) HandleTransports(wr http.ResponseWriter, r *http.Request) {
	transports, err := s.services.Transport.ListTransports()
	if err != nil {
		s.handleError(wr, err)
		return
	}
	stats, err := s.services.Transport.GetTransportStats()
	if err != nil {
		s.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, map[string]interface{}{
		"transports": transports,
		"stats":      stats,
	})
}

func (s *Server) HandleTransportDetail(wr http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "i"))
	if err != nil {
		s.handleError(wr, services.ServiceError{
			Code:    services.ErrCodeInvalidInput,
			Message: "Invalid transport index",
			Cause:   err,
		})
		return
	}
	transport, err := s.services.Transport.GetTransport(index)
	if err != nil {
		s.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, transport)
}

// HandleEvents streams lifecycle notices as JSON over a WebSocket. The
// topic query parameter may be repeated; without it every topic is sent.
func (s *Server) HandleEvents(wr http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		topics = broker.Topics
	}
	conn, err := upgrader.Upgrade(wr, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan broker.Notice, eventBuffer)
	for _, topic := range topics {
		s.broker.Subscribe(topic, ch)
	}
	defer func() {
		for _, topic := range topics {
			s.broker.Unsubscribe(topic, ch)
		}
	}()
	slog.Info("Event stream opened", "remote", r.RemoteAddr, "topics", topics)

	// The client never sends; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("Event stream read failed", "remote", r.RemoteAddr, "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			slog.Info("Event stream closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case n := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(n); err != nil {
				slog.Debug("Event stream write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func writeJSON(wr http.ResponseWriter, status int, v interface{}) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	if err := json.NewEncoder(wr).Encode(v); err != nil {
		slog.Warn("Cannot encode response", "error", err)
	}
}

func (s *Server) handleError(wr http.ResponseWriter, err error) {
	var serviceErr services.ServiceError
	if errors.As(err, &serviceErr) {
		status := http.StatusInternalServerError
		switch serviceErr.Code {
		case services.ErrCodeNotFound:
			status = http.StatusNotFound
		case services.ErrCodeInvalidInput:
			status = http.StatusBadRequest
		}
		if status == http.StatusInternalServerError {
			slog.Error("Service error", "error", err)
		}
		writeJSON(wr, status, serviceErr)
		return
	}

	slog.Error("Service error", "error", err)
	writeJSON(wr, http.StatusInternalServerError, services.ServiceError{Code: services.ErrCodeInternal, Message: "Internal server error"})
}
