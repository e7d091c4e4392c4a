package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/bingosuite/inspector/config"
	"github.com/bingosuite/inspector/internal/logging"
	"github.com/bingosuite/inspector/internal/sourcemap"
)

const readHeaderTimeout = 10 * time.Second

// Server accepts viewers and attaches them to the current session. There is
// at most one live session, since there is one debugger backend.
type Server struct {
	addr       string
	config     config.WebSocketConfig
	newBackend func() Backend
	maps       *sourcemap.Cache
	hubOpts    []HubOption

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	http     *http.Server
	log      *zap.SugaredLogger

	mu      sync.RWMutex
	hubs    map[string]*Hub
	current *Hub
}

func NewServer(addr string, cfg config.WebSocketConfig, newBackend func() Backend, maps *sourcemap.Cache, log *zap.SugaredLogger, opts ...HubOption) *Server {
	s := &Server{
		addr:       addr,
		config:     cfg,
		newBackend: newBackend,
		maps:       maps,
		hubOpts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux:  http.NewServeMux(),
		log:  logging.OrNop(log).Named("server"),
		hubs: make(map[string]*Hub),
	}

	s.mux.HandleFunc("/ws/", s.attachViewer)
	s.mux.HandleFunc("/sessions", s.getSessions)
	if maps != nil {
		s.mux.HandleFunc("/sourcemap", s.translate)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Serve listens until Shutdown is called, which makes it return nil.
func (s *Server) Serve() error {
	s.log.Infow("Inspector server listening", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sessions := lo.Keys(s.hubs)
	s.mu.RUnlock()
	slices.Sort(sessions)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		s.log.Warnw("Error encoding sessions", "error", err)
	}
}

func (s *Server) attachViewer(w http.ResponseWriter, r *http.Request) {
	var (
		hub *Hub
		err error
	)
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		hub, err = s.GetHub(sessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	} else {
		hub = s.getOrCreateHub()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	id := fmt.Sprintf("%s/%s", r.RemoteAddr, uuid.NewString()[:8])
	viewer := NewConnection(conn, hub, id, s.config.SendBuffer, s.log)
	if !hub.Register(viewer) {
		s.log.Infow("Session ended before viewer could attach", "session", hub.SessionID(), "viewer", id)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended"),
			time.Now().Add(closeGracePeriod))
		_ = conn.Close()
		return
	}

	go viewer.WritePump()
	go viewer.ReadPump()
}

// GetHub retrieves a live session.
func (s *Server) GetHub(sessionID string) (*Hub, error) {
	s.mu.RLock()
	hub, exists := s.hubs[sessionID]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return hub, nil
}

func (s *Server) getOrCreateHub() *Hub {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return s.current
	}

	sessionID := uuid.NewString()
	hub := NewHub(sessionID, s.config.IdleTimeout, s.newBackend, s.log, s.hubOpts...)
	hub.onShutdown = s.removeHub
	s.hubs[sessionID] = hub
	s.current = hub
	go hub.Run()
	s.log.Infow("Created session", "session", sessionID)

	return hub
}

func (s *Server) removeHub(sessionID string) {
	s.mu.Lock()
	if s.current != nil && s.current.sessionID == sessionID {
		s.current = nil
	}
	delete(s.hubs, sessionID)
	s.mu.Unlock()
	s.log.Infow("Removed session", "session", sessionID)
}

// Shutdown ends every session, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	hubs := lo.Values(s.hubs)
	s.mu.RUnlock()

	s.log.Infow("Shutting down server", "sessions", len(hubs))
	for _, hub := range hubs {
		hub.Stop()
	}
	for _, hub := range hubs {
		select {
		case <-hub.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.http.Shutdown(ctx)
}
