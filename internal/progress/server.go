package progress

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server is a thin local bridge exposing each task's topic over a
// websocket at /ws/tasks/{taskID}. It only carries progress wire
// messages; job creation and control are not served here.
type Server struct {
	bus      *Bus
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	port     int
	logger   zerolog.Logger
	mu       sync.Mutex
}

// ServerConfig holds the bridge's listen settings.
type ServerConfig struct {
	Host string
	// Port to bind to (0 for dynamic allocation).
	Port int
}

// NewServer binds the bridge and starts serving in the background.
func NewServer(cfg ServerConfig, bus *Bus, logger zerolog.Logger) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	s := &Server{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		listener: listener,
		port:     port,
		logger:   logger.With().Str("component", "progress-bridge").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/ws/tasks/{taskID}", s.handleWebSocket)

	s.server = &http.Server{Handler: r}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("progress bridge server error")
		}
	}()

	s.logger.Debug().Int("port", port).Msg("progress bridge listening")
	return s, nil
}

// Port returns the bound port (useful with dynamic allocation).
func (s *Server) Port() int { return s.port }

// Close shuts the bridge down.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	ch, cancel := s.bus.Subscribe(taskID)
	s.logger.Debug().Str("task", taskID).Msg("websocket client connected")

	defer func() {
		cancel()
		conn.Close()
		s.logger.Debug().Str("task", taskID).Msg("websocket client disconnected")
	}()

	// Read pump: we process no inbound messages, only detect disconnect.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Debug().Err(err).Msg("websocket read error")
				}
				return
			}
		}
	}()

	for {
		select {
		case <-readClosed:
			return
		case m, ok := <-ch:
			if !ok {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task closed"), deadline)
				return
			}
			if err := conn.WriteJSON(m); err != nil {
				// Broadcast failure: this peer is gone, reap it.
				return
			}
		}
	}
}
