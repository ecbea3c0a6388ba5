package uistream

import (
	"net/http"
	"time"

	"callkit/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // UI surfaces are local to the client process
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server pushes every CallUIState change to all connected UI surfaces over
// websocket. Surfaces only render from this stream; intents go through the
// coordinator API, never through this connection.
type Server struct {
	coordinator ports.CallCoordinator

	pingInterval time.Duration
	writeTimeout time.Duration
	readTimeout  time.Duration

	logger *zap.SugaredLogger
}

func NewServer(coordinator ports.CallCoordinator, logger *zap.SugaredLogger) *Server {
	return &Server{
		coordinator:  coordinator,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		readTimeout:  60 * time.Second,
		logger:       logger,
	}
}

// SetPingInterval sets the keepalive ping interval.
func (s *Server) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	states, cancel := s.coordinator.ObserveState()
	defer cancel()

	s.logger.Infow("ui surface attached", "remote", r.RemoteAddr)

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	// Drain reads so pongs and close frames are processed; surfaces never
	// send application messages here.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case state, ok := <-states:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteJSON(state); err != nil {
				s.logger.Infow("ui surface write failed", "remote", r.RemoteAddr, "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("ui surface ping failed", "remote", r.RemoteAddr, "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("ui surface read failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
	}
}

// HealthCheck reports liveness for the signaling client process.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
