package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/reasoning/engine"
)

const writeWait = 30 * time.Second

// defaultOrigins are the local frontend dev servers.
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// newUpgrader builds an upgrader that accepts the allowed origins. A request
// without an Origin header is not from a browser and is always accepted.
func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(strings.TrimSuffix(o, "/"))] = true
	}

	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			return allowed[strings.ToLower(origin)]
		},
	}
}

// handleStream relays the engine events of a session until the run ends or
// the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if _, ok := s.sessionRoot(w, sessionID); !ok {
		return
	}

	conn, err := newUpgrader(s.config.AllowedOrigins).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.engine.Subscribe(sessionID)
	defer s.engine.Unsubscribe(sessionID, sub)

	// The read side only watches for the client closing.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.engine.Unsubscribe(sessionID, sub)
				return
			}
		}
	}()

	s.logger.Debug("Stream opened", zap.String("session_id", sessionID))
	for ev := range sub.Ch {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
		if ev.Type == engine.EventDone {
			break
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.logger.Debug("Stream closed", zap.String("session_id", sessionID))
}
