package web

import (
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chatgate/chatgate/internal/auth"
)

// wsConn adapts a gorilla connection to the pipeline's channel interface.
// Writes are serialized: the pipeline and parallel event listeners may send
// concurrently, and gorilla allows only one writer at a time.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	// A close initiated by the client is the normal end of the stream.
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil, io.EOF
	}
	return data, err
}

func (c *wsConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Close() error { return c.ws.Close() }

// handleWebSocket upgrades the connection and hands it to the pipeline.
// Identity and rate limit are checked once, at upgrade time.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.identity.UserFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	if ok, retryAfter := s.limiter.Allow(clientKey(r)); !ok {
		w.Header().Set("Retry-After", retryAfter.String())
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin: func(r *http.Request) bool {
			return auth.OriginAllowed(r.Header.Get("Origin"), s.settings.AllowedOrigins)
		},
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Web] WebSocket upgrade for %s: %v", user, err)
		return
	}

	conn := &wsConn{ws: ws}
	defer conn.Close()
	log.Printf("[Web] WebSocket connected: %s", user)
	s.pipeline.Run(r.Context(), conn, user)
	log.Printf("[Web] WebSocket closed: %s", user)
}
