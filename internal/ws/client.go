package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Glfrancodev/semilleros-collab/internal/auth"
	"github.com/Glfrancodev/semilleros-collab/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200

	// sustained abuse past the limiter gets the connection closed
	maxRateLimitStrikes = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is the server end of one DocumentSession connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	connID   string
	identity auth.Identity
	limiter  *ratelimit.Limiter
}

// ServeWS authenticates the handshake and upgrades it. A bad credential is
// rejected with 401 before the upgrade, so the caller sees an authentication
// failure distinct from a network error.
func ServeWS(hub *Hub, verifier *auth.Verifier, w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r)
	if token == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	identity, err := verifier.Verify(token)
	if err != nil {
		log.Warn().Err(err).Msg("websocket handshake rejected")
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 512),
		connID:   uuid.NewString(),
		identity: identity,
		limiter:  ratelimit.NewLimiter(messagesPerSecond, messageBurst),
	}

	if !hub.enqueueRegister(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.enqueueUnregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	strikes := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("conn", c.connID).Msg("websocket read error")
			}
			break
		}

		if !c.limiter.Allow() {
			strikes++
			if strikes%100 == 1 {
				log.Warn().Str("conn", c.connID).Str("user", c.identity.UserID).
					Int("strikes", strikes).Msg("rate limit exceeded")
			}
			if strikes > maxRateLimitStrikes {
				log.Warn().Str("conn", c.connID).Msg("disconnecting client for sustained rate limit abuse")
				return
			}
			continue
		}

		c.hub.enqueueInbound(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
