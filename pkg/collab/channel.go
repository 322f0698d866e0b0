// Package collab is the client side of a collaborative document session: a
// persistent authenticated channel to the coordination server, the session
// protocol (presence, content replication, cursor broadcast) and the autosave
// scheduler that decouples editing from persistence.
package collab

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Glfrancodev/semilleros-collab/pkg/collab/wire"
)

// State is the channel lifecycle. AuthFailed and Offline are terminal until
// the caller reconnects explicitly.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateOffline
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOffline:
		return "offline"
	case StateAuthFailed:
		return "auth-failed"
	}
	return "unknown"
}

var (
	// ErrAuthFailed is a rejected credential: fatal for the attempt, never
	// retried automatically.
	ErrAuthFailed = errors.New("collab: authentication failed")

	// ErrNotConnected means the message was dropped, not queued.
	ErrNotConnected = errors.New("collab: channel not connected")
)

const (
	defaultReconnectDelay = time.Second
	defaultMaxReconnects  = 10
)

type ChannelConfig struct {
	// URL of the server websocket endpoint (ws://host/ws)
	URL string

	// Token is the portal session credential presented at the handshake
	Token string

	ReconnectDelay time.Duration
	MaxReconnects  int

	// OnState observes lifecycle transitions (offline indicator)
	OnState func(State)

	// OnMessage receives every decoded server push
	OnMessage func(wire.ServerMessage)

	// OnConnect runs after every successful connect, the initial one
	// included. Room membership does not survive a disconnect, so the join
	// handshake is re-run here.
	OnConnect func()
}

// Channel is one authenticated bidirectional connection to the coordination
// server. Callers that open a channel must guarantee Disconnect on every exit
// path, or they leak server-side room membership until the ping timeout.
type Channel struct {
	cfg   ChannelConfig
	state atomic.Int32

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	return &Channel{cfg: cfg}
}

// Connect dials the server and starts the read loop. An invalid credential
// returns ErrAuthFailed; any other failure is a network error the caller may
// retry.
func (c *Channel) Connect() error {
	if err := c.dial(); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

func (c *Channel) dial() error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, resp, err := websocket.DefaultDialer.Dial(c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.setState(StateAuthFailed)
			return ErrAuthFailed
		}
		// a failed redial inside the reconnect loop stays in connecting so
		// the state does not flicker once per attempt
		if c.State() != StateConnecting {
			c.setState(StateDisconnected)
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}
	return nil
}

func (c *Channel) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			if !c.reconnect() {
				return
			}
			continue
		}

		msg, err := wire.DecodeServer(data)
		if err != nil {
			log.Debug().Err(err).Msg("dropping malformed server message")
			continue
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(msg)
		}
	}
}

// reconnect retries with a fixed delay up to the configured bound, then
// surfaces Offline. Reports whether the channel is connected again.
func (c *Channel) reconnect() bool {
	c.setState(StateConnecting)

	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		time.Sleep(c.cfg.ReconnectDelay)
		if c.isClosed() {
			return false
		}

		err := c.dial()
		if err == nil {
			log.Info().Int("attempt", attempt).Msg("channel reconnected")
			return true
		}
		if errors.Is(err, ErrAuthFailed) {
			log.Warn().Msg("reconnect aborted: credential rejected")
			return false
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}

	c.setState(StateOffline)
	log.Warn().Int("attempts", c.cfg.MaxReconnects).Msg("channel offline, giving up")
	return false
}

// Send delivers a message at-most-once. While not connected the message is
// dropped and ErrNotConnected returned; nothing is queued for later.
func (c *Channel) Send(event string, data any) error {
	payload, err := wire.Encode(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil || c.State() != StateConnected {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Disconnect closes the channel permanently. Safe to call more than once.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	c.setState(StateDisconnected)
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
