package relay

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/umlhive/umlsync/collab"
	"github.com/umlhive/umlsync/internal/slogging"
)

var (
	errSessionClosed   = errors.New("session closed")
	errRegisterTimeout = errors.New("timed out registering client")
)

// Options are the relay transport knobs. Zero values pick defaults.
type Options struct {
	PingInterval       time.Duration
	PongWait           time.Duration
	WriteWait          time.Duration
	ReadLimit          int64
	SendBufferSize     int
	InboundRate        float64
	InboundBurst       int
	SessionIdleTimeout time.Duration
	CleanupInterval    time.Duration
	RegisterTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 256 * 1024
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.InboundRate <= 0 {
		o.InboundRate = 100
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 200
	}
	if o.SessionIdleTimeout <= 0 {
		o.SessionIdleTimeout = 15 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Minute
	}
	if o.RegisterTimeout <= 0 {
		o.RegisterTimeout = 5 * time.Second
	}
	return o
}

// Client is one connected participant on one session.
type Client struct {
	session  *Session
	conn     *websocket.Conn
	send     chan []byte
	identity collab.Identity
	limiter  *rate.Limiter
	opts     Options
}

func newClient(session *Session, conn *websocket.Conn, identity collab.Identity, opts Options) *Client {
	return &Client{
		session:  session,
		conn:     conn,
		send:     make(chan []byte, opts.SendBufferSize),
		identity: identity,
		limiter:  rate.NewLimiter(rate.Limit(opts.InboundRate), opts.InboundBurst),
		opts:     opts,
	}
}

// readPump validates inbound envelopes and forwards them for fan-out.
// Messages that are malformed, over the rate limit, or stamped with a
// different session identity are dropped without affecting the connection.
func (c *Client) readPump() {
	defer func() {
		c.session.Deregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slogging.Get().Warn("session %s: read error from %s: %v", c.session.Key, c.identity.SessionID, err)
			}
			return
		}

		if !c.limiter.Allow() {
			metricMessagesDropped.WithLabelValues("rate_limited").Inc()
			slogging.Get().Warn("session %s: rate limit exceeded by %s", c.session.Key, c.identity.SessionID)
			continue
		}

		var env collab.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			metricMessagesDropped.WithLabelValues("malformed").Inc()
			slogging.Get().Warn("session %s: malformed message from %s: %v", c.session.Key, c.identity.SessionID, err)
			continue
		}
		if err := env.Validate(); err != nil {
			metricMessagesDropped.WithLabelValues("malformed").Inc()
			slogging.Get().Warn("session %s: invalid envelope from %s: %v", c.session.Key, c.identity.SessionID, err)
			continue
		}
		if env.SessionID != c.identity.SessionID {
			metricMessagesDropped.WithLabelValues("identity_mismatch").Inc()
			slogging.Get().Warn("session %s: envelope session %s does not match connection %s",
				c.session.Key, env.SessionID, c.identity.SessionID)
			continue
		}

		c.session.Forward(frame{from: c, data: data})
	}
}

// writePump drains the send buffer and keeps the connection alive with
// pings. It exits when the session closes the send channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
