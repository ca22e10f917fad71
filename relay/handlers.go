package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/umlhive/umlsync/collab"
	"github.com/umlhive/umlsync/internal/slogging"
)

// Handler upgrades HTTP requests into collaboration connections.
type Handler struct {
	hub      *Hub
	auth     *Authenticator
	upgrader websocket.Upgrader
}

// NewHandler wires a hub and an optional authenticator. A nil authenticator
// accepts unauthenticated upgrades and trusts the session ID in the URL.
func NewHandler(hub *Hub, auth *Authenticator) *Handler {
	return &Handler{
		hub:  hub,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect cross-origin during development;
			// the deployment proxy enforces origin policy.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes attaches the websocket endpoints. The paths end with a
// slash because clients dial them that way and websocket dialers do not
// follow redirects.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws/diagrams/:diagram/:session/", h.handleDiagram)
	r.GET("/ws/diagram/:diagram/chat/", h.handleChat)
}

// handleDiagram serves the sync channel at /ws/diagrams/{diagramId}/{sessionId}/.
func (h *Handler) handleDiagram(c *gin.Context) {
	diagramID := c.Param("diagram")
	identity := collab.Identity{
		SessionID: c.Param("session"),
		Nickname:  c.Query("nickname"),
	}

	authed, ok := h.authenticate(c, identity.SessionID)
	if !ok {
		return
	}
	if authed != nil {
		identity = *authed
	}
	if identity.Nickname == "" {
		identity.Nickname = "anonymous"
	}

	h.attach(c, ChannelDiagram, diagramID, identity)
}

// handleChat serves the chat channel at /ws/diagram/{diagramId}/chat/.
// The session identity travels in the query because the path carries no
// session segment on this channel.
func (h *Handler) handleChat(c *gin.Context) {
	diagramID := c.Param("diagram")
	identity := collab.Identity{
		SessionID: c.Query("session_id"),
		Nickname:  c.Query("nickname"),
	}

	authed, ok := h.authenticate(c, identity.SessionID)
	if !ok {
		return
	}
	if authed != nil {
		identity = *authed
	}
	if identity.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_request",
			"message": "session_id is required",
		})
		return
	}
	if identity.Nickname == "" {
		identity.Nickname = "anonymous"
	}

	h.attach(c, ChannelChat, diagramID, identity)
}

// authenticate verifies the token query parameter when auth is enabled.
// It returns the token identity, or nil when auth is disabled. A false
// second return means the request was already rejected.
func (h *Handler) authenticate(c *gin.Context, claimedSessionID string) (*collab.Identity, bool) {
	if h.auth == nil {
		return nil, true
	}

	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "token is required",
		})
		return nil, false
	}
	identity, err := h.auth.Verify(token)
	if err != nil {
		slogging.Get().Warn("rejected upgrade: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "invalid token",
		})
		return nil, false
	}
	if claimedSessionID != "" && claimedSessionID != identity.SessionID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "session does not match token",
		})
		return nil, false
	}
	return &identity, true
}

func (h *Handler) attach(c *gin.Context, channel Channel, diagramID string, identity collab.Identity) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slogging.Get().Warn("upgrade failed for %s %s: %v", channel, diagramID, err)
		return
	}

	session := h.hub.GetOrCreateSession(channel, diagramID)
	client := newClient(session, conn, identity, h.hub.Options())

	if err := session.Register(client, h.hub.Options().RegisterTimeout); err != nil {
		slogging.Get().Error("register on %s failed: %v", session.Key, err)
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
