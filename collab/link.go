package collab

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umlhive/umlsync/internal/slogging"
)

// ConnState is the lifecycle state of one transport connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	defaultMaxReconnectAttempts = 5
	defaultBackoffBase          = time.Second
	defaultHandshakeTimeout     = 10 * time.Second
	closeWriteTimeout           = time.Second
)

// backoffDelay is the wait before reconnect attempt number attempt
// (0-based): base * 2^attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << uint(attempt)
}

// upgradeQuery builds the query string for an upgrade request. The chat
// channel has no session segment in its path, so it carries the session ID
// here instead.
func upgradeQuery(identity Identity, token string, includeSession bool) string {
	q := url.Values{}
	if includeSession {
		q.Set("session_id", identity.SessionID)
	}
	if identity.Nickname != "" {
		q.Set("nickname", identity.Nickname)
	}
	if token != "" {
		q.Set("token", token)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// link owns one websocket connection and its reconnect policy. Both the
// diagram and chat clients run on top of it; they differ only in URL and
// message handling. Transport failures never surface as errors to message
// handlers — they show up as a status flip plus, while attempts remain,
// a scheduled reconnect.
type link struct {
	name        string
	url         string
	dialer      *websocket.Dialer
	maxAttempts int
	backoffBase time.Duration

	onOpen    func()
	onMessage func([]byte)
	onStatus  func(connected bool)

	mu         sync.Mutex
	state      ConnState
	conn       *websocket.Conn
	attempts   int
	retryTimer *time.Timer
	closed     bool
}

func newLink(name, url string, dialer *websocket.Dialer, backoffBase time.Duration, maxAttempts int) *link {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxReconnectAttempts
	}
	return &link{
		name:        name,
		url:         url,
		dialer:      dialer,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		state:       StateIdle,
	}
}

// Connect transitions Idle -> Connecting and dials. It is a no-op when a
// connection is already open or being established. A failed dial schedules
// a reconnect and also returns the error so callers can log it; they must
// not retry themselves while the policy is running.
func (l *link) Connect() error {
	l.mu.Lock()
	if l.state == StateOpen || l.state == StateConnecting {
		l.mu.Unlock()
		return nil
	}
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	l.closed = false
	l.state = StateConnecting
	l.mu.Unlock()

	return l.dial()
}

func (l *link) dial() error {
	conn, _, err := l.dialer.Dial(l.url, nil) //nolint:bodyclose // gorilla owns the response body
	if err != nil {
		slogging.Get().Warn("%s connection dial failed: %v", l.name, err)
		l.mu.Lock()
		l.scheduleReconnectLocked()
		l.mu.Unlock()
		l.notifyStatus(false)
		return fmt.Errorf("dial %s: %w", l.url, err)
	}

	l.mu.Lock()
	if l.closed {
		// Torn down while the handshake was in flight.
		l.state = StateIdle
		l.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	l.conn = conn
	l.state = StateOpen
	l.attempts = 0
	l.mu.Unlock()

	slogging.Get().Info("%s connection open: %s", l.name, l.url)
	l.notifyStatus(true)
	if l.onOpen != nil {
		l.onOpen()
	}
	go l.readLoop(conn)
	return nil
}

// readLoop delivers inbound frames in transport order. Message handlers run
// on this goroutine, so dispatch is FIFO per connection.
func (l *link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.handleReadError(err)
			return
		}
		if l.onMessage != nil {
			l.onMessage(data)
		}
	}
}

func (l *link) handleReadError(err error) {
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)

	l.mu.Lock()
	deliberate := l.closed || l.state == StateClosing || l.state == StateIdle
	l.conn = nil
	if deliberate || normal {
		l.state = StateIdle
	} else {
		slogging.Get().Warn("%s connection lost: %v", l.name, err)
		l.scheduleReconnectLocked()
	}
	l.mu.Unlock()

	l.notifyStatus(false)
}

// scheduleReconnectLocked arms the backoff timer, or gives up once the
// attempt ceiling is reached. Callers hold l.mu.
func (l *link) scheduleReconnectLocked() {
	if l.closed {
		l.state = StateIdle
		return
	}
	if l.attempts >= l.maxAttempts {
		slogging.Get().Warn("%s connection: %d reconnect attempts exhausted, giving up", l.name, l.maxAttempts)
		l.state = StateIdle
		return
	}

	delay := backoffDelay(l.backoffBase, l.attempts)
	l.attempts++
	l.state = StateReconnecting
	slogging.Get().Info("%s connection: reconnect attempt %d/%d in %s", l.name, l.attempts, l.maxAttempts, delay)

	l.retryTimer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		if l.closed || l.state != StateReconnecting {
			l.mu.Unlock()
			return
		}
		l.state = StateConnecting
		l.mu.Unlock()
		_ = l.dial()
	})
}

// Send writes v as JSON. It is a no-op returning false unless the
// connection is open.
func (l *link) Send(v any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen || l.conn == nil {
		slogging.Get().Warn("%s connection not open (%s); dropping outbound message", l.name, l.state)
		return false
	}
	if err := l.conn.WriteJSON(v); err != nil {
		slogging.Get().Warn("%s connection write failed: %v", l.name, err)
		return false
	}
	return true
}

// Close is deliberate teardown: pending reconnects are cancelled and the
// transport, if open, is closed with a normal status code. The link can be
// reused with a later Connect.
func (l *link) Close() {
	l.mu.Lock()
	l.closed = true
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	conn := l.conn
	l.conn = nil
	if conn != nil {
		l.state = StateClosing
	} else {
		l.state = StateIdle
	}
	l.mu.Unlock()

	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
		slogging.Get().Debug("%s connection: close frame not sent: %v", l.name, err)
	}
	_ = conn.Close()

	l.mu.Lock()
	l.state = StateIdle
	l.mu.Unlock()
}

func (l *link) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) IsConnected() bool {
	return l.State() == StateOpen
}

func (l *link) notifyStatus(connected bool) {
	if l.onStatus != nil {
		l.onStatus(connected)
	}
}
