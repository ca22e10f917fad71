package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer is a minimal websocket endpoint for driving clients in tests. It
// accepts any path and hands each accepted connection to the test.
type wsServer struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *websocket.Conn
	dials int32
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{t: t, conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.dials, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) baseURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) dialCount() int {
	return int(atomic.LoadInt32(&s.dials))
}

// accept waits for the next upgraded connection.
func (s *wsServer) accept() *websocket.Conn {
	s.t.Helper()
	select {
	case conn := <-s.conns:
		s.t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for a client connection")
		return nil
	}
}

// readEnvelope reads one envelope off a server-side connection.
func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(&env))
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func newTestClient(t *testing.T, s *wsServer) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:     s.baseURL(),
		DiagramID:   "d1",
		Identity:    Identity{SessionID: "local", Nickname: "alice"},
		BackoffBase: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{DiagramID: "d", Identity: Identity{SessionID: "s"}})
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{BaseURL: "ws://x", Identity: Identity{SessionID: "s"}})
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{BaseURL: "ws://x", DiagramID: "d"})
	assert.Error(t, err)
}

func TestClientAnnouncesJoinOnConnect(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)
	require.NoError(t, client.Connect())

	conn := s.accept()
	env := readEnvelope(t, conn)

	assert.Equal(t, MessageTypeUserJoined, env.Type)
	assert.Equal(t, "local", env.SessionID)

	var p UserEventPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "alice", p.Nickname)
	assert.Equal(t, "local", p.SessionID)
}

func TestClientSuppressesSelfEcho(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)

	got := make(chan []DiagramNode, 4)
	client.Subscribe(&Callbacks{OnNodesChanged: func(nodes []DiagramNode) { got <- nodes }})

	require.NoError(t, client.Connect())
	conn := s.accept()
	readEnvelope(t, conn) // user_joined

	// Echo of the client's own message: same session ID.
	sendEnvelope(t, conn, Envelope{
		Type:      MessageTypeNodeAdd,
		SessionID: "local",
		Timestamp: 1,
		Data:      payload(t, NodesPayload{Nodes: []DiagramNode{node("a", "User")}}),
	})
	// A genuinely remote message.
	sendEnvelope(t, conn, Envelope{
		Type:      MessageTypeNodeAdd,
		SessionID: "remote",
		Timestamp: 2,
		Data:      payload(t, NodesPayload{Nodes: []DiagramNode{node("b", "Order")}}),
	})

	select {
	case nodes := <-got:
		require.Len(t, nodes, 1)
		assert.Equal(t, "b", nodes[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("remote message was not dispatched")
	}
	select {
	case nodes := <-got:
		t.Fatalf("self-echo was dispatched: %v", nodes)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientDropsDuplicates(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)

	got := make(chan []DiagramNode, 4)
	client.Subscribe(&Callbacks{OnNodesChanged: func(nodes []DiagramNode) { got <- nodes }})

	require.NoError(t, client.Connect())
	conn := s.accept()
	readEnvelope(t, conn)

	env := Envelope{
		Type:      MessageTypeNodeAdd,
		SessionID: "remote",
		Timestamp: 123,
		Data:      payload(t, NodesPayload{Nodes: []DiagramNode{node("a", "User")}}),
	}
	sendEnvelope(t, conn, env)
	sendEnvelope(t, conn, env)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("first copy was not dispatched")
	}
	select {
	case <-got:
		t.Fatal("duplicate was dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientCleansInboundNodes(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)

	got := make(chan []DiagramNode, 1)
	client.Subscribe(&Callbacks{OnNodesChanged: func(nodes []DiagramNode) { got <- nodes }})

	require.NoError(t, client.Connect())
	conn := s.accept()
	readEnvelope(t, conn)

	sendEnvelope(t, conn, Envelope{
		Type:      MessageTypeNodeUpdate,
		SessionID: "remote",
		Timestamp: 1,
		Data: payload(t, NodesPayload{Nodes: []DiagramNode{
			node("a", "User"),
			node("a", "UserV2"),
			node("b", "Unnamed Class"),
		}}),
	})

	select {
	case nodes := <-got:
		require.Len(t, nodes, 1)
		assert.Equal(t, "UserV2", nodes[0].Data.Label)
	case <-time.After(2 * time.Second):
		t.Fatal("nodes were not dispatched")
	}
}

func TestClientDiagramChangeDispatch(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)

	gotNodes := make(chan []DiagramNode, 1)
	gotEdges := make(chan []DiagramEdge, 1)
	gotTitle := make(chan string, 1)
	client.Subscribe(&Callbacks{
		OnNodesChanged: func(nodes []DiagramNode) { gotNodes <- nodes },
		OnEdgesChanged: func(edges []DiagramEdge) { gotEdges <- edges },
		OnTitleChanged: func(title string) { gotTitle <- title },
	})

	require.NoError(t, client.Connect())
	conn := s.accept()
	readEnvelope(t, conn)

	title := "Billing"
	sendEnvelope(t, conn, Envelope{
		Type:      MessageTypeDiagramChange,
		SessionID: "remote",
		Timestamp: 1,
		Data: payload(t, DiagramChangePayload{
			Nodes: []DiagramNode{node("a", "User"), node("b", "Order")},
			Edges: []DiagramEdge{edge("e1", "a", "b"), edge("e2", "a", "missing")},
			Title: &title,
		}),
	})

	select {
	case nodes := <-gotNodes:
		assert.Len(t, nodes, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("nodes were not dispatched")
	}
	select {
	case edges := <-gotEdges:
		// The orphan edge is removed because the node set travelled with it.
		require.Len(t, edges, 1)
		assert.Equal(t, "e1", edges[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("edges were not dispatched")
	}
	select {
	case got := <-gotTitle:
		assert.Equal(t, "Billing", got)
	case <-time.After(2 * time.Second):
		t.Fatal("title was not dispatched")
	}
}

func TestClientDiagramChangeEdgesOnly(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)

	gotEdges := make(chan []DiagramEdge, 1)
	client.Subscribe(&Callbacks{
		OnNodesChanged: func(nodes []DiagramNode) { t.Errorf("unexpected node dispatch: %v", nodes) },
		OnEdgesChanged: func(edges []DiagramEdge) { gotEdges <- edges },
	})

	require.NoError(t, client.Connect())
	conn := s.accept()
	readEnvelope(t, conn)

	// No node set travels with the edges, so they must survive intact
	// rather than being treated as orphans of an empty diagram.
	sendEnvelope(t, conn, Envelope{
		Type:      MessageTypeDiagramChange,
		SessionID: "remote",
		Timestamp: 1,
		Data: payload(t, DiagramChangePayload{
			Edges: []DiagramEdge{edge("e1", "a", "b"), edge("e2", "a", "b")},
		}),
	})

	select {
	case edges := <-gotEdges:
		// Duplicate (source,target) pairs still collapse.
		require.Len(t, edges, 1)
		assert.Equal(t, "e2", edges[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("edges were not dispatched")
	}
}

func TestClientRosterJoinLeave(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)

	joins := make(chan ConnectedUser, 4)
	leaves := make(chan ConnectedUser, 4)
	client.Subscribe(&Callbacks{
		OnUserJoined: func(u ConnectedUser) { joins <- u },
		OnUserLeft:   func(u ConnectedUser) { leaves <- u },
	})

	require.NoError(t, client.Connect())
	conn := s.accept()
	readEnvelope(t, conn)

	join := Envelope{
		Type:      MessageTypeUserJoined,
		SessionID: "remote",
		Timestamp: 1,
		Data:      payload(t, UserEventPayload{Nickname: "bob", SessionID: "remote"}),
	}
	sendEnvelope(t, conn, join)

	select {
	case u := <-joins:
		assert.Equal(t, "bob", u.Nickname)
		assert.Equal(t, "remote", u.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("join was not dispatched")
	}
	assert.Len(t, client.ConnectedUsers(), 1)

	// A rejoin for a known session only bumps last-seen.
	join.Timestamp = 2
	sendEnvelope(t, conn, join)
	select {
	case <-joins:
		t.Fatal("rejoin fired a second join callback")
	case <-time.After(100 * time.Millisecond):
	}

	sendEnvelope(t, conn, Envelope{
		Type:      MessageTypeUserLeft,
		SessionID: "server",
		Timestamp: 3,
		Data:      payload(t, UserEventPayload{Nickname: "bob", SessionID: "remote"}),
	})
	select {
	case u := <-leaves:
		assert.Equal(t, "remote", u.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("leave was not dispatched")
	}
	assert.Empty(t, client.ConnectedUsers())

	// A leave for an unknown session is a no-op.
	sendEnvelope(t, conn, Envelope{
		Type:      MessageTypeUserLeft,
		SessionID: "server",
		Timestamp: 4,
		Data:      payload(t, UserEventPayload{SessionID: "stranger"}),
	})
	select {
	case <-leaves:
		t.Fatal("unknown leave fired a callback")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientPresenceReplacesRoster(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)

	got := make(chan int, 1)
	client.Subscribe(&Callbacks{OnPresence: func(count int, users []ConnectedUser) { got <- count }})

	require.NoError(t, client.Connect())
	conn := s.accept()
	readEnvelope(t, conn)

	sendEnvelope(t, conn, Envelope{
		Type:      MessageTypeUserPresence,
		SessionID: "server",
		Timestamp: 1,
		Data: payload(t, PresencePayload{
			Count: 2,
			Users: []ConnectedUser{
				{SessionID: "remote", Nickname: "bob"},
				{SessionID: "other", Nickname: "carol"},
			},
		}),
	})

	select {
	case count := <-got:
		assert.Equal(t, 2, count)
	case <-time.After(2 * time.Second):
		t.Fatal("presence was not dispatched")
	}
	assert.Len(t, client.ConnectedUsers(), 2)
}

func TestClientSendRequiresOpenConnection(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)

	assert.False(t, client.SendTitle("nope"))

	require.NoError(t, client.Connect())
	conn := s.accept()
	readEnvelope(t, conn)

	assert.True(t, client.SendTitle("Billing"))
	env := readEnvelope(t, conn)
	assert.Equal(t, MessageTypeTitleChanged, env.Type)
	assert.Equal(t, "local", env.SessionID)
	assert.NotZero(t, env.Timestamp)
}

func TestClientCloseSendsUserLeft(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)
	require.NoError(t, client.Connect())

	conn := s.accept()
	readEnvelope(t, conn) // user_joined

	client.Close()

	env := readEnvelope(t, conn)
	assert.Equal(t, MessageTypeUserLeft, env.Type)
	assert.Equal(t, "local", env.SessionID)
	assert.Equal(t, StateIdle, client.State())
}

func TestClientReconnectsAfterAbnormalClose(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)
	require.NoError(t, client.Connect())

	conn := s.accept()
	readEnvelope(t, conn)
	require.Equal(t, 1, s.dialCount())

	// Drop the TCP connection without a close frame.
	_ = conn.Close()

	conn2 := s.accept()
	env := readEnvelope(t, conn2)
	assert.Equal(t, MessageTypeUserJoined, env.Type)
	assert.GreaterOrEqual(t, s.dialCount(), 2)
	assert.Eventually(t, client.IsConnected, 2*time.Second, 10*time.Millisecond)
}

func TestClientNormalCloseDoesNotReconnect(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)
	require.NoError(t, client.Connect())

	conn := s.accept()
	readEnvelope(t, conn)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	assert.Eventually(t, func() bool { return client.State() == StateIdle }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, s.dialCount())
}

func TestClientGivesUpAfterAttemptCeiling(t *testing.T) {
	s := newWSServer(t)
	base := s.baseURL()
	s.srv.Close()

	client, err := NewClient(ClientConfig{
		BaseURL:              base,
		DiagramID:            "d1",
		Identity:             Identity{SessionID: "local"},
		BackoffBase:          time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	assert.Error(t, client.Connect())
	assert.Eventually(t, func() bool { return client.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
}

func TestClientUnsubscribeStopsDelivery(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)

	got := make(chan string, 2)
	unsubscribe := client.Subscribe(&Callbacks{OnTitleChanged: func(title string) { got <- title }})

	require.NoError(t, client.Connect())
	conn := s.accept()
	readEnvelope(t, conn)

	sendEnvelope(t, conn, Envelope{
		Type:      MessageTypeTitleChanged,
		SessionID: "remote",
		Timestamp: 1,
		Data:      payload(t, TitlePayload{Title: "first"}),
	})
	select {
	case title := <-got:
		assert.Equal(t, "first", title)
	case <-time.After(2 * time.Second):
		t.Fatal("title was not dispatched")
	}

	unsubscribe()
	sendEnvelope(t, conn, Envelope{
		Type:      MessageTypeTitleChanged,
		SessionID: "remote",
		Timestamp: 2,
		Data:      payload(t, TitlePayload{Title: "second"}),
	})
	select {
	case title := <-got:
		t.Fatalf("unsubscribed callback received %q", title)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientIgnoresMalformedAndUnknownMessages(t *testing.T) {
	s := newWSServer(t)
	client := newTestClient(t, s)

	got := make(chan string, 1)
	client.Subscribe(&Callbacks{OnTitleChanged: func(title string) { got <- title }})

	require.NoError(t, client.Connect())
	conn := s.accept()
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	sendEnvelope(t, conn, Envelope{Type: "mystery_type", SessionID: "remote", Timestamp: 1})
	sendEnvelope(t, conn, Envelope{SessionID: "remote", Timestamp: 2}) // missing type

	// The connection survives and later traffic still flows.
	sendEnvelope(t, conn, Envelope{
		Type:      MessageTypeTitleChanged,
		SessionID: "remote",
		Timestamp: 3,
		Data:      payload(t, TitlePayload{Title: "still here"}),
	})
	select {
	case title := <-got:
		assert.Equal(t, "still here", title)
	case <-time.After(2 * time.Second):
		t.Fatal("title was not dispatched")
	}
}
