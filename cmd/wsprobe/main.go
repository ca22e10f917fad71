// wsprobe is a command-line probe for exercising a relay during development.
// It joins a diagram's sync channel (and optionally its chat channel), logs
// everything it receives, and can emit test traffic.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/umlhive/umlsync/collab"
	"github.com/umlhive/umlsync/internal/slogging"
)

func main() {
	server := flag.String("server", "ws://localhost:8080/ws", "websocket base URL")
	diagram := flag.String("diagram", "", "diagram ID to join (required)")
	nickname := flag.String("nickname", "wsprobe", "nickname announced to peers")
	token := flag.String("token", "", "JWT for relays with auth enabled")
	withChat := flag.Bool("chat", false, "also join the diagram's chat channel")
	say := flag.String("say", "", "chat line to send after connecting (implies -chat)")
	emitNode := flag.Bool("emit-node", false, "send a sample node_add after connecting")
	duration := flag.Duration("duration", 0, "exit after this long (0 = run until interrupted)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *diagram == "" {
		fmt.Fprintln(os.Stderr, "wsprobe: -diagram is required")
		flag.Usage()
		os.Exit(2)
	}

	level := slogging.LogLevelInfo
	if *verbose {
		level = slogging.LogLevelDebug
	}
	if err := slogging.Initialize(slogging.Config{
		Level:            level,
		IsDev:            true,
		LogDir:           os.TempDir(),
		AlsoLogToConsole: true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "wsprobe: %v\n", err)
		os.Exit(1)
	}
	logger := slogging.Get()

	identity := collab.Identity{
		SessionID: uuid.NewString(),
		Nickname:  *nickname,
	}
	logger.Info("probe session %s (%s)", identity.SessionID, identity.Nickname)

	registry := collab.NewRegistry(collab.RegistryConfig{
		BaseURL:  *server,
		Identity: identity,
		Token:    *token,
	})
	defer registry.CloseAll()

	client, err := registry.Acquire(*diagram)
	if err != nil {
		logger.Error("acquire diagram %s: %v", *diagram, err)
		os.Exit(1)
	}
	defer registry.Release(*diagram)

	unsubscribe := client.Subscribe(&collab.Callbacks{
		OnNodesChanged: func(nodes []collab.DiagramNode) {
			logger.Info("<- nodes (%d)", len(nodes))
			for _, n := range nodes {
				logger.Info("   node %s %q type=%s at (%.0f,%.0f)", n.ID, n.Data.Label, n.Type, n.Position.X, n.Position.Y)
			}
		},
		OnEdgesChanged: func(edges []collab.DiagramEdge) {
			logger.Info("<- edges (%d)", len(edges))
			for _, e := range edges {
				logger.Info("   edge %s %s -> %s", e.ID, e.Source, e.Target)
			}
		},
		OnTitleChanged: func(title string) {
			logger.Info("<- title %q", title)
		},
		OnViewportChanged: func(v collab.Viewport) {
			logger.Info("<- viewport (%.0f,%.0f) zoom=%.2f", v.X, v.Y, v.Zoom)
		},
		OnCursorMoved: func(c collab.CursorEvent) {
			logger.Debug("<- cursor %s at (%.0f,%.0f)", c.SessionID, c.X, c.Y)
		},
		OnUserJoined: func(u collab.ConnectedUser) {
			logger.Info("<- joined: %s (%s)", u.Nickname, u.SessionID)
		},
		OnUserLeft: func(u collab.ConnectedUser) {
			logger.Info("<- left: %s (%s)", u.Nickname, u.SessionID)
		},
		OnPresence: func(count int, users []collab.ConnectedUser) {
			logger.Info("<- presence: %d user(s)", count)
		},
		OnChatMessage: func(m collab.ChatMessage) {
			logger.Info("<- [sync chat] %s: %s", m.Nickname, m.Content)
		},
		OnStatusChanged: func(connected bool) {
			logger.Info("<- sync channel connected=%t", connected)
		},
	})
	defer unsubscribe()

	var chat *collab.ChatClient
	if *withChat || *say != "" {
		chat, err = collab.NewChatClient(collab.ChatClientConfig{
			BaseURL:   *server,
			DiagramID: *diagram,
			Identity:  identity,
			Token:     *token,
		})
		if err != nil {
			logger.Error("chat client: %v", err)
			os.Exit(1)
		}
		chat.Subscribe(&collab.ChatCallbacks{
			OnMessage: func(m collab.ChatMessage) {
				logger.Info("<- [chat] %s: %s", m.Nickname, m.Content)
			},
			OnUserJoined: func(u collab.ConnectedUser) {
				logger.Info("<- [chat] joined: %s (%s)", u.Nickname, u.SessionID)
			},
			OnUserLeft: func(u collab.ConnectedUser) {
				logger.Info("<- [chat] left: %s (%s)", u.Nickname, u.SessionID)
			},
			OnUserCount: func(count int) {
				logger.Info("<- [chat] %d user(s)", count)
			},
			OnTyping: func(t collab.TypingEvent) {
				logger.Debug("<- [chat] %s typing=%t", t.Nickname, t.IsTyping)
			},
			OnStatusChanged: func(connected bool) {
				logger.Info("<- chat channel connected=%t", connected)
			},
		})
		if err := chat.Connect(); err != nil {
			logger.Warn("chat connect: %v (reconnect policy is running)", err)
		}
		defer chat.Close()
	}

	// Give the dials a moment before emitting scripted traffic.
	time.Sleep(500 * time.Millisecond)

	if *emitNode {
		nodeID := uuid.NewString()
		sent := client.SendNodes(collab.MessageTypeNodeAdd, []collab.DiagramNode{{
			ID:       nodeID,
			Type:     collab.NodeTypeClass,
			Position: collab.Position{X: 120, Y: 80},
			Data: collab.NodeData{
				Label: "ProbeClass",
				Attributes: []collab.Attribute{
					{Name: "id", Type: "UUID", Visibility: "private"},
				},
				Methods: []collab.Method{
					{Name: "getId", ReturnType: "UUID", Visibility: "public"},
				},
			},
		}})
		logger.Info("-> node_add %s sent=%t", nodeID, sent)
	}

	if *say != "" && chat != nil {
		sent := chat.SendChatMessage(*say)
		logger.Info("-> chat %q sent=%t", *say, sent)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if *duration > 0 {
		select {
		case <-sig:
		case <-time.After(*duration):
		}
	} else {
		<-sig
	}
	logger.Info("probe shutting down")
}
