// Package ws implements the duplex JSON-over-WebSocket wire protocol of
// spec §6: hello/protocol-version negotiation, text_input/control client
// frames, and the full catalog of server-pushed ChatEvent-derived messages
// the Session Hub already produces. Grounded on the teacher's
// wsControlPlane/wsSession (internal/gateway/ws_control_plane.go) for the
// upgrade-then-read-pump/write-pump connection shape, simplified down to
// the one hello handshake and two client message types spec §6 actually
// defines (no JSON-RPC method dispatch, no auth/grpc bridging — those are
// wire-transport surfaces spec.md places outside the Session Hub core).
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexushub/internal/agentregistry"
	"github.com/haasonsaas/nexushub/internal/external"
	"github.com/haasonsaas/nexushub/internal/hub"
	"github.com/haasonsaas/nexushub/internal/sessionindex"
	"github.com/haasonsaas/nexushub/pkg/model"
)

const (
	protocolVersion = 1

	maxPayloadBytes = 1 << 20
	sendBufferSize  = 256
	writeWait       = 10 * time.Second
	pongWait        = 45 * time.Second
	pingInterval    = 30 * time.Second
)

// clientFrame is the union of every frame a client may send after hello.
// Only the fields relevant to Type are populated; unused ones are left at
// their zero value.
type clientFrame struct {
	Type            string   `json:"type"`
	ProtocolVersion int      `json:"protocolVersion,omitempty"`
	Subscriptions   []string `json:"subscriptions,omitempty"`
	SessionID       string   `json:"sessionId,omitempty"`
	Text            string   `json:"text,omitempty"`
	Action          string   `json:"action,omitempty"`
	Target          string   `json:"target,omitempty"`
	AudioEndMs      int      `json:"audioEndMs,omitempty"`
}

// Server upgrades HTTP connections to the chat wire protocol and bridges
// them to a Hub. Registry/Index/External are consulted to route a
// text_input at an external-type agent's session to the External Agent
// Dispatcher instead of Hub.Dispatch, since spec §4.10 external agents
// never run a local chatproc.Provider the hub could drive.
type Server struct {
	Hub      *hub.Hub
	Registry *agentregistry.Registry
	Index    *sessionindex.Index
	External *external.Dispatcher
	Logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer builds a Server bridging h. logger defaults to slog.Default.
// registry/index/ext may be nil if no external-type agents are configured.
func NewServer(h *hub.Hub, registry *agentregistry.Registry, index *sessionindex.Index, ext *external.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Hub:      h,
		Registry: registry,
		Index:    index,
		External: ext,
		Logger:   logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler, upgrading the request and running the
// connection's read/write pumps until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		id:     uuid.NewString(),
		srv:    s,
		conn:   raw,
		send:   make(chan hub.ServerMessage, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	c.run()
}

// wsConn is one connection's state; implements hub.Connection.
type wsConn struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	send   chan hub.ServerMessage
	ctx    context.Context
	cancel context.CancelFunc

	helloed atomic.Bool
}

func (c *wsConn) ID() string { return c.id }

// Send enqueues msg for delivery; a full buffer means a stalled client, so
// the connection is torn down rather than blocking the hub's owner
// goroutine, per spec §9's "dropped-oldest / desync" back-pressure note
// (here rendered as disconnect-on-overflow, the simplest safe policy for a
// single-process duplex JSON stream).
func (c *wsConn) Send(msg hub.ServerMessage) {
	select {
	case c.send <- msg:
	default:
		c.srv.Logger.Warn("ws: dropping slow connection", "conn_id", c.id)
		c.cancel()
	}
}

func (c *wsConn) run() {
	defer c.close()
	go c.writePump()
	c.readPump()
}

func (c *wsConn) close() {
	c.cancel()
	c.srv.Hub.UnsubscribeAll(c.id)
	_ = c.conn.Close()
}

func (c *wsConn) readPump() {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", model.ErrInvalidEvent, err.Error())
			continue
		}

		if !c.helloed.Load() {
			if frame.Type != "hello" {
				c.sendError("", model.ErrUnsupportedProtocolVersion, "first frame must be hello")
				return
			}
			if !c.handleHello(frame) {
				return
			}
			continue
		}

		switch frame.Type {
		case "text_input":
			c.handleTextInput(frame)
		case "control":
			c.handleControl(frame)
		default:
			c.sendError(frame.SessionID, model.ErrInvalidEvent, "unknown frame type "+frame.Type)
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleHello negotiates the protocol version and establishes the initial
// subscription set, per spec §6. Returns false if the connection should be
// torn down (unsupported version).
func (c *wsConn) handleHello(frame clientFrame) bool {
	if frame.ProtocolVersion != 0 && frame.ProtocolVersion != protocolVersion {
		c.sendError("", model.ErrUnsupportedProtocolVersion, "server supports protocol version 1")
		return false
	}
	c.helloed.Store(true)

	subs := frame.Subscriptions
	if frame.SessionID != "" {
		subs = append(subs, frame.SessionID)
	}
	for _, sessionID := range subs {
		c.srv.Hub.Subscribe(sessionID, c)
		c.Send(hub.ServerMessage{Type: "subscribed", SessionID: sessionID})
	}
	return true
}

func (c *wsConn) handleTextInput(frame clientFrame) {
	if frame.SessionID == "" || frame.Text == "" {
		c.sendError(frame.SessionID, model.ErrInvalidArguments, "text_input requires sessionId and text")
		return
	}
	c.srv.Hub.Subscribe(frame.SessionID, c)

	if c.srv.isExternalSession(frame.SessionID) {
		if err := c.srv.External.Send(context.Background(), c.srv.mustAgentFor(frame.SessionID), frame.SessionID, frame.Text, model.TriggerUser); err != nil {
			c.sendErrorFromErr(frame.SessionID, err)
		}
		return
	}

	_, err := c.srv.Hub.Dispatch(hub.DispatchInput{
		SessionID:     frame.SessionID,
		Text:          frame.Text,
		Trigger:       model.TriggerUser,
		Source:        "user",
		ExcludeConnID: c.id,
	})
	if err != nil {
		c.sendErrorFromErr(frame.SessionID, err)
	}
}

// isExternalSession reports whether sessionID is bound to an external-type
// agent. Absence of Registry/Index/External (no external agents configured)
// always reports false so the normal hub.Dispatch path is used.
func (s *Server) isExternalSession(sessionID string) bool {
	if s.Registry == nil || s.Index == nil || s.External == nil {
		return false
	}
	summary, err := s.Index.Get(sessionID)
	if err != nil {
		return false
	}
	agent, err := s.Registry.GetAgent(summary.AgentID)
	if err != nil {
		return false
	}
	return agent.Type == model.AgentTypeExternal
}

func (s *Server) mustAgentFor(sessionID string) *model.AgentDefinition {
	summary, err := s.Index.Get(sessionID)
	if err != nil {
		return nil
	}
	agent, _ := s.Registry.GetAgent(summary.AgentID)
	return agent
}

func (c *wsConn) handleControl(frame clientFrame) {
	if frame.Action != "cancel" || frame.Target != "output" {
		c.sendError(frame.SessionID, model.ErrInvalidArguments, "unsupported control action")
		return
	}
	if err := c.srv.Hub.CancelActiveRun(frame.SessionID); err != nil {
		c.sendErrorFromErr(frame.SessionID, err)
	}
}

func (c *wsConn) sendError(sessionID string, code model.ErrorCode, message string) {
	c.Send(hub.ServerMessage{
		Type:      "error",
		SessionID: sessionID,
		Payload:   map[string]any{"code": code, "message": message},
	})
}

func (c *wsConn) sendErrorFromErr(sessionID string, err error) {
	if code, ok := model.CodeOf(err); ok {
		c.sendError(sessionID, code, err.Error())
		return
	}
	c.sendError(sessionID, "internal_error", err.Error())
}
