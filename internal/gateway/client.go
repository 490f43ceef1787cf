package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/sonicbridge/internal/engine"
	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// Client → gateway control message types.
const (
	msgInitSession = "initSession"
	msgAudioInput  = "audioInput"
	msgStopAudio   = "stopAudio"
)

// msgSessionInitialized acknowledges an initSession request.
const msgSessionInitialized = "sessionInitialized"

// forwardedKinds are the session event kinds relayed to the client.
var forwardedKinds = []string{
	sonic.KindContentStart,
	sonic.KindTextOutput,
	sonic.KindAudioOutput,
	sonic.KindToolUse,
	sonic.KindToolResult,
	sonic.KindContentEnd,
	sonic.KindStreamComplete,
	sonic.KindError,
}

// controlMessage is a client text frame.
type controlMessage struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt,omitempty"`
	Audio  string `json:"audio,omitempty"`
}

// envelope is a gateway text frame.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// initAck reports the outcome of an initSession request.
type initAck struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
}

// turn is one utterance of the conversation, reconstructed from inbound
// contentStart roles and textOutput transcripts.
type turn struct {
	Role string
	Text string
}

// client is the per-connection loop. It owns all socket reads; writes go
// through send, which serializes the read loop's acknowledgements with the
// session event handlers.
type client struct {
	gw   *Gateway
	conn *websocket.Conn
	id   string

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	role      string
	history   []turn
	closing   bool
}

func newClient(g *Gateway, conn *websocket.Conn) *client {
	return &client{gw: g, conn: conn, id: uuid.NewString()}
}

// run reads frames until the socket closes, then tears the live session down
// under the disconnect budget.
func (c *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The connection is never without a session: stop requests, the idle
	// sweeper and capacity accounting apply before the first initSession too.
	c.openSession("")

	if c.gw.pingInterval > 0 {
		go c.keepAlive(ctx)
	}

	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && websocket.CloseStatus(err) == -1 &&
				ctx.Err() == nil && !c.isClosing() {
				slog.Warn("Client read failed.", "client_id", c.id, "error", err)
			}
			c.disconnect()
			return
		}

		switch msgType {
		case websocket.MessageText:
			c.handleControl(ctx, data)
		case websocket.MessageBinary:
			c.streamAudio(ctx, data)
		}
	}
}

// handleControl decodes and applies one control message.
func (c *client) handleControl(ctx context.Context, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Discarding malformed control message.", "client_id", c.id, "error", err)
		c.reportError(ctx, "malformed control message", "")
		return
	}

	switch msg.Type {
	case msgInitSession:
		c.initSession(ctx, msg.Prompt)
	case msgAudioInput:
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			slog.Warn("Discarding undecodable audio payload.", "client_id", c.id, "error", err)
			return
		}
		c.streamAudio(ctx, pcm)
	case msgStopAudio:
		c.closeCurrent(ctx, "stop requested")
	default:
		slog.Warn("Ignoring unknown control message.", "client_id", c.id, "type", msg.Type)
		c.reportError(ctx, "unknown message type", msg.Type)
	}
}

// openSession creates a fresh engine session bound to this client, with the
// relay handlers registered before any event can flow.
func (c *client) openSession(prompt string) *engine.Session {
	s := c.gw.engine.Create(uuid.NewString())
	s.SetSystemPrompt(prompt)
	c.forward(s)

	c.mu.Lock()
	c.sessionID = s.ID()
	c.mu.Unlock()
	return s
}

// initSession initiates a fresh session for the client. The bound session
// (the connect-time one, or a previous initSession's) is torn down in order
// first, so the acknowledgement only ever refers to a session whose
// predecessor has fully closed.
func (c *client) initSession(ctx context.Context, prompt string) {
	c.closeCurrent(ctx, "replaced by client")

	s := c.openSession(prompt)
	if err := c.gw.engine.Initiate(ctx, s.ID()); err != nil {
		slog.Error("Session initiation failed.", "client_id", c.id, "session_id", s.ID(), "error", err)
		c.clearSession(s.ID())
		c.acknowledge(ctx, initAck{Success: false})
		return
	}

	slog.Info("Session bound to client.", "client_id", c.id, "session_id", s.ID())
	c.acknowledge(ctx, initAck{Success: true, SessionID: s.ID()})
}

func (c *client) acknowledge(ctx context.Context, ack initAck) {
	if err := c.send(ctx, envelope{Type: msgSessionInitialized, Data: ack}); err != nil {
		slog.Warn("Initiation acknowledgement not delivered.", "client_id", c.id, "error", err)
	}
}

// closeCurrent tears down the client's live session, if any, under the
// disconnect budget, forcing closure when ordered teardown fails.
func (c *client) closeCurrent(ctx context.Context, reason string) {
	c.mu.Lock()
	id := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()
	if id == "" {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, c.gw.disconnectTimeout)
	defer cancel()
	if err := c.gw.engine.Close(cctx, id); err != nil && !errors.Is(err, engine.ErrInvalidSession) {
		slog.Warn("Ordered teardown failed, forcing close.",
			"client_id", c.id, "session_id", id, "reason", reason, "error", err)
		c.gw.engine.ForceClose(id)
	}
}

// markClosing records that the gateway is closing this connection itself, so
// the read loop's exit is not reported as a failure.
func (c *client) markClosing() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
}

func (c *client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// clearSession unbinds id if it is still the client's live session.
func (c *client) clearSession(id string) {
	c.mu.Lock()
	if c.sessionID == id {
		c.sessionID = ""
	}
	c.mu.Unlock()
}

// streamAudio forwards one PCM chunk into the bound session's queue. The
// engine's audio gate discards chunks arriving before initiation announced
// the audio block.
func (c *client) streamAudio(ctx context.Context, pcm []byte) {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if id == "" || len(pcm) == 0 {
		return
	}

	if err := c.gw.engine.StreamAudio(ctx, id, pcm); err != nil {
		if errors.Is(err, engine.ErrInvalidSession) {
			c.clearSession(id)
			return
		}
		slog.Warn("Audio chunk not forwarded.", "client_id", c.id, "session_id", id, "error", err)
	}
}

// disconnect releases the session after the socket is gone and logs a
// conversation summary.
func (c *client) disconnect() {
	c.closeCurrent(context.Background(), "client disconnected")

	c.mu.Lock()
	turns := len(c.history)
	c.mu.Unlock()
	if turns > 0 {
		slog.Info("Conversation finished.", "client_id", c.id, "turns", turns)
	}
}

// forward registers the relay handlers that mirror session events onto the
// socket. Relay failures are logged by the session dispatcher and never stop
// the session.
func (c *client) forward(s *engine.Session) {
	for _, kind := range forwardedKinds {
		s.OnEvent(kind, c.relay)
	}
}

// relay pushes one session event to the client as a {type, data} envelope.
func (c *client) relay(ctx context.Context, e sonic.Event) error {
	c.observe(e)
	return c.send(ctx, envelope{Type: e.Kind, Data: e.Payload})
}

// observe folds transcript events into the per-client conversation history.
func (c *client) observe(e sonic.Event) {
	switch e.Kind {
	case sonic.KindContentStart:
		var p sonic.ContentStartPayload
		if e.As(&p) == nil && p.Role != "" {
			c.mu.Lock()
			c.role = p.Role
			c.mu.Unlock()
		}
	case sonic.KindTextOutput:
		var p sonic.TextOutputPayload
		if e.As(&p) != nil || p.Content == "" {
			return
		}
		c.mu.Lock()
		role := p.Role
		if role == "" {
			role = c.role
		}
		if role == "" {
			role = sonic.RoleAssistant
		}
		c.history = append(c.history, turn{Role: role, Text: p.Content})
		c.mu.Unlock()
	}
}

// reportError sends an error envelope without touching the session.
func (c *client) reportError(ctx context.Context, msg, details string) {
	env := envelope{Type: sonic.KindError, Data: sonic.ErrorPayload{Message: msg, Details: details}}
	if err := c.send(ctx, env); err != nil {
		slog.Debug("Error envelope not delivered.", "client_id", c.id, "error", err)
	}
}

// send marshals env and writes it as a text frame. Writes are serialized and
// individually bounded by writeTimeout.
func (c *client) send(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("gateway: marshal %s: %w", env.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gateway: write %s: %w", env.Type, err)
	}
	return nil
}

// keepAlive pings the socket until ctx is cancelled. A failed ping means the
// peer is gone; the read loop observes the closure on its own.
func (c *client) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.gw.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
