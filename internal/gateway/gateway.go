// Package gateway bridges browser WebSocket connections onto speech-to-speech
// sessions.
//
// A session is bound to the connection the moment it is accepted, with the
// relay handlers already registered, so stop requests, idle sweeping and
// capacity accounting cover clients that never complete a handshake. Text
// frames carry JSON control messages, binary frames carry raw PCM16 audio.
// A client starts the conversation with
//
//	{"type": "initSession", "prompt": "optional system prompt override"}
//
// which tears the bound session down, initiates a fresh one upstream, and
// acknowledges with {"type": "sessionInitialized", "data": {"success": true,
// "sessionId": "..."}}. From then on binary frames — or {"type": "audioInput",
// "audio": "<base64>"} text frames — feed the session's audio queue, and
// session events flow back as {"type": "<kind>", "data": {...}} envelopes.
// {"type": "stopAudio"} tears the session down in order; closing the socket
// does the same under a bounded budget with a force-close fallback.
//
// Each connection holds at most one live session; every initSession tears the
// previous session down to completion before the new one is acknowledged.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/sonicbridge/internal/engine"
	"github.com/MrWong99/sonicbridge/internal/observe"
)

const (
	// DefaultReadLimit bounds a single WebSocket frame from the client.
	DefaultReadLimit = 1 << 20

	// DefaultDisconnectTimeout bounds the ordered session teardown that runs
	// when a socket closes or replaces its session. On expiry the session is
	// force-closed.
	DefaultDisconnectTimeout = 5 * time.Second

	// DefaultPingInterval is the keepalive ping cadence.
	DefaultPingInterval = 30 * time.Second
)

// writeTimeout bounds a single frame write to a client socket.
const writeTimeout = 5 * time.Second

// Gateway upgrades HTTP requests to WebSocket connections and runs one client
// loop per connection, mapping each connection 1:1 onto an engine session.
type Gateway struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	engine *engine.Manager
	met    *observe.Metrics
	wg     sync.WaitGroup

	readLimit         int64
	disconnectTimeout time.Duration
	pingInterval      time.Duration
}

// Option configures optional Gateway behavior.
type Option func(*Gateway)

// WithReadLimit overrides the per-frame read limit in bytes.
func WithReadLimit(n int64) Option {
	return func(g *Gateway) { g.readLimit = n }
}

// WithDisconnectTimeout overrides the teardown budget applied when a client
// socket closes or replaces its session.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.disconnectTimeout = d }
}

// WithPingInterval overrides the keepalive ping cadence. Zero disables
// keepalive pings.
func WithPingInterval(d time.Duration) Option {
	return func(g *Gateway) { g.pingInterval = d }
}

// New creates a Gateway that serves sessions from eng.
func New(eng *engine.Manager, opts ...Option) *Gateway {
	g := &Gateway{
		clients:           make(map[*client]struct{}),
		engine:            eng,
		met:               observe.DefaultMetrics(),
		readLimit:         DefaultReadLimit,
		disconnectTimeout: DefaultDisconnectTimeout,
		pingInterval:      DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register installs the gateway's WebSocket endpoint on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", g.handleWS)
}

// Count reports the number of connected clients.
func (g *Gateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// handleWS upgrades the request and runs the client loop until the socket
// closes.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin policy is enforced by the fronting proxy.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed.", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(g.readLimit)

	c := newClient(g, conn)
	g.track(c)
	defer g.untrack(c)

	g.met.ConnectedClients.Add(r.Context(), 1)
	defer g.met.ConnectedClients.Add(context.Background(), -1)

	slog.Info("Client connected.", "client_id", c.id, "remote", r.RemoteAddr)
	c.run(r.Context())
	slog.Info("Client disconnected.", "client_id", c.id)
}

// Shutdown closes every established client connection and waits for their
// session teardowns to finish or ctx to expire. Refusing new connections is
// the HTTP server's concern.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	// Close handshakes run in parallel: an unresponsive peer must not stall
	// the rest, and the WaitGroup below already tracks loop completion.
	for _, c := range clients {
		c.markClosing()
		go func(c *client) {
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}(c)
	}

	finished := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
	}
}

func (g *Gateway) track(c *client) {
	g.wg.Add(1)
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) untrack(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	g.wg.Done()
}
