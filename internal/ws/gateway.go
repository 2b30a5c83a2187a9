// Package ws implements the realtime chat transport: per-connection
// batching, the connection pool with user/session fan-out, origin
// validation, and the WebSocket session handlers.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wayfarer-labs/wayfarer/internal/agent"
	"github.com/wayfarer-labs/wayfarer/internal/auth"
	"github.com/wayfarer-labs/wayfarer/internal/config"
	"github.com/wayfarer-labs/wayfarer/internal/store"
	"github.com/wayfarer-labs/wayfarer/pkg/protocol"
)

// authReadTimeout bounds how long a fresh connection gets to send its
// auth request before we hang up.
const authReadTimeout = 10 * time.Second

// Word-chunking policy for streamed responses. Short responses stream in
// smaller chunks so the client sees motion; long ones use bigger chunks
// to keep the event count sane. Chunk boundaries are always whitespace.
const (
	shortResponseWords = 48
	shortChunkWords    = 6
	longChunkWords     = 12
)

// Gateway owns the WebSocket endpoints. It authenticates the first frame,
// registers connections in the pool, and runs the dispatch loop.
type Gateway struct {
	cfg      config.ChatConfig
	pool     *Pool
	auth     auth.Provider
	store    store.Store
	agent    agent.Agent
	tools    []string
	metrics  *Metrics
	upgrader websocket.Upgrader
	logger   *slog.Logger
	running  atomic.Bool
}

func NewGateway(
	cfg config.ChatConfig,
	origin *OriginValidator,
	pool *Pool,
	authProvider auth.Provider,
	st store.Store,
	ag agent.Agent,
	tools []string,
	metrics *Metrics,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		cfg:     cfg,
		pool:    pool,
		auth:    authProvider,
		store:   st,
		agent:   ag,
		tools:   tools,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     origin.CheckOrigin,
		},
		logger: logger,
	}
}

// Start marks the gateway as accepting connections.
func (g *Gateway) Start() { g.running.Store(true) }

// Stop rejects new connections and closes every registered one.
func (g *Gateway) Stop() {
	g.running.Store(false)
	g.pool.CloseAll()
}

// Running reports whether the gateway is accepting connections.
func (g *Gateway) Running() bool { return g.running.Load() }

// Pool exposes the connection pool for the admin endpoints.
func (g *Gateway) Pool() *Pool { return g.pool }

// Metrics exposes the transport counters for the health endpoint.
func (g *Gateway) Metrics() *Metrics { return g.metrics }

// HandleChat serves GET /ws/chat/{session_id}.
func (g *Gateway) HandleChat(w http.ResponseWriter, req *http.Request) {
	g.serve(w, req, chi.URLParam(req, "session_id"), "")
}

// HandleAgentStatus serves GET /ws/agent-status/{user_id}. Status
// connections carry no session, so chat messages on them are rejected
// with a recoverable error event.
func (g *Gateway) HandleAgentStatus(w http.ResponseWriter, req *http.Request) {
	g.serve(w, req, "", chi.URLParam(req, "user_id"))
}

func (g *Gateway) serve(w http.ResponseWriter, req *http.Request, sessionID, statusUserID string) {
	if !g.running.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	// CheckOrigin runs inside Upgrade; a rejected origin never completes
	// the handshake and the client sees HTTP 403.
	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote", req.RemoteAddr)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(g.cfg.MaxMessageBytes)

	// First frame must be the auth request.
	_ = conn.SetReadDeadline(time.Now().Add(authReadTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		g.logger.Warn("auth frame read failed", "error", err, "remote", req.RemoteAddr)
		return
	}

	var authReq protocol.AuthRequest
	if err := json.Unmarshal(msg, &authReq); err != nil || authReq.Token == "" {
		g.logger.Warn("malformed auth request", "remote", req.RemoteAddr)
		closeWith(conn, protocol.CloseMalformedAuth, "malformed auth request")
		return
	}

	identity, err := g.auth.ValidateToken(req.Context(), authReq.Token)
	if err != nil {
		g.logger.Warn("websocket auth rejected", "error", err, "remote", req.RemoteAddr)
		g.rejectAuth(conn, "invalid or expired token")
		return
	}

	if statusUserID != "" && statusUserID != identity.UserID {
		g.logger.Warn("status connection user mismatch", "path_user", statusUserID, "token_user", identity.UserID)
		g.rejectAuth(conn, "token does not match requested user")
		return
	}

	if sessionID != "" {
		sess, err := g.store.GetSession(req.Context(), sessionID)
		if err != nil {
			g.logger.Error("session lookup failed", "error", err, "session_id", sessionID)
			g.rejectAuth(conn, "session lookup failed")
			return
		}
		if sess == nil || sess.UserID != identity.UserID {
			g.rejectAuth(conn, "session not found")
			return
		}
	}

	c := &Conn{
		ID:          uuid.New().String(),
		UserID:      identity.UserID,
		SessionID:   sessionID,
		Channels:    authReq.Channels,
		Binary:      authReq.Binary,
		ConnectedAt: time.Now(),
		ws:          conn,
	}
	c.batcher = newBatcher(batcherOptions{
		batchSize:             g.cfg.BatchSize,
		batchTimeout:          g.cfg.BatchTimeout.Duration,
		compressionThreshold:  g.cfg.CompressionThreshold,
		compressionMinRatio:   g.cfg.CompressionMinRatio,
		maxQueueSize:          g.cfg.MaxQueueSize,
		backpressureThreshold: g.cfg.BackpressureThreshold,
		binary:                authReq.Binary,
	}, c.write, g.metrics, g.logger.With("connection_id", c.ID))

	if err := g.pool.Add(c); err != nil {
		g.logger.Warn("connection rejected", "error", err, "user_id", identity.UserID)
		closeWith(conn, protocol.CloseCapacityExceeded, "capacity exceeded")
		return
	}

	stopKeepalive := startKeepalive(conn, &c.writeMu)

	// The one teardown path. Whatever breaks the loop, the connection
	// leaves the pool exactly once and its batcher flushes what it has.
	defer func() {
		stopKeepalive()
		g.pool.Remove(c.ID)
	}()

	established := protocol.NewEvent(protocol.EventConnectionEstablished, c.UserID, c.SessionID)
	established["connection_id"] = c.ID
	established["binary"] = c.Binary
	c.Send(established)

	g.logger.Info("websocket connected",
		"connection_id", c.ID, "user_id", c.UserID, "session_id", c.SessionID)

	g.dispatchLoop(c, conn)
}

// rejectAuth emits a structured error event, then closes with the
// unauthorized code so the client knows not to retry with the same token.
func (g *Gateway) rejectAuth(conn *websocket.Conn, reason string) {
	data, err := json.Marshal(protocol.ErrorEvent("unauthorized", reason))
	if err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	closeWith(conn, protocol.CloseUnauthorized, "unauthorized")
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(controlWait))
	_ = conn.Close()
}

// dispatchLoop reads frames until the peer goes away. A read error of any
// kind is a disconnect, not a failure. Malformed payloads and unknown
// types never close the connection.
func (g *Gateway) dispatchLoop(c *Conn, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("websocket read ended", "connection_id", c.ID, "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		// Reads slow down while the outbound queue is under pressure.
		if c.batcher.UnderPressure() {
			time.Sleep(50 * time.Millisecond)
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			c.Send(protocol.ErrorEvent("malformed_payload", "could not parse message"))
			continue
		}

		switch frame.Type {
		case protocol.TypeChatMessage:
			g.handleChatMessage(c, frame.Payload)
		case protocol.TypeHeartbeat:
			ack := protocol.NewEvent(protocol.EventHeartbeatAck, "", "")
			ack["timestamp"] = time.Now().UTC().Format(time.RFC3339)
			c.Send(ack)
		case protocol.TypePing:
			c.Send(protocol.NewEvent(protocol.EventPong, "", ""))
		case protocol.TypeSubscribe:
			g.pool.UpdateChannels(c.ID, frame.Payload.Channels)
			ack := protocol.NewEvent(protocol.EventSubscribeAck, "", "")
			ack["channels"] = frame.Payload.Channels
			c.Send(ack)
		default:
			g.logger.Debug("ignoring unknown message type", "type", frame.Type, "connection_id", c.ID)
		}
	}
}

// handleChatMessage validates the content and hands the agent round trip
// to its own goroutine so the dispatch loop keeps answering heartbeats
// while the planner thinks.
func (g *Gateway) handleChatMessage(c *Conn, payload protocol.FramePayload) {
	if c.SessionID == "" {
		c.Send(protocol.ErrorEvent("no_session", "this connection does not carry a chat session"))
		return
	}
	content := strings.TrimSpace(payload.Content)
	if content == "" {
		c.Send(protocol.ErrorEvent("empty_message", "message content must not be empty"))
		return
	}
	go g.runChat(c, content)
}

// runChat persists the user message, runs the planner, and streams the
// response to the whole session in ordered word chunks.
func (g *Gateway) runChat(c *Conn, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.AgentTimeout.Duration)
	defer cancel()

	if _, err := g.store.AddMessage(ctx, c.SessionID, c.UserID, "user", content); err != nil {
		g.logger.Error("persist user message failed", "error", err, "session_id", c.SessionID)
		c.Send(protocol.ErrorEvent("persistence_failed", "could not store message"))
		return
	}
	if err := g.store.TouchSession(ctx, c.SessionID); err != nil {
		g.logger.Debug("touch session failed", "error", err, "session_id", c.SessionID)
	}

	// Everyone in the session sees the typing indicator, not just the
	// sender.
	g.pool.BroadcastToSession(c.SessionID, protocol.NewEvent(protocol.EventTypingStarted, c.UserID, c.SessionID))

	result, err := g.agent.RunWithTools(ctx, content, agent.Context{
		UserID:    c.UserID,
		SessionID: c.SessionID,
	}, g.tools)

	g.pool.BroadcastToSession(c.SessionID, protocol.NewEvent(protocol.EventTypingStopped, c.UserID, c.SessionID))

	if err != nil {
		g.logger.Error("agent call failed", "error", err, "session_id", c.SessionID)
		c.Send(protocol.ErrorEvent("agent_failed", "the travel planner could not answer, try again"))
		return
	}

	chunks := chunkWords(result.Content)
	for i, chunk := range chunks {
		g.pool.BroadcastToSession(c.SessionID, protocol.ChunkEvent(c.SessionID, chunk, i, i == len(chunks)-1))
	}

	completed := protocol.NewEvent(protocol.EventChatCompleted, c.UserID, c.SessionID)
	completed["total_chunks"] = len(chunks)
	if len(result.ToolCalls) > 0 {
		completed["tool_calls"] = len(result.ToolCalls)
	}
	g.pool.BroadcastToSession(c.SessionID, completed)

	if _, err := g.store.AddMessage(context.Background(), c.SessionID, c.UserID, "assistant", result.Content); err != nil {
		g.logger.Error("persist assistant message failed", "error", err, "session_id", c.SessionID)
	}
}

// chunkWords splits content on whitespace into ordered chunks. Always
// returns at least one chunk so the final marker has somewhere to live.
func chunkWords(content string) []string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return []string{content}
	}

	size := longChunkWords
	if len(words) <= shortResponseWords {
		size = shortChunkWords
	}

	chunks := make([]string, 0, (len(words)+size-1)/size)
	for i := 0; i < len(words); i += size {
		end := min(i+size, len(words))
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}
