package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/defipilot/defipilot/internal/llm"
	"github.com/defipilot/defipilot/internal/observability"
	"github.com/defipilot/defipilot/pkg/models"
)

// errQueueFull reports a connection whose outbound buffer overflowed.
var errQueueFull = errors.New("outbound queue full")

// conn is one websocket connection. The read pump dispatches inbound
// frames; the write pump owns the socket for writes. Outbound frames pass
// through a bounded channel so a slow client backs up its own buffer, and
// overflow drops the connection rather than blocking the server.
type conn struct {
	ws        *websocket.Conn
	sessionID string

	server *Server
	logger *slog.Logger

	send chan []byte

	// lastActivity is unix nanos of the latest inbound frame.
	lastActivity atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, server *Server) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:        ws,
		sessionID: uuid.NewString(),
		server:    server,
		send:      make(chan []byte, server.config.MessageQueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.logger = server.logger.With("session_id", c.sessionID)
	c.touch()
	return c
}

func (c *conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *conn) idleSince() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// enqueue queues an outbound frame, failing fast when the buffer is full.
func (c *conn) enqueue(frame []byte, err error) error {
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// sendOrDrop enqueues a frame; overflow closes the connection as overloaded.
func (c *conn) sendOrDrop(frame []byte, err error) {
	if qErr := c.enqueue(frame, err); qErr != nil {
		if errors.Is(qErr, errQueueFull) {
			c.logger.Warn("outbound queue full, dropping connection")
			c.close(websocket.CloseTryAgainLater, "Server overloaded")
			return
		}
		c.logger.Error("failed to build frame", "error", qErr)
	}
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.cancel()
		_ = c.ws.Close()
	})
}

// readPump reads frames until the connection dies. Runs on its own
// goroutine; exit triggers connection teardown.
func (c *conn) readPump() {
	defer func() {
		c.cancel()
		c.server.removeConn(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection closed unexpectedly", "error", err)
			}
			return
		}
		c.touch()
		c.dispatch(data)
	}
}

// writePump owns socket writes and keeps the client alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.server.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame.
func (c *conn) dispatch(data []byte) {
	frame, err := ParseFrame(data)
	if err != nil {
		c.logger.Warn("rejecting malformed frame", "error", err)
		c.sendOrDrop(ErrorFrame("", models.NewErrorDescriptor(models.ErrCodeInvalidMessage, err.Error())))
		return
	}

	if c.server.metrics != nil {
		c.server.metrics.MessageCounter.WithLabelValues(frame.Type).Inc()
	}

	switch frame.Type {
	case FramePing:
		c.sendOrDrop(PongFrame(frame.ID))

	case FrameChatMessage:
		payload, err := ParseChatPayload(frame.Payload)
		if err != nil {
			c.logger.Warn("rejecting invalid chat payload", "error", err)
			c.sendOrDrop(ErrorFrame(frame.ID, models.NewErrorDescriptor(models.ErrCodeInvalidMessage, err.Error())))
			return
		}
		// Per-session ordering comes from the session lock, so each chat
		// message gets its own goroutine.
		go c.handleChat(frame.ID, payload)

	default:
		c.logger.Warn("ignoring unknown frame type", "type", frame.Type)
	}
}

func (c *conn) handleChat(frameID string, payload *ChatPayload) {
	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}

	ctx := observability.AddSessionID(observability.AddRequestID(c.ctx, frameID), sessionID)

	if payload.Stream {
		c.handleChatStream(ctx, frameID, sessionID, payload)
		return
	}

	reply := c.server.orchestrator.Process(ctx, sessionID, payload.Message, payload.History)
	if c.ctx.Err() != nil {
		// Connection is gone; nobody to reply to.
		return
	}
	c.sendOrDrop(ChatResponseFrame(frameID, sessionID, reply))
}

// handleChatStream forwards deltas as STREAM_CHUNK frames and finishes with
// STREAM_END carrying the full message. STREAM_END stands in for
// CHAT_RESPONSE on streamed requests.
func (c *conn) handleChatStream(ctx context.Context, frameID, sessionID string, payload *ChatPayload) {
	var failed atomic.Bool

	reply := c.server.orchestrator.ProcessStream(ctx, sessionID, payload.Message, payload.History, func(ev llm.StreamEvent) {
		switch {
		case ev.Delta != "":
			c.sendOrDrop(StreamChunkFrame(frameID, sessionID, ev.Delta))
		case ev.Err != nil:
			failed.Store(true)
		}
	})
	if c.ctx.Err() != nil {
		return
	}

	if failed.Load() || reply.Error != nil {
		desc := reply.Error
		if desc == nil {
			desc = models.NewErrorDescriptor(models.ErrCodeLLM, "stream failed")
		}
		c.sendOrDrop(ErrorFrame(frameID, desc))
		return
	}
	c.sendOrDrop(StreamEndFrame(frameID, sessionID, reply))
}
