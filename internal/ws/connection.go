package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxMessageSize = 1 << 20

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// Connection represents an upgraded WebSocket session bound to one document.
type Connection struct {
	conn      *websocket.Conn
	identity  ClientIdentity
	document  string
	registry  *ConnectionRegistry
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts    connectionOptions
	onClose func()
}

func newConnection(wsConn *websocket.Conn, id ClientIdentity, documentID string, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     wsConn,
		identity: id,
		document: documentID,
		registry: registry,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
}

// DocumentID returns the bound document identifier.
func (c *Connection) DocumentID() string { return c.document }

// ClientID returns the authenticated client identifier.
func (c *Connection) ClientID() string { return c.identity.ClientID }

// Metadata exposes the caller-supplied client metadata, if any.
func (c *Connection) Metadata() map[string]string { return c.identity.Metadata }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Registry returns the shared connection registry so hooks can fan out.
func (c *Connection) Registry() *ConnectionRegistry { return c.registry }

// SendJSON marshals v and enqueues it for delivery.
func (c *Connection) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendText(data)
}

// SendText enqueues a text payload for the writer goroutine. A client that
// cannot keep up is disconnected.
func (c *Connection) SendText(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	select {
	case c.send <- payload:
		wsQueueDepth.Observe(float64(len(c.send)))
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		wsDropped.Inc()
		c.Close()
		return errSendBufferFull
	}
}

// Run starts the write pump and reads until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop()
	}()

	if hooks.OnConnect != nil {
		if err := hooks.OnConnect(c.ctx, c); err != nil {
			c.logger.Warn().Err(err).Msg("connect hook failed")
			c.Close()
		}
	}

	if err := c.readLoop(hooks); err != nil && !isNormalClose(err) {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	<-done

	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readDeadline() time.Time {
	if c.opts.heartbeatInterval <= 0 {
		return time.Time{}
	}
	tolerance := c.opts.heartbeatTolerance
	if tolerance < 1 {
		tolerance = 1
	}
	return time.Now().Add(c.opts.heartbeatInterval * time.Duration(tolerance+1))
}

func (c *Connection) readLoop(hooks Hooks) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(c.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(c.readDeadline())
	})

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			c.reply(ServerMessage{Type: TypeError, Document: c.document, Error: "binary frames not supported"})
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.reply(ServerMessage{Type: TypeError, Document: c.document, Error: fmt.Sprintf("decode message: %v", err)})
			continue
		}
		if err := c.dispatch(hooks, msg); err != nil {
			c.reply(ServerMessage{Type: TypeError, Document: c.document, Error: err.Error()})
		}
	}
}

func (c *Connection) dispatch(hooks Hooks, msg ClientMessage) error {
	ctx, span := tracer.Start(c.ctx, "ws.message", trace.WithAttributes(
		attribute.String("document", c.document),
		attribute.String("type", msg.Type),
	))
	defer span.End()
	wsMessages.WithLabelValues(msg.Type).Inc()

	if hooks.OnMessage == nil {
		return nil
	}
	if err := hooks.OnMessage(ctx, c, msg); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (c *Connection) reply(msg ServerMessage) {
	if err := c.SendJSON(msg); err != nil {
		c.logger.Debug().Err(err).Msg("reply dropped")
	}
}

func (c *Connection) writeLoop() {
	var tick <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			deadline := time.Now().Add(c.opts.writeTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, context.Canceled)
}

// Hooks are invoked by each connection. OnMessage errors are reported to the
// client as an error message and do not close the connection.
type Hooks struct {
	OnConnect    ConnectHook
	OnMessage    MessageHook
	OnDisconnect DisconnectHook
}

type ConnectHook func(ctx context.Context, conn *Connection) error
type MessageHook func(ctx context.Context, conn *Connection, msg ClientMessage) error
type DisconnectHook func(conn *Connection)

type ClientIdentity struct {
	ClientID   string
	DocumentID string
	Metadata   map[string]string
}
