package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Authenticator verifies the inbound HTTP request before the connection is
// upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (ClientIdentity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (ClientIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (ClientIdentity, error) {
	return f(r)
}

// QueryAuthenticator takes the client id from the client_id query parameter
// and assigns a random one when it is absent.
var QueryAuthenticator = AuthFunc(func(r *http.Request) (ClientIdentity, error) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return ClientIdentity{ClientID: clientID}, nil
})

// GatewayConfig tunes connection handling. Zero values select defaults.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	// DefaultDocument is used when the request names no document.
	DefaultDocument string
	// CheckOrigin overrides the upgrader's origin check. Nil accepts every
	// origin.
	CheckOrigin func(r *http.Request) bool
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTolerance == 0 {
		c.HeartbeatTolerance = 2
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// Gateway is the /ws endpoint. Each upgraded connection joins the registry
// room of its document and is driven by the configured Hooks.
type Gateway struct {
	auth     Authenticator
	registry *ConnectionRegistry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway wires a gateway. auth and registry are required.
func NewGateway(auth Authenticator, registry *ConnectionRegistry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	switch {
	case auth == nil:
		return nil, errors.New("authenticator is required")
	case registry == nil:
		return nil, errors.New("connection registry is required")
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		auth:     auth,
		registry: registry,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}, nil
}

func (g *Gateway) reject(w http.ResponseWriter, status int, reason string) {
	wsRejected.WithLabelValues(reason).Inc()
	http.Error(w, reason, status)
}

// document picks the room for a request: the identity's document, then the
// document_id query parameter, then the configured default.
func (g *Gateway) document(r *http.Request, id ClientIdentity) string {
	if id.DocumentID != "" {
		return id.DocumentID
	}
	if doc := r.URL.Query().Get("document_id"); doc != "" {
		return doc
	}
	return g.cfg.DefaultDocument
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.reject(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	identity, err := g.auth.Authenticate(r)
	if err != nil || identity.ClientID == "" {
		g.reject(w, http.StatusUnauthorized, "missing client identity")
		return
	}
	documentID := g.document(r, identity)
	if documentID == "" {
		g.reject(w, http.StatusBadRequest, "missing document_id")
		return
	}

	start := time.Now()
	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		wsRejected.WithLabelValues("upgrade failed").Inc()
		g.logger.Warn().Err(err).Str("document", documentID).Msg("websocket upgrade failed")
		return
	}
	wsUpgradeSeconds.Observe(time.Since(start).Seconds())

	logger := g.logger.With().Str("document", documentID).Str("client", identity.ClientID).Logger()
	var conn *Connection
	conn = newConnection(wsConn, identity, documentID, g.registry, logger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
	}, func() {
		g.registry.Unregister(documentID, conn)
	})
	g.registry.Register(documentID, conn)
	logger.Info().Msg("websocket connection established")

	go conn.Run(g.hooks)
}
