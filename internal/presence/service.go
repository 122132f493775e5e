// Package presence keeps the roster of clients attached to each document.
// With a Redis client the roster is shared between instances; without one it
// covers the local process only.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/treedoc/internal/ws"
)

const defaultTTL = 45 * time.Second

// Service tracks presence heartbeats and relays roster changes to websocket
// clients.
type Service struct {
	shared   *shared
	registry *ws.ConnectionRegistry
	site     string
	logger   zerolog.Logger
	ttl      time.Duration
	now      func() time.Time
	local    *roster
}

// Option customises a Service.
type Option func(*Service)

// WithTTL sets how long a client stays listed without a heartbeat.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService builds a presence service. client and registry may be nil.
func NewService(client *redis.Client, registry *ws.ConnectionRegistry, site string, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		site:     site,
		logger:   logger.With().Str("component", "presence").Logger(),
		ttl:      defaultTTL,
		now:      func() time.Time { return time.Now().UTC() },
		local:    newRoster(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if client != nil {
		s.shared = &shared{client: client, ttl: s.ttl}
	}
	return s
}

// Start runs the expiry sweep and, with Redis, the peer subscription.
func (s *Service) Start(ctx context.Context) {
	if s.shared != nil {
		go s.subscribe(ctx)
	}
	go func() {
		ticker := time.NewTicker(s.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pruneExpired()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Touch marks client as present on the document and notifies everyone else
// attached to it.
func (s *Service) Touch(ctx context.Context, documentID, clientID string, metadata map[string]string, skip *ws.Connection) error {
	if documentID == "" || clientID == "" {
		return errors.New("presence update missing identifiers")
	}
	return s.update(ctx, ws.PresenceEntry{
		Document: documentID,
		Client:   clientID,
		Site:     s.site,
		Metadata: metadata,
		SeenAt:   s.now(),
	}, skip)
}

// Clear drops client from the document's roster.
func (s *Service) Clear(ctx context.Context, documentID, clientID string) {
	if documentID == "" || clientID == "" {
		return
	}
	err := s.update(ctx, ws.PresenceEntry{
		Document:     documentID,
		Client:       clientID,
		Site:         s.site,
		SeenAt:       s.now(),
		Disconnected: true,
	}, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("document", documentID).Str("client", clientID).Msg("presence removal not shared")
	}
}

func (s *Service) update(ctx context.Context, entry ws.PresenceEntry, skip *ws.Connection) error {
	s.local.apply(entry)
	s.notify(entry, skip)
	if s.shared == nil {
		return nil
	}
	return s.shared.save(ctx, entry)
}

// Roster lists the clients on documentID, sorted by client id.
func (s *Service) Roster(ctx context.Context, documentID string) ([]ws.PresenceEntry, error) {
	if s.shared == nil {
		return s.local.list(documentID), nil
	}
	entries, err := s.shared.load(ctx, documentID, s.now().Add(-s.ttl))
	if err != nil {
		return nil, err
	}
	s.local.replace(documentID, entries)
	return entries, nil
}

// SendRoster sends the full roster to conn.
func (s *Service) SendRoster(ctx context.Context, conn *ws.Connection) error {
	entries, err := s.Roster(ctx, conn.DocumentID())
	if err != nil {
		return err
	}
	msg := ws.ServerMessage{Type: ws.TypePresence, Document: conn.DocumentID(), Presence: entries}
	if err := conn.SendJSON(msg); err != nil {
		return fmt.Errorf("send roster: %w", err)
	}
	return nil
}

func (s *Service) pruneExpired() {
	for _, gone := range s.local.stale(s.now().Add(-s.ttl)) {
		s.logger.Debug().Str("document", gone.Document).Str("client", gone.Client).Msg("presence expired")
		s.local.apply(gone)
		s.notify(gone, nil)
	}
}

func (s *Service) subscribe(ctx context.Context) {
	sub := s.shared.client.Subscribe(ctx, updateChannel)
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			entry, err := decodeEntry([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn().Err(err).Msg("dropping malformed presence update")
				continue
			}
			if entry.Site == s.site {
				continue
			}
			s.local.apply(entry)
			s.notify(entry, nil)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) notify(entry ws.PresenceEntry, skip *ws.Connection) {
	if s.registry == nil {
		return
	}
	s.registry.BroadcastJSON(entry.Document, ws.ServerMessage{
		Type:     ws.TypePresence,
		Document: entry.Document,
		Presence: []ws.PresenceEntry{entry},
	}, skip)
}

// WrapHooks layers presence onto base: pings refresh the heartbeat, a new
// connection is announced and receives the roster, and a disconnect clears
// the client.
func (s *Service) WrapHooks(base ws.Hooks) ws.Hooks {
	onMessage, onConnect, onDisconnect := base.OnMessage, base.OnConnect, base.OnDisconnect

	base.OnMessage = func(ctx context.Context, conn *ws.Connection, msg ws.ClientMessage) error {
		if msg.Type == ws.TypePing {
			return s.Touch(ctx, conn.DocumentID(), conn.ClientID(), msg.Metadata, nil)
		}
		if onMessage == nil {
			return nil
		}
		return onMessage(ctx, conn, msg)
	}
	base.OnConnect = func(ctx context.Context, conn *ws.Connection) error {
		if onConnect != nil {
			if err := onConnect(ctx, conn); err != nil {
				return err
			}
		}
		if err := s.Touch(ctx, conn.DocumentID(), conn.ClientID(), conn.Metadata(), conn); err != nil {
			return err
		}
		return s.SendRoster(ctx, conn)
	}
	base.OnDisconnect = func(conn *ws.Connection) {
		if onDisconnect != nil {
			onDisconnect(conn)
		}
		s.Clear(context.Background(), conn.DocumentID(), conn.ClientID())
	}
	return base
}
