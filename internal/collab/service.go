// Package collab applies edits to documents: it mutates the CRDT engine,
// records the resulting event in the WAL, pushes the refreshed node list to
// websocket subscribers and ships the change to peer instances.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/observability"
	"github.com/example/treedoc/internal/types"
	"github.com/example/treedoc/internal/wire"
	"github.com/example/treedoc/internal/ws"
)

// ErrInvalidValue is returned when an insert does not carry exactly one
// character.
var ErrInvalidValue = errors.New("value must be exactly one character")

// Appender is the WAL write used by the service.
type Appender interface {
	AppendOperation(ctx context.Context, docID types.DocumentID, op types.WALRecord) (int64, error)
}

// Publisher ships local events to peer instances.
type Publisher interface {
	PublishEvent(ctx context.Context, evt crdt.Event) error
}

// Service is the single entry point for document edits from HTTP, websocket
// clients and peers. Reads go straight to the engine.
type Service struct {
	engine    *crdt.Engine
	wal       Appender
	registry  *ws.ConnectionRegistry
	publisher Publisher
	logger    zerolog.Logger
}

// Option configures optional collaborators.
type Option func(*Service)

// WithWAL records every change in the write-ahead log.
func WithWAL(wal Appender) Option {
	return func(s *Service) { s.wal = wal }
}

// WithRegistry pushes node snapshots to websocket subscribers.
func WithRegistry(registry *ws.ConnectionRegistry) Option {
	return func(s *Service) { s.registry = registry }
}

// WithPublisher ships local changes to peers.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// NewService constructs a Service around engine.
func NewService(engine *crdt.Engine, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{engine: engine, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine exposes the underlying engine for reads.
func (s *Service) Engine() *crdt.Engine { return s.engine }

// ParseValue normalises raw to NFC and returns its single character.
func ParseValue(raw string) (rune, error) {
	value := norm.NFC.String(raw)
	if utf8.RuneCountInString(value) != 1 {
		return 0, fmt.Errorf("%w: got %q", ErrInvalidValue, raw)
	}
	r, _ := utf8.DecodeRuneInString(value)
	if r == utf8.RuneError {
		return 0, fmt.Errorf("%w: invalid utf-8", ErrInvalidValue)
	}
	return r, nil
}

// Insert adds one character under parent and returns the stored node.
func (s *Service) Insert(ctx context.Context, docID types.DocumentID, client types.ClientID, value string, parent crdt.NodeID) (crdt.Node, error) {
	r, err := ParseValue(value)
	if err != nil {
		return crdt.Node{}, err
	}
	node, evt, err := s.engine.Insert(ctx, docID, r, parent)
	if err != nil {
		return crdt.Node{}, err
	}
	return node, s.commit(ctx, client, evt, true)
}

// Delete tombstones id. Deleting an unknown or already deleted node is a
// no-op and reports false.
func (s *Service) Delete(ctx context.Context, docID types.DocumentID, client types.ClientID, id crdt.NodeID) (bool, error) {
	if id.IsRoot() {
		return false, nil
	}
	evt, changed := s.engine.Delete(ctx, docID, id)
	if !changed {
		return false, nil
	}
	return true, s.commit(ctx, client, evt, true)
}

// Merge folds nodes and tombstones sent by a client into the document.
func (s *Service) Merge(ctx context.Context, docID types.DocumentID, client types.ClientID, nodes []crdt.Node, deleted []crdt.NodeID) (crdt.MergeResult, error) {
	evt, result := s.engine.Merge(ctx, docID, nodes, deleted)
	if evt.Empty() {
		return result, nil
	}
	return result, s.commit(ctx, client, evt, true)
}

// ApplyRemote merges a frame received from a peer instance. The change is
// recorded and shown to local clients but not published again.
func (s *Service) ApplyRemote(ctx context.Context, frame wire.Frame) error {
	evt, _ := s.engine.Merge(ctx, frame.Document, frame.Nodes, frame.Deleted)
	if evt.Empty() {
		return nil
	}
	return s.commit(ctx, types.ClientID(frame.Origin), evt, false)
}

func (s *Service) commit(ctx context.Context, client types.ClientID, evt crdt.Event, publish bool) error {
	logger := observability.LoggerWithTrace(ctx, s.logger).With().
		Str("document", string(evt.Document)).
		Str("event", string(evt.Type)).
		Logger()

	var walErr error
	if s.wal != nil {
		walErr = s.persist(ctx, client, evt)
		if walErr != nil {
			logger.Error().Err(walErr).Msg("failed to append event to WAL")
		}
	}

	s.PushSnapshot(evt.Document)

	if publish && s.publisher != nil {
		if err := s.publisher.PublishEvent(ctx, evt); err != nil {
			// Anti-entropy delivers the change later.
			logger.Warn().Err(err).Msg("failed to publish event to peers")
		}
	}
	return walErr
}

func (s *Service) persist(ctx context.Context, client types.ClientID, evt crdt.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	opID := types.OperationID(uuid.NewString())
	lsn, err := s.wal.AppendOperation(ctx, evt.Document, types.WALRecord{
		Operation: opID,
		Client:    client,
		Payload:   payload,
		Version:   s.engine.Version(evt.Document),
	})
	if err != nil {
		return fmt.Errorf("append %s event: %w", evt.Type, err)
	}
	s.engine.MarkApplied(evt.Document, lsn, opID)
	return nil
}

// PushSnapshot sends the document's full node list to its websocket
// subscribers.
func (s *Service) PushSnapshot(docID types.DocumentID) int {
	if s.registry == nil {
		return 0
	}
	return s.registry.BroadcastJSON(string(docID), ws.SnapshotMessage(string(docID), s.engine.Nodes(docID)), nil)
}

// Hooks returns the websocket hooks that route client messages through the
// service.
func (s *Service) Hooks() ws.Hooks {
	return ws.Hooks{
		OnConnect: func(_ context.Context, conn *ws.Connection) error {
			docID := types.DocumentID(conn.DocumentID())
			return conn.SendJSON(ws.SnapshotMessage(conn.DocumentID(), s.engine.Nodes(docID)))
		},
		OnMessage: s.handleMessage,
		OnDisconnect: func(conn *ws.Connection) {
			s.logger.Debug().Str("document", conn.DocumentID()).Str("client", conn.ClientID()).Msg("websocket client left")
		},
	}
}

func (s *Service) handleMessage(ctx context.Context, conn *ws.Connection, msg ws.ClientMessage) error {
	docID := types.DocumentID(conn.DocumentID())
	client := types.ClientID(conn.ClientID())

	switch msg.Type {
	case ws.TypeInsert:
		parent, err := crdt.ParseNodeID(defaultString(msg.ParentID, crdt.RootID.String()))
		if err != nil {
			return err
		}
		node, err := s.Insert(ctx, docID, client, msg.Value, parent)
		if err != nil {
			return err
		}
		return conn.SendJSON(ws.ServerMessage{Type: ws.TypeInserted, Document: string(docID), ID: node.ID.String()})
	case ws.TypeDelete:
		id, err := messageNodeID(msg)
		if err != nil {
			return err
		}
		_, err = s.Delete(ctx, docID, client, id)
		return err
	case ws.TypeMerge:
		_, err := s.Merge(ctx, docID, client, msg.Nodes, msg.Deleted)
		return err
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func messageNodeID(msg ws.ClientMessage) (crdt.NodeID, error) {
	if msg.ID != "" {
		return crdt.ParseNodeID(msg.ID)
	}
	if msg.SiteID == "" || msg.Clock <= 0 {
		return crdt.NodeID{}, fmt.Errorf("%w: delete needs id or siteId and clock", crdt.ErrMalformedID)
	}
	return crdt.NodeID{Site: msg.SiteID, Clock: msg.Clock}, nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
