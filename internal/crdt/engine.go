package crdt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/treedoc/internal/types"
)

// EventType enumerates CRDT state transitions.
type EventType string

const (
	EventInsert EventType = "insert"
	EventDelete EventType = "delete"
	EventMerge  EventType = "merge"
)

// Event describes a change to one document's tree. Replaying an event is a
// merge of its nodes and tombstones, so events can be applied any number of
// times and in any order.
type Event struct {
	Type     EventType        `json:"type"`
	Document types.DocumentID `json:"document_id"`
	Nodes    []Node           `json:"nodes,omitempty"`
	Deleted  []NodeID         `json:"deleted,omitempty"`
}

// Empty reports whether the event carries no state.
func (e Event) Empty() bool {
	return len(e.Nodes) == 0 && len(e.Deleted) == 0
}

// DecodeEvent unmarshals an event from its WAL payload.
func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}

// replica pairs one document's buffer with the lock that serializes access to
// it and the WAL position it reflects.
type replica struct {
	mu      sync.RWMutex
	buf     *Buffer
	lastLSN int64
	lastOp  types.OperationID
}

// Engine hosts one Buffer per document for a single site and serializes every
// call into a given buffer.
type Engine struct {
	mu       sync.RWMutex
	siteID   string
	replicas map[types.DocumentID]*replica
	logger   zerolog.Logger
}

// NewEngine constructs an Engine with the provided site identifier and logger.
func NewEngine(siteID string, logger zerolog.Logger) *Engine {
	return &Engine{
		siteID:   siteID,
		replicas: make(map[types.DocumentID]*replica),
		logger:   logger,
	}
}

// SiteID returns the site identifier used for local inserts.
func (e *Engine) SiteID() string { return e.siteID }

// lookup returns the document's replica without creating one.
func (e *Engine) lookup(docID types.DocumentID) (*replica, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.replicas[docID]
	return r, ok
}

func (e *Engine) replica(docID types.DocumentID) *replica {
	e.mu.RLock()
	r, ok := e.replicas[docID]
	e.mu.RUnlock()
	if ok {
		return r
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok = e.replicas[docID]; ok {
		return r
	}
	r = &replica{buf: NewBuffer(e.siteID)}
	e.replicas[docID] = r
	documentCount.Set(float64(len(e.replicas)))
	return r
}

// Insert adds value under parent in the document and returns the stored node
// together with the event to persist and broadcast.
func (e *Engine) Insert(ctx context.Context, docID types.DocumentID, value rune, parent NodeID) (Node, Event, error) {
	_, span := tracer.Start(ctx, "crdt.Insert", trace.WithAttributes(
		attribute.String("document", string(docID)),
		attribute.String("parent", parent.String()),
	))
	defer span.End()

	r := e.replica(docID)
	r.mu.Lock()
	id, err := r.buf.Insert(value, parent)
	var node Node
	if err == nil {
		node, _ = r.buf.Node(id)
	}
	r.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		return Node{}, Event{}, err
	}
	operations.WithLabelValues(string(EventInsert)).Inc()
	return node, Event{Type: EventInsert, Document: docID, Nodes: []Node{node}}, nil
}

// Delete tombstones id in the document. The returned flag is false when the
// id was unknown or already deleted, in which case the event is empty.
func (e *Engine) Delete(ctx context.Context, docID types.DocumentID, id NodeID) (Event, bool) {
	_, span := tracer.Start(ctx, "crdt.Delete", trace.WithAttributes(
		attribute.String("document", string(docID)),
		attribute.String("node", id.String()),
	))
	defer span.End()

	r, ok := e.lookup(docID)
	if !ok {
		return Event{}, false
	}
	r.mu.Lock()
	changed := r.buf.Delete(id.Site, id.Clock)
	r.mu.Unlock()

	if !changed {
		return Event{}, false
	}
	operations.WithLabelValues(string(EventDelete)).Inc()
	return Event{Type: EventDelete, Document: docID, Deleted: []NodeID{id}}, true
}

// Merge folds remote state into the document. The event carries only what
// actually changed locally.
func (e *Engine) Merge(ctx context.Context, docID types.DocumentID, nodes []Node, deleted []NodeID) (Event, MergeResult) {
	_, span := tracer.Start(ctx, "crdt.Merge", trace.WithAttributes(
		attribute.String("document", string(docID)),
		attribute.Int("nodes", len(nodes)),
		attribute.Int("deleted", len(deleted)),
	))
	defer span.End()

	start := time.Now()
	r := e.replica(docID)
	r.mu.Lock()
	result := r.buf.Merge(nodes, deleted)
	r.mu.Unlock()
	mergeLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	pendingNodes.WithLabelValues(string(docID)).Set(float64(result.Pending))

	if len(result.Rejected) > 0 {
		e.logger.Warn().Str("document", string(docID)).Int("rejected", len(result.Rejected)).Msg("dropped nodes with unusable clocks")
	}
	if result.Pending > 0 {
		e.logger.Debug().Str("document", string(docID)).Int("pending", result.Pending).Msg("nodes waiting for parents")
	}
	if !result.Changed() {
		return Event{}, result
	}
	operations.WithLabelValues(string(EventMerge)).Inc()
	return Event{Type: EventMerge, Document: docID, Nodes: result.Inserted, Deleted: result.Tombstoned}, result
}

// ApplyWAL replays a WAL record into the document and advances its applied
// position.
func (e *Engine) ApplyWAL(record types.WALRecord) error {
	start := time.Now()
	defer func() {
		applyLatency.WithLabelValues(string(record.Document)).Observe(time.Since(start).Seconds())
	}()

	r := e.replica(record.Document)
	if len(record.Payload) > 0 {
		evt, err := DecodeEvent(record.Payload)
		if err != nil {
			e.logger.Error().Err(err).Str("document", string(record.Document)).Msg("failed to decode WAL payload")
			return err
		}
		r.mu.Lock()
		r.buf.Merge(evt.Nodes, evt.Deleted)
		r.mu.Unlock()
	}

	e.MarkApplied(record.Document, record.LSN, record.Operation)
	return nil
}

// Restore replaces the document's state with a snapshot.
func (e *Engine) Restore(docID types.DocumentID, nodes []Node, lastOp types.OperationID, lsn int64) {
	r := e.replica(docID)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf.Clear()
	r.buf.Merge(nodes, nil)
	r.lastOp = lastOp
	r.lastLSN = lsn
}

// Clear resets the document to an empty tree.
func (e *Engine) Clear(docID types.DocumentID) {
	r, ok := e.lookup(docID)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Clear()
}

// MarkApplied records that the document reflects the WAL up to lsn.
func (e *Engine) MarkApplied(docID types.DocumentID, lsn int64, op types.OperationID) {
	r := e.replica(docID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if lsn > r.lastLSN {
		r.lastLSN = lsn
	}
	if op != "" {
		r.lastOp = op
	}
}

// Document returns the visible text.
func (e *Engine) Document(docID types.DocumentID) string {
	r, ok := e.lookup(docID)
	if !ok {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.Document()
}

// Nodes returns every node of the document in canonical order.
func (e *Engine) Nodes(docID types.DocumentID) []Node {
	r, ok := e.lookup(docID)
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.AllNodes()
}

// DeletedNodes returns the tombstoned nodes of the document.
func (e *Engine) DeletedNodes(docID types.DocumentID) []Node {
	r, ok := e.lookup(docID)
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.DeletedNodes()
}

// NodeIDAt returns the id at a visible position, or the root when out of range.
func (e *Engine) NodeIDAt(docID types.DocumentID, pos int) NodeID {
	r, ok := e.lookup(docID)
	if !ok {
		return RootID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.NodeIDAt(pos)
}

// LastInserted returns the id of the last local insert into the document.
func (e *Engine) LastInserted(docID types.DocumentID) NodeID {
	r, ok := e.lookup(docID)
	if !ok {
		return RootID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.LastInserted()
}

// NodeCount returns the number of nodes held for the document.
func (e *Engine) NodeCount(docID types.DocumentID, includeDeleted bool) int {
	r, ok := e.lookup(docID)
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.NodeCount(includeDeleted)
}

// Version returns the document's version vector.
func (e *Engine) Version(docID types.DocumentID) types.VectorClock {
	r, ok := e.lookup(docID)
	if !ok {
		return types.VectorClock{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.Version()
}

// Delta returns the nodes not covered by since plus all tombstones, along
// with the version the delta brings a receiver up to.
func (e *Engine) Delta(docID types.DocumentID, since types.VectorClock) ([]Node, []NodeID, types.VectorClock) {
	r, ok := e.lookup(docID)
	if !ok {
		return nil, nil, types.VectorClock{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes, deleted := r.buf.Delta(since)
	return nodes, deleted, r.buf.Version()
}

// LastLSN returns the highest applied WAL position for the document.
func (e *Engine) LastLSN(docID types.DocumentID) int64 {
	r, ok := e.lookup(docID)
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastLSN
}

// LastOperation returns the id of the last operation applied to the document.
func (e *Engine) LastOperation(docID types.DocumentID) types.OperationID {
	r, ok := e.lookup(docID)
	if !ok {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastOp
}

// Documents returns the list of documents currently loaded in memory.
func (e *Engine) Documents() []types.DocumentID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	docs := make([]types.DocumentID, 0, len(e.replicas))
	for docID := range e.replicas {
		docs = append(docs, docID)
	}
	return docs
}
