package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/snapshot"
	"github.com/example/treedoc/internal/storage"
	"github.com/example/treedoc/internal/types"
)

const (
	defaultCacheSize = 8
	defaultSite      = "playback"
)

var (
	// ErrInvalidRequest is returned for requests missing a document or cursor.
	ErrInvalidRequest = errors.New("invalid playback request")

	errPastTarget = errors.New("past playback target")
)

// Log is the read side of the operation log used for playback.
type Log interface {
	LSNForOperation(ctx context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error)
	LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error)
	SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (storage.SnapshotRef, error)
	ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.WALRecord) error) error
}

// Request selects a historical state by operation id, by time, or both. When
// both are set the time must not predate the operation.
type Request struct {
	Document    types.DocumentID
	OperationID types.OperationID
	AtTime      *time.Time
}

func (r Request) validate() error {
	if r.Document == "" {
		return fmt.Errorf("%w: document id is required", ErrInvalidRequest)
	}
	if r.OperationID == "" && r.AtTime == nil {
		return fmt.Errorf("%w: at_op or at_time is required", ErrInvalidRequest)
	}
	return nil
}

// Response is a document as it stood at a WAL position.
type Response struct {
	Document    types.DocumentID  `json:"document_id"`
	OperationID types.OperationID `json:"operation_id"`
	LSN         int64             `json:"lsn"`
	Version     types.VectorClock `json:"version"`
	Text        string            `json:"text"`
	Nodes       []crdt.Node       `json:"nodes"`
}

// Service rebuilds past document states from snapshots and the WAL. Each
// request replays into a private buffer; live replicas are never touched.
type Service struct {
	log    Log
	loader snapshot.Loader
	bucket string
	site   string
	states *stateCache
	logger zerolog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithSnapshots lets playback start from the newest snapshot before the
// target instead of the beginning of the log.
func WithSnapshots(loader snapshot.Loader, bucket string) Option {
	return func(s *Service) {
		s.loader = loader
		s.bucket = bucket
	}
}

// WithCacheSize sets how many replayed states are kept.
func WithCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.states = newStateCache(n)
		}
	}
}

// WithSite sets the site id of the scratch buffers.
func WithSite(site string) Option {
	return func(s *Service) {
		if site != "" {
			s.site = site
		}
	}
}

// NewService returns a playback service reading from log.
func NewService(log Log, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		log:    log,
		site:   defaultSite,
		states: newStateCache(defaultCacheSize),
		logger: logger.With().Str("component", "playback").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Playback hydrates the document at the requested cursor.
func (s *Service) Playback(ctx context.Context, req Request) (resp Response, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		playbackLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	if err := req.validate(); err != nil {
		return Response{}, err
	}

	targetLSN, err := s.targetLSN(ctx, req)
	if err != nil {
		return Response{}, err
	}

	base, hit := s.states.closest(req.Document, targetLSN)
	if hit {
		playbackCacheLookups.WithLabelValues("hit").Inc()
	} else {
		playbackCacheLookups.WithLabelValues("miss").Inc()
		if base, err = s.baseline(ctx, req.Document, targetLSN); err != nil {
			return Response{}, err
		}
	}

	buf := crdt.NewBuffer(s.site)
	buf.Merge(base.Nodes, nil)

	current := base
	if base.LSN < targetLSN {
		if current, err = s.advance(ctx, req.Document, buf, base, targetLSN); err != nil {
			return Response{}, err
		}
		s.states.store(req.Document, current)
	}

	opID := req.OperationID
	if opID == "" {
		opID = current.LastOp
	}
	s.logger.Debug().
		Str("document", string(req.Document)).
		Int64("lsn", targetLSN).
		Int64("from_lsn", base.LSN).
		Bool("cached", hit).
		Msg("playback served")

	return Response{
		Document:    req.Document,
		OperationID: opID,
		LSN:         targetLSN,
		Version:     buf.Version(),
		Text:        buf.Document(),
		Nodes:       buf.AllNodes(),
	}, nil
}

// advance applies WAL records after from.LSN up to target onto buf.
func (s *Service) advance(ctx context.Context, docID types.DocumentID, buf *crdt.Buffer, from state, target int64) (state, error) {
	next := from
	err := s.log.ReplayDocument(ctx, docID, from.LSN, func(record types.WALRecord) error {
		if record.LSN > target {
			return errPastTarget
		}
		evt, err := crdt.DecodeEvent(record.Payload)
		if err != nil {
			return fmt.Errorf("decode wal record %d: %w", record.LSN, err)
		}
		buf.Merge(evt.Nodes, evt.Deleted)
		next.LastOp = record.Operation
		playbackReplayed.Inc()
		return nil
	})
	if err != nil && !errors.Is(err, errPastTarget) {
		return state{}, fmt.Errorf("replay document: %w", err)
	}
	next.LSN = target
	next.Nodes = buf.AllNodes()
	return next, nil
}

// baseline loads the newest snapshot at or before lsn. Without a loader, or
// when no snapshot exists, replay starts from an empty tree.
func (s *Service) baseline(ctx context.Context, docID types.DocumentID, lsn int64) (state, error) {
	if s.loader == nil {
		return state{}, nil
	}
	ref, err := s.log.SnapshotBeforeLSN(ctx, docID, lsn)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && ref.ObjectPath == "") {
		return state{}, nil
	}
	if err != nil {
		return state{}, fmt.Errorf("find snapshot: %w", err)
	}

	data, err := s.loader.Load(ctx, s.bucket, ref.ObjectPath)
	if err != nil {
		return state{}, fmt.Errorf("load snapshot %s: %w", ref.ObjectPath, err)
	}
	payload, err := snapshot.DecodePayload(data)
	if err != nil {
		return state{}, fmt.Errorf("decode snapshot %s: %w", ref.ObjectPath, err)
	}
	return state{LSN: ref.LastLSN, LastOp: payload.LastOpID, Nodes: payload.Nodes}, nil
}

func (s *Service) targetLSN(ctx context.Context, req Request) (int64, error) {
	if req.OperationID == "" {
		lsn, err := s.log.LSNForTime(ctx, req.Document, *req.AtTime)
		if err != nil {
			return 0, fmt.Errorf("lookup lsn for time: %w", err)
		}
		return lsn, nil
	}

	lsn, createdAt, err := s.log.LSNForOperation(ctx, req.Document, req.OperationID)
	if err != nil {
		return 0, fmt.Errorf("lookup operation %s: %w", req.OperationID, err)
	}
	if req.AtTime != nil && req.AtTime.Before(createdAt) {
		return 0, fmt.Errorf("%w: at_time predates operation %s", ErrInvalidRequest, req.OperationID)
	}
	return lsn, nil
}
