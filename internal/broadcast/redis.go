package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/syncstate"
	"github.com/example/treedoc/internal/types"
	"github.com/example/treedoc/internal/wire"
)

const (
	defaultTopicPrefix = "doc:"
	defaultDedupeTTL   = 2 * time.Minute
	maxBackoffDelay    = 30 * time.Second
)

// FrameHandler applies a frame received from another instance.
type FrameHandler func(ctx context.Context, frame wire.Frame) error

// RedisBroadcaster replicates document state between server instances over
// Redis pub/sub. Local changes are published as delta frames; received
// frames from other sites are handed to the FrameHandler.
type RedisBroadcaster struct {
	client  *redis.Client
	engine  *crdt.Engine
	tracker *syncstate.VectorClockTracker
	handler FrameHandler
	logger  zerolog.Logger

	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[uint64]time.Time
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
func NewRedisBroadcaster(client *redis.Client, engine *crdt.Engine, tracker *syncstate.VectorClockTracker, logger zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:      client,
		engine:      engine,
		tracker:     tracker,
		logger:      logger,
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[uint64]time.Time),
	}
}

// SetHandler installs the callback for remote frames. It must be called
// before Start.
func (b *RedisBroadcaster) SetHandler(h FrameHandler) {
	b.handler = h
}

// PublishEvent ships a local change to the other instances.
func (b *RedisBroadcaster) PublishEvent(ctx context.Context, evt crdt.Event) error {
	if evt.Empty() {
		return nil
	}
	return b.publish(ctx, wire.Frame{
		Document: evt.Document,
		Nodes:    evt.Nodes,
		Deleted:  evt.Deleted,
	})
}

// PublishState ships what the slowest known peer of the document may be
// missing, or the whole state when no peer has announced itself yet.
func (b *RedisBroadcaster) PublishState(ctx context.Context, docID types.DocumentID) error {
	return b.publish(ctx, b.stateFrame(docID))
}

// stateFrame cuts the document against the peers' floor. An empty delta still
// yields a frame so peers can compare versions and tell whether we lag.
func (b *RedisBroadcaster) stateFrame(docID types.DocumentID) wire.Frame {
	floor := b.tracker.Floor(docID)
	nodes, deleted, _ := b.engine.Delta(docID, floor)
	if len(nodes) == 0 && len(deleted) == 0 && floor != nil {
		return wire.Frame{Document: docID, Full: true}
	}
	return wire.Frame{
		Document: docID,
		Full:     true,
		Nodes:    nodes,
		Deleted:  deleted,
	}
}

func (b *RedisBroadcaster) publish(ctx context.Context, frame wire.Frame) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}

	frame.Origin = b.engine.SiteID()
	frame.Version = b.engine.Version(frame.Document)
	frame.SentAt = time.Now().UTC()
	encoded := wire.Marshal(frame)

	topic := b.topic(frame.Document)
	backoff := time.Second
	for {
		if err := b.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		break
	}

	b.tracker.MarkPublished(frame.Document, frame.Version)
	framesPublished.WithLabelValues(frameKind(frame)).Inc()
	return nil
}

// Start begins consuming redis pub/sub messages.
func (b *RedisBroadcaster) Start(ctx context.Context) {
	go b.run(ctx)
}

// StartAntiEntropy periodically publishes state for every loaded document so
// peers that missed frames converge.
func (b *RedisBroadcaster) StartAntiEntropy(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.antiEntropyOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (b *RedisBroadcaster) antiEntropyOnce(ctx context.Context) {
	for _, docID := range b.engine.Documents() {
		version := b.engine.Version(docID)
		if len(version) == 0 {
			continue
		}
		if version.Equal(b.tracker.Published(docID)) && len(b.tracker.Lagging(docID, version)) == 0 && b.tracker.Floor(docID) != nil {
			continue
		}
		if err := b.PublishState(ctx, docID); err != nil {
			b.logger.Warn().Err(err).Str("document", string(docID)).Msg("anti-entropy publish failed")
		}
	}
}

func (b *RedisBroadcaster) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, fmt.Sprintf("%s*", b.topicPrefix))
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.Process(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				b.logger.Warn().Err(err).Str("topic", msg.Channel).Msg("failed to process broadcast message")
			}
		}
	}
}

// Process decodes one frame received on topic and applies it unless it was
// published by this instance or already seen.
func (b *RedisBroadcaster) Process(ctx context.Context, topic string, payload []byte) error {
	frame, err := wire.Unmarshal(payload)
	if err != nil {
		framesReceived.WithLabelValues("invalid").Inc()
		return fmt.Errorf("decode frame: %w", err)
	}
	if want := b.topic(frame.Document); topic != "" && topic != want {
		return fmt.Errorf("frame for %s arrived on %s", frame.Document, topic)
	}
	if frame.Origin == b.engine.SiteID() {
		framesReceived.WithLabelValues("own").Inc()
		return nil
	}
	if b.isDuplicate(payload) {
		framesReceived.WithLabelValues("duplicate").Inc()
		return nil
	}
	framesReceived.WithLabelValues(frameKind(frame)).Inc()

	if !frame.SentAt.IsZero() {
		frameLatency.WithLabelValues(string(frame.Document)).Observe(time.Since(frame.SentAt).Seconds())
	}
	if frame.Origin != "" && frame.Version != nil {
		b.tracker.MergeRemote(frame.Document, frame.Origin, frame.Version)
	}
	if b.handler == nil || (len(frame.Nodes) == 0 && len(frame.Deleted) == 0) {
		return nil
	}
	return b.handler(ctx, frame)
}

func (b *RedisBroadcaster) topic(docID types.DocumentID) string {
	return b.topicPrefix + string(docID)
}

func (b *RedisBroadcaster) isDuplicate(payload []byte) bool {
	key := xxhash.Sum64(payload)

	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	now := time.Now()
	if ts, ok := b.seen[key]; ok && now.Sub(ts) < b.dedupeTTL {
		return true
	}

	b.seen[key] = now
	cutoff := now.Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func frameKind(f wire.Frame) string {
	if f.Full {
		return "full"
	}
	return "delta"
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

var (
	frameLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "publish_to_receive_seconds",
		Help:      "Observed latency between a peer publishing a frame and this instance receiving it.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"document_id"})

	framesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "frames_published_total",
		Help:      "Replication frames published, by kind.",
	}, []string{"kind"})

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "frames_received_total",
		Help:      "Replication frames received, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(frameLatency, framesPublished, framesReceived)
}
