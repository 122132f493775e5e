package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/ws"
)

// sendLog remembers when the n-th character was sent so readers can measure
// how long its snapshot took to arrive.
type sendLog struct {
	mu    sync.Mutex
	sent  map[int]time.Time
	first map[string]int
}

func (l *sendLog) markSent(n int) {
	l.mu.Lock()
	l.sent[n] = time.Now()
	l.mu.Unlock()
}

// observe returns the latency for a snapshot of size n the first time client
// sees it.
func (l *sendLog) observe(client string, n int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.first[client] >= n {
		return 0, false
	}
	l.first[client] = n
	sentAt, ok := l.sent[n]
	if !ok {
		return 0, false
	}
	return time.Since(sentAt), true
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	document := flag.String("document", "doc-loadtest", "document id used by all clients")
	clients := flag.Int("clients", 200, "number of concurrent websocket clients")
	text := flag.String("text", "the quick brown fox jumps over the lazy dog", "text typed by the first client")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between keystrokes")
	target := flag.Duration("target", 50*time.Millisecond, "per-snapshot latency goal")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("document", *document).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}

	chars := []rune(*text)
	latencyCh := make(chan time.Duration, *clients*len(chars))
	sends := &sendLog{sent: make(map[int]time.Time), first: make(map[string]int)}
	var wg sync.WaitGroup

	run := swarm{
		dialer:    websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		base:      *base,
		document:  *document,
		sends:     sends,
		latencies: latencyCh,
		logger:    logger,
	}
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if id == 0 {
				run.typist(ctx, chars, *interval)
				stop()
				return
			}
			run.watcher(ctx, fmt.Sprintf("client-%d", id))
		}(i)
	}

	go func() {
		wg.Wait()
		close(latencyCh)
	}()

	<-ctx.Done()
	report(latencyCh, *target, logger)
}

// swarm holds what every simulated client shares.
type swarm struct {
	dialer    websocket.Dialer
	base      url.URL
	document  string
	sends     *sendLog
	latencies chan<- time.Duration
	logger    zerolog.Logger
}

func (s swarm) dial(ctx context.Context, clientID string) (*websocket.Conn, chan string, bool) {
	u := s.base
	q := u.Query()
	q.Set("document_id", s.document)
	q.Set("client_id", clientID)
	u.RawQuery = q.Encode()

	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		s.logger.Error().Err(err).Str("client", clientID).Msg("dial failed")
		return nil, nil, false
	}
	inserted := make(chan string, 1)
	go readerLoop(ctx, conn, clientID, s.sends, s.latencies, inserted, s.logger)
	return conn, inserted, true
}

// watcher only listens until the run ends.
func (s swarm) watcher(ctx context.Context, clientID string) {
	conn, _, ok := s.dial(ctx, clientID)
	if !ok {
		return
	}
	defer conn.Close()
	<-ctx.Done()
}

// typist types chars and then gives the last snapshots time to drain.
func (s swarm) typist(ctx context.Context, chars []rune, interval time.Duration) {
	conn, inserted, ok := s.dial(ctx, "client-0")
	if !ok {
		return
	}
	defer conn.Close()
	typeText(ctx, conn, chars, interval, s.sends, inserted, s.logger)
	time.Sleep(time.Second)
}

// typeText inserts chars one at a time, each under the previous character.
func typeText(ctx context.Context, conn *websocket.Conn, chars []rune, interval time.Duration, sends *sendLog, inserted <-chan string, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	parent := crdt.RootID.String()
	for i, r := range chars {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sends.markSent(i + 1)
		msg := ws.ClientMessage{Type: ws.TypeInsert, Value: string(r), ParentID: parent}
		if err := conn.WriteJSON(msg); err != nil {
			logger.Error().Err(err).Msg("failed to send insert")
			return
		}
		select {
		case <-ctx.Done():
			return
		case id := <-inserted:
			parent = id
		case <-time.After(5 * time.Second):
			logger.Error().Int("char", i).Msg("insert was not acknowledged")
			return
		}
	}
}

func readerLoop(ctx context.Context, conn *websocket.Conn, clientID string, sends *sendLog, latencies chan<- time.Duration, inserted chan<- string, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg ws.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		switch msg.Type {
		case ws.TypeInserted:
			inserted <- msg.ID
		case ws.TypeSnapshot:
			if d, ok := sends.observe(clientID, len(msg.Nodes)); ok {
				select {
				case latencies <- d:
				default:
				}
			}
		case ws.TypeError:
			logger.Warn().Str("error", msg.Error).Msg("server rejected message")
		}
	}
}

// report prints latency percentiles and warns when fewer than 95% of the
// snapshots arrived within target.
func report(samples <-chan time.Duration, target time.Duration, logger zerolog.Logger) {
	var all []time.Duration
	for d := range samples {
		all = append(all, d)
	}
	if len(all) == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	met := sort.Search(len(all), func(i int) bool { return all[i] >= target })
	pct := 100 * float64(met) / float64(len(all))

	fmt.Fprintf(os.Stdout, "samples: %d\np50: %s\np95: %s\np99: %s\nmax: %s\n<%s: %.2f%%\n",
		len(all), percentile(all, 50), percentile(all, 95), percentile(all, 99), all[len(all)-1], target, pct)
	if pct < 95 {
		logger.Warn().Dur("target", target).Float64("met_pct", pct).Msg("latency target missed")
	}
}

// percentile uses nearest rank on sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[min(max(rank, 0), len(sorted)-1)]
}
