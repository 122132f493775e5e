package syncstate

import (
	"sync"

	"github.com/example/treedoc/internal/types"
)

// VectorClockTracker remembers, per document, the version this instance last
// published to its peers and the versions peers have announced. Delta frames
// are cut against the published version; a peer whose announced version does
// not cover the local one is behind and gets a full frame.
type VectorClockTracker struct {
	mu        sync.RWMutex
	published map[types.DocumentID]types.VectorClock
	peers     map[types.DocumentID]map[string]types.VectorClock
}

// NewVectorClockTracker constructs an empty tracker.
func NewVectorClockTracker() *VectorClockTracker {
	return &VectorClockTracker{
		published: make(map[types.DocumentID]types.VectorClock),
		peers:     make(map[types.DocumentID]map[string]types.VectorClock),
	}
}

// Published returns a copy of the last published version for the document.
// A document that was never published yields an empty clock, so the first
// delta carries everything.
func (t *VectorClockTracker) Published(docID types.DocumentID) types.VectorClock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.published[docID].Clone()
}

// MarkPublished folds a version that has been sent into the published clock
// and returns the updated snapshot.
func (t *VectorClockTracker) MarkPublished(docID types.DocumentID, version types.VectorClock) types.VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()

	clock := t.published[docID]
	if clock == nil {
		clock = make(types.VectorClock)
		t.published[docID] = clock
	}
	clock.Merge(version)
	return clock.Clone()
}

// MergeRemote records the version announced by peer and returns the peer's
// accumulated clock.
func (t *VectorClockTracker) MergeRemote(docID types.DocumentID, peer string, other types.VectorClock) types.VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := t.peers[docID]
	if peers == nil {
		peers = make(map[string]types.VectorClock)
		t.peers[docID] = peers
	}
	clock := peers[peer]
	if clock == nil {
		clock = make(types.VectorClock)
		peers[peer] = clock
	}
	clock.Merge(other)
	return clock.Clone()
}

// Lagging returns the peers whose announced version for the document does not
// cover local.
func (t *VectorClockTracker) Lagging(docID types.DocumentID, local types.VectorClock) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var behind []string
	for peer, clock := range t.peers[docID] {
		if !clock.Dominates(local) {
			behind = append(behind, peer)
		}
	}
	return behind
}

// Floor returns the version every known peer of the document has reached:
// the per-site minimum across peers, with sites a peer has not announced
// counted as zero. It returns nil when no peer is known.
func (t *VectorClockTracker) Floor(docID types.DocumentID) types.VectorClock {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := t.peers[docID]
	if len(peers) == 0 {
		return nil
	}
	sites := make(map[string]struct{})
	for _, clock := range peers {
		for site := range clock {
			sites[site] = struct{}{}
		}
	}
	floor := make(types.VectorClock, len(sites))
	for site := range sites {
		low := int64(-1)
		for _, clock := range peers {
			if v := clock[site]; low < 0 || v < low {
				low = v
			}
		}
		if low > 0 {
			floor[site] = low
		}
	}
	return floor
}

// Forget drops everything known about the document.
func (t *VectorClockTracker) Forget(docID types.DocumentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.published, docID)
	delete(t.peers, docID)
}
