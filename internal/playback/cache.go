package playback

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/types"
)

// state is a replayed tree at a WAL position.
type state struct {
	LSN    int64
	LastOp types.OperationID
	Nodes  []crdt.Node
}

type stateKey struct {
	doc types.DocumentID
	lsn int64
}

// stateCache is an LRU of replayed states. A lookup returns the closest state
// at or before the wanted LSN, so a later request only replays the WAL tail.
type stateCache struct {
	lru *lru.Cache[stateKey, state]
}

func newStateCache(size int) *stateCache {
	c, err := lru.New[stateKey, state](max(size, 1))
	if err != nil {
		panic(err)
	}
	return &stateCache{lru: c}
}

func (c *stateCache) closest(doc types.DocumentID, lsn int64) (state, bool) {
	best := stateKey{lsn: -1}
	for _, k := range c.lru.Keys() {
		if k.doc == doc && k.lsn <= lsn && k.lsn > best.lsn {
			best = k
		}
	}
	if best.lsn < 0 {
		return state{}, false
	}
	st, ok := c.lru.Get(best)
	if !ok {
		return state{}, false
	}
	st.Nodes = append([]crdt.Node(nil), st.Nodes...)
	return st, true
}

func (c *stateCache) store(doc types.DocumentID, st state) {
	st.Nodes = append([]crdt.Node(nil), st.Nodes...)
	c.lru.Add(stateKey{doc: doc, lsn: st.LSN}, st)
}

func (c *stateCache) size() int { return c.lru.Len() }
