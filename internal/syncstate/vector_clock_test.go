package syncstate

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/treedoc/internal/types"
)

func TestTracker_PublishedStartsEmpty(t *testing.T) {
	tr := NewVectorClockTracker()

	got := tr.Published("doc")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestTracker_MarkPublishedMerges(t *testing.T) {
	tr := NewVectorClockTracker()

	tr.MarkPublished("doc", types.VectorClock{"a": 3, "b": 1})
	got := tr.MarkPublished("doc", types.VectorClock{"a": 2, "c": 4})
	assert.Equal(t, types.VectorClock{"a": 3, "b": 1, "c": 4}, got)

	// The returned clock is a copy.
	got["a"] = 100
	assert.Equal(t, int64(3), tr.Published("doc")["a"])
	assert.Empty(t, tr.Published("other"))
}

func TestTracker_LaggingPeers(t *testing.T) {
	tr := NewVectorClockTracker()
	local := types.VectorClock{"a": 5, "b": 2}

	tr.MergeRemote("doc", "peer-1", types.VectorClock{"a": 5, "b": 2, "c": 1})
	tr.MergeRemote("doc", "peer-2", types.VectorClock{"a": 4})
	tr.MergeRemote("doc", "peer-2", types.VectorClock{"b": 2})
	tr.MergeRemote("doc", "peer-3", types.VectorClock{"b": 9})

	lagging := tr.Lagging("doc", local)
	sort.Strings(lagging)
	assert.Equal(t, []string{"peer-2", "peer-3"}, lagging)

	tr.MergeRemote("doc", "peer-2", types.VectorClock{"a": 5})
	lagging = tr.Lagging("doc", local)
	assert.Equal(t, []string{"peer-3"}, lagging)
}

func TestTracker_Forget(t *testing.T) {
	tr := NewVectorClockTracker()
	tr.MarkPublished("doc", types.VectorClock{"a": 1})
	tr.MergeRemote("doc", "p", types.VectorClock{})

	tr.Forget("doc")
	assert.Empty(t, tr.Published("doc"))
	assert.Empty(t, tr.Lagging("doc", types.VectorClock{"a": 1}))
}

func TestTracker_Floor(t *testing.T) {
	tr := NewVectorClockTracker()
	assert.Nil(t, tr.Floor("doc"))

	tr.MergeRemote("doc", "p1", types.VectorClock{"a": 4, "b": 2})
	tr.MergeRemote("doc", "p2", types.VectorClock{"a": 6, "c": 1})

	assert.Equal(t, types.VectorClock{"a": 4}, tr.Floor("doc"))

	tr.MergeRemote("doc", "p2", types.VectorClock{"b": 5})
	assert.Equal(t, types.VectorClock{"a": 4, "b": 2}, tr.Floor("doc"))
}
