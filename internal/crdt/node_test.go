package crdt

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parentID(raw string) NodeID {
	id, err := ParseNodeID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func TestCompare_ParentFirst(t *testing.T) {
	a := NewNode("site1", 1, 0, parentID("parentA-1"), 'a')
	b := NewNode("site1", 2, 0, parentID("parentB-1"), 'b')

	assert.Negative(t, Compare(a, b))
	assert.Positive(t, Compare(b, a))
}

func TestCompare_CounterAscendingForSameParent(t *testing.T) {
	a := NewNode("site1", 1, 0, parentID("p-1"), 'a')
	b := NewNode("site1", 2, 1, parentID("p-1"), 'b')

	assert.Negative(t, Compare(a, b))
}

func TestCompare_SiteThenClockTieBreak(t *testing.T) {
	a := NewNode("siteA", 1, 0, parentID("p-1"), 'a')
	b := NewNode("siteB", 1, 0, parentID("p-1"), 'b')
	assert.Negative(t, Compare(a, b))

	c := NewNode("site1", 1, 0, parentID("p-1"), 'c')
	d := NewNode("site1", 2, 0, parentID("p-1"), 'd')
	assert.Negative(t, Compare(c, d))

	assert.Zero(t, Compare(c, NewNode("site1", 1, 0, parentID("p-1"), 'c')))
}

func TestCompare_SortsFlatCollection(t *testing.T) {
	h := NewNode("site1", 1, 0, RootID, 'h')
	e := NewNode("site1", 2, 0, h.ID, 'e')
	l1 := NewNode("site1", 3, 0, e.ID, 'l')
	o := NewNode("site1", 5, 0, l1.ID, 'o')
	l2 := NewNode("site2", 4, 1, e.ID, 'l')

	nodes := []Node{h, e, l1, o, l2}
	slices.SortFunc(nodes, Compare)

	// "0" sorts before every "site-clock" id; l1 and l2 share parent e.
	assert.Equal(t, []Node{h, e, l1, l2, o}, nodes)
}

func TestSiblingCompare_NewerCounterFirst(t *testing.T) {
	older := NewNode("site1", 2, 0, parentID("p-1"), 't')
	newer := NewNode("site1", 3, 1, parentID("p-1"), 'a')

	assert.Negative(t, SiblingCompare(newer, older))
	assert.Positive(t, SiblingCompare(older, newer))
}

func TestSiblingCompare_EqualCounterAscendingSite(t *testing.T) {
	a := NewNode("siteA", 9, 1, parentID("p-1"), 'a')
	b := NewNode("siteB", 1, 1, parentID("p-1"), 'b')

	assert.Negative(t, SiblingCompare(a, b))
	assert.Positive(t, SiblingCompare(b, a))
}

func TestEqual_IdentityOnly(t *testing.T) {
	a := NewNode("site1", 5, 0, parentID("parent-1"), 'a')
	b := NewNode("site1", 5, 1, parentID("different-1"), 'b')
	b.Deleted = true

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, NewNode("site2", 5, 0, parentID("parent-1"), 'a')))
	assert.False(t, Equal(a, NewNode("site1", 6, 0, parentID("parent-1"), 'a')))

	set := map[NodeID]Node{a.ID: a}
	_, ok := set[b.ID]
	assert.True(t, ok)
}

func TestNode_JSONShape(t *testing.T) {
	n := NewNode("site-a", 3, 2, NodeID{Site: "site-b", Clock: 1}, 'é')
	n.Deleted = true

	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"siteId":"site-a","clock":3,"counter":2,"parentId":"site-b-1","value":"é","deleted":true}`, string(data))

	var back Node
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, n, back)
}

func TestNode_UnmarshalRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"missing site":   `{"clock":1,"counter":0,"parentId":"0","value":"a"}`,
		"zero clock":     `{"siteId":"s","clock":0,"counter":0,"parentId":"0","value":"a"}`,
		"bad parent":     `{"siteId":"s","clock":1,"counter":0,"parentId":"nodash","value":"a"}`,
		"two characters": `{"siteId":"s","clock":1,"counter":0,"parentId":"0","value":"ab"}`,
		"empty value":    `{"siteId":"s","clock":1,"counter":0,"parentId":"0","value":""}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var n Node
			assert.Error(t, json.Unmarshal([]byte(raw), &n))
		})
	}
}
