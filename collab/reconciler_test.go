package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id, label string) DiagramNode {
	return DiagramNode{ID: id, Type: NodeTypeClass, Data: NodeData{Label: label}}
}

func edge(id, source, target string) DiagramEdge {
	return DiagramEdge{ID: id, Source: source, Target: target, Data: EdgeData{RelationshipType: "association"}}
}

func TestIsSentinelLabel(t *testing.T) {
	assert.True(t, IsSentinelLabel(""))
	assert.True(t, IsSentinelLabel("   "))
	assert.True(t, IsSentinelLabel("Unnamed Class"))
	assert.True(t, IsSentinelLabel("  Unnamed Interface  "))
	assert.True(t, IsSentinelLabel("Unnamed Enum"))
	assert.True(t, IsSentinelLabel("Unnamed Record"))

	assert.False(t, IsSentinelLabel("User"))
	assert.False(t, IsSentinelLabel("Unnamed"))
	assert.False(t, IsSentinelLabel("unnamed class"))
}

func TestCleanDuplicateNodesLastWins(t *testing.T) {
	nodes, _ := Clean([]DiagramNode{
		node("a", "User"),
		node("b", "Order"),
		node("a", "UserV2"),
	}, nil)

	require.Len(t, nodes, 2)
	// First occurrence keeps its position in the output order.
	assert.Equal(t, "a", nodes[0].ID)
	assert.Equal(t, "UserV2", nodes[0].Data.Label)
	assert.Equal(t, "b", nodes[1].ID)
}

func TestCleanDropsSentinelNodesAndTheirEdges(t *testing.T) {
	nodes, edges := Clean(
		[]DiagramNode{
			node("a", "User"),
			node("b", "Unnamed Class"),
			node("c", ""),
		},
		[]DiagramEdge{
			edge("e1", "a", "b"),
			edge("e2", "a", "a"),
		},
	)

	require.Len(t, nodes, 1)
	assert.Equal(t, "a", nodes[0].ID)

	// e1 references the dropped node b, so only the self-edge survives.
	require.Len(t, edges, 1)
	assert.Equal(t, "e2", edges[0].ID)
}

func TestCleanDropsNodesWithoutID(t *testing.T) {
	nodes, _ := Clean([]DiagramNode{
		node("", "Ghost"),
		node("a", "User"),
	}, nil)

	require.Len(t, nodes, 1)
	assert.Equal(t, "a", nodes[0].ID)
}

func TestCleanDuplicateEdgesCollapseByEndpointPair(t *testing.T) {
	e1 := edge("e1", "a", "b")
	e2 := edge("e2", "a", "b")
	e2.Data.RelationshipType = "inheritance"

	_, edges := Clean(
		[]DiagramNode{node("a", "User"), node("b", "Order")},
		[]DiagramEdge{e1, e2},
	)

	// Same endpoint pair collapses even across relationship types; the
	// later entry wins.
	require.Len(t, edges, 1)
	assert.Equal(t, "e2", edges[0].ID)
	assert.Equal(t, "inheritance", edges[0].Data.RelationshipType)
}

func TestCleanDirectionMatters(t *testing.T) {
	_, edges := Clean(
		[]DiagramNode{node("a", "User"), node("b", "Order")},
		[]DiagramEdge{edge("e1", "a", "b"), edge("e2", "b", "a")},
	)
	assert.Len(t, edges, 2)
}

func TestCleanBackfillsAttributeAndMethodIDs(t *testing.T) {
	n := node("n1", "User")
	n.Data.Attributes = []Attribute{
		{Name: "id", Type: "UUID"},
		{ID: "custom", Name: "email", Type: "String"},
		{Name: "age", Type: "int"},
	}
	n.Data.Methods = []Method{
		{Name: "getId", ReturnType: "UUID"},
	}

	nodes, _ := Clean([]DiagramNode{n}, nil)
	require.Len(t, nodes, 1)

	attrs := nodes[0].Data.Attributes
	require.Len(t, attrs, 3)
	assert.Equal(t, "attr-n1-1", attrs[0].ID)
	assert.Equal(t, "custom", attrs[1].ID)
	assert.Equal(t, "attr-n1-3", attrs[2].ID)

	methods := nodes[0].Data.Methods
	require.Len(t, methods, 1)
	assert.Equal(t, "method-n1-1", methods[0].ID)

	// Input is never mutated.
	assert.Empty(t, n.Data.Attributes[0].ID)
	assert.Empty(t, n.Data.Methods[0].ID)
}

func TestCleanIsIdempotent(t *testing.T) {
	n := node("a", "User")
	n.Data.Attributes = []Attribute{{Name: "id", Type: "UUID"}}

	input := []DiagramNode{n, node("a", "UserV2"), node("b", "Unnamed Class"), node("c", "Order")}
	inputEdges := []DiagramEdge{edge("e1", "a", "c"), edge("e2", "a", "c"), edge("e3", "a", "b")}

	nodes1, edges1 := Clean(input, inputEdges)
	nodes2, edges2 := Clean(nodes1, edges1)

	assert.Equal(t, nodes1, nodes2)
	assert.Equal(t, edges1, edges2)
}

func TestCleanEdgesWithoutNodeSetSkipsOrphanCheck(t *testing.T) {
	edges := cleanEdges([]DiagramEdge{
		edge("e1", "a", "b"),
		edge("e2", "", "b"),
		edge("e3", "a", "b"),
	}, nil)

	// Orphan check is skipped, but missing endpoints and duplicate pairs
	// are still handled.
	require.Len(t, edges, 1)
	assert.Equal(t, "e3", edges[0].ID)
}

func TestValidateSeverities(t *testing.T) {
	t.Run("clean input is valid", func(t *testing.T) {
		r := Validate(
			[]DiagramNode{node("a", "User"), node("b", "Order")},
			[]DiagramEdge{edge("e1", "a", "b")},
		)
		assert.True(t, r.Valid)
		assert.Empty(t, r.Errors)
		assert.Empty(t, r.Warnings)
	})

	t.Run("duplicate node ids are errors", func(t *testing.T) {
		r := Validate([]DiagramNode{node("a", "User"), node("a", "UserV2")}, nil)
		assert.False(t, r.Valid)
		require.Len(t, r.Errors, 1)
		assert.Contains(t, r.Errors[0], `"a"`)
	})

	t.Run("sentinel labels are errors", func(t *testing.T) {
		r := Validate([]DiagramNode{node("a", "Unnamed Enum")}, nil)
		assert.False(t, r.Valid)
		assert.Len(t, r.Errors, 1)
	})

	t.Run("orphan edges are errors", func(t *testing.T) {
		r := Validate(
			[]DiagramNode{node("a", "User")},
			[]DiagramEdge{edge("e1", "a", "missing")},
		)
		assert.False(t, r.Valid)
		assert.Len(t, r.Errors, 1)
	})

	t.Run("repairable defects are warnings", func(t *testing.T) {
		n := node("a", "User")
		n.Data.Attributes = []Attribute{{Name: "id"}}
		n.Data.Methods = []Method{{Name: "getId"}}

		r := Validate(
			[]DiagramNode{n, node("", "Ghost"), node("b", "Order")},
			[]DiagramEdge{edge("e1", "a", "b"), edge("e2", "a", "b"), edge("e3", "", "b")},
		)
		assert.True(t, r.Valid)
		assert.Empty(t, r.Errors)
		// no-id node, attribute, method, duplicate edge, missing endpoint
		assert.Len(t, r.Warnings, 5)
	})
}

func TestMergeNodesByID(t *testing.T) {
	existing := []DiagramNode{node("a", "User"), node("b", "Order")}
	incoming := []DiagramNode{node("b", "OrderV2"), node("c", "Invoice")}

	merged := MergeNodesByID(existing, incoming)

	require.Len(t, merged, 3)
	assert.Equal(t, "User", merged[0].Data.Label)
	assert.Equal(t, "OrderV2", merged[1].Data.Label)
	assert.Equal(t, "Invoice", merged[2].Data.Label)
}

func TestMergeNodesByIDIgnoresEmptyIncomingIDs(t *testing.T) {
	merged := MergeNodesByID(
		[]DiagramNode{node("a", "User")},
		[]DiagramNode{node("", "Ghost")},
	)
	require.Len(t, merged, 1)
	assert.Equal(t, "a", merged[0].ID)
}

func TestMergeEdgesByID(t *testing.T) {
	existing := []DiagramEdge{edge("e1", "a", "b")}
	updated := edge("e1", "a", "c")
	incoming := []DiagramEdge{updated, edge("e2", "b", "c")}

	merged := MergeEdgesByID(existing, incoming)

	require.Len(t, merged, 2)
	assert.Equal(t, "c", merged[0].Target)
	assert.Equal(t, "e2", merged[1].ID)
}
