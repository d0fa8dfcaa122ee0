package spantree

import (
	"testing"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func span(id, parent string) event.Span {
	return event.Span{SpanID: id, ParentSpanID: parent, TraceID: "trace-1", Op: "op." + id}
}

func TestBuildForestEmpty(t *testing.T) {
	forest := BuildForest(nil)
	assert.NotNil(t, forest)
	assert.Empty(t, forest)
}

func TestBuildForestTrueRoot(t *testing.T) {
	spans := []event.Span{
		span("child-a", "root"),
		span("root", ""),
		span("child-b", "root"),
	}

	forest := BuildForest(spans)
	require.Len(t, forest, 1)

	root := forest[0]
	assert.Equal(t, "root", root.SpanID)
	assert.False(t, root.Synthetic)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "child-a", root.Children[0].SpanID)
	assert.Equal(t, "child-b", root.Children[1].SpanID)
	assert.Empty(t, root.Children[0].Children)
}

func TestBuildForestSharedMissingParent(t *testing.T) {
	spans := []event.Span{
		span("a", "missing"),
		span("b", "missing"),
	}

	forest := BuildForest(spans)
	require.Len(t, forest, 1)

	root := forest[0]
	assert.Equal(t, OpUnknown, root.Op)
	assert.Equal(t, "", root.ParentSpanID)
	assert.True(t, root.Synthetic)
	require.Len(t, root.Children, 2)

	for i, want := range []string{"a", "b"} {
		orphan := root.Children[i]
		assert.Equal(t, OpOrphan, orphan.Op)
		assert.Equal(t, OrphanDescription, orphan.Description)
		assert.Equal(t, "missing", orphan.SpanID)
		assert.Equal(t, root.SpanID, orphan.ParentSpanID)
		require.Len(t, orphan.Children, 1)
		assert.Equal(t, want, orphan.Children[0].SpanID)
	}
}

func TestBuildForestSingleOrphanIsWrapped(t *testing.T) {
	forest := BuildForest([]event.Span{span("lonely", "gone")})

	require.Len(t, forest, 1)
	assert.Equal(t, OpUnknown, forest[0].Op)
	require.Len(t, forest[0].Children, 1)
	assert.Equal(t, OpOrphan, forest[0].Children[0].Op)
	require.Len(t, forest[0].Children[0].Children, 1)
	assert.Equal(t, "lonely", forest[0].Children[0].Children[0].SpanID)
}

func TestBuildForestGrandparentBecomesRootID(t *testing.T) {
	// "child" is visited before its parent "mid", whose own parent is "top".
	spans := []event.Span{
		span("child", "mid"),
		span("mid", "top"),
	}

	forest := BuildForest(spans)
	require.Len(t, forest, 1)
	assert.Equal(t, "top", forest[0].SpanID, "synthetic root reuses the grandparent reference")
	assert.Equal(t, 2, countSpans(forest))
}

func TestBuildForestTrueRootPlusDisjointFragment(t *testing.T) {
	spans := []event.Span{
		span("root", ""),
		span("child", "root"),
		span("stray", "elsewhere"),
	}

	forest := BuildForest(spans)
	require.Len(t, forest, 2, "unresolved parents get their own synthetic root")
	assert.Equal(t, "root", forest[0].SpanID)
	assert.Equal(t, OpUnknown, forest[1].Op)
	assert.Equal(t, 3, countSpans(forest))
}

func TestBuildForestDoesNotMutateInput(t *testing.T) {
	spans := []event.Span{span("root", ""), span("child", "root"), span("x", "nope")}
	before := append([]event.Span(nil), spans...)

	first := BuildForest(spans)
	second := BuildForest(spans)

	assert.Equal(t, before, spans)
	assert.Equal(t, Render(first), Render(second), "building is deterministic")
	assert.NotSame(t, first[0], second[0])
}

func TestBuildForestSyntheticBounds(t *testing.T) {
	a := span("a", "missing")
	a.StartTimestamp, a.Timestamp = 100, 100.5
	b := span("b", "missing")
	b.StartTimestamp, b.Timestamp = 100.2, 101

	forest := BuildForest([]event.Span{a, b})
	require.Len(t, forest, 1)
	assert.Equal(t, event.Timestamp(100), forest[0].StartTimestamp)
	assert.Equal(t, event.Timestamp(101), forest[0].Timestamp)
	assert.Equal(t, time.Second, forest[0].Duration())
}

func countSpans(forest []*Node) int {
	count := 0
	for _, root := range forest {
		root.Walk(func(n *Node, _ int) bool {
			if !n.Synthetic {
				count++
			}
			return true
		})
	}
	return count
}
