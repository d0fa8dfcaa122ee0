// Package spantree rebuilds span hierarchies from flat, possibly incomplete
// span lists and renders them as indented text.
package spantree

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/deepaksharma/envelope-sidecar/core/event"
)

const (
	// OpUnknown marks the synthetic root that collects orphans.
	OpUnknown = "unknown"
	// OpOrphan marks the synthetic stand-in for a parent that is not in the input.
	OpOrphan = "orphan"
	// OrphanDescription is the description given to orphan placeholders.
	OrphanDescription = "missing or unknown parent span"
)

// Node is one span in a built forest. The embedded Span is a copy; building a
// forest never modifies the caller's spans.
type Node struct {
	event.Span
	Children  []*Node `json:"children,omitempty"`
	Synthetic bool    `json:"synthetic,omitempty"`
}

// Walk calls fn for n and every descendant, depth first, parents before
// children. Returning false stops the descent below that node.
func (n *Node) Walk(fn func(node *Node, depth int) bool) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(node *Node, depth int) bool, depth int) {
	if !fn(n, depth) {
		return
	}
	for _, child := range n.Children {
		child.walk(fn, depth+1)
	}
}

// BuildForest groups spans of one trace into a forest.
//
// Spans without a parent are visited first, keeping input order within each
// group. A span whose parent has not been seen is wrapped in an orphan
// placeholder hung under a single synthetic "unknown" root, created the first
// time that happens. Every input span appears exactly once in the result and
// sibling order follows visiting order. Empty input yields an empty forest.
func BuildForest(spans []event.Span) []*Node {
	forest := make([]*Node, 0)
	if len(spans) == 0 {
		return forest
	}

	// Parent of each span id as it appears in the input, first occurrence wins.
	declaredParent := make(map[string]string, len(spans))
	for _, s := range spans {
		if _, ok := declaredParent[s.SpanID]; !ok {
			declaredParent[s.SpanID] = s.ParentSpanID
		}
	}

	lookup := make(map[string]*Node, len(spans))
	var placeholder *Node

	for _, span := range partition(spans) {
		node := &Node{Span: span}

		if span.ParentSpanID == "" {
			forest = append(forest, node)
		} else if parent, ok := lookup[span.ParentSpanID]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			if placeholder == nil {
				placeholder = unknownRoot(span, declaredParent[span.ParentSpanID])
				forest = append(forest, placeholder)
			}
			orphan := &Node{
				Span: event.Span{
					SpanID:       span.ParentSpanID,
					TraceID:      span.TraceID,
					ParentSpanID: placeholder.SpanID,
					Op:           OpOrphan,
					Description:  OrphanDescription,
				},
				Children:  []*Node{node},
				Synthetic: true,
			}
			placeholder.Children = append(placeholder.Children, orphan)
		}

		lookup[span.SpanID] = node
	}

	if placeholder != nil {
		fillBounds(placeholder)
	}
	return forest
}

// partition returns spans with roots first, preserving relative order.
func partition(spans []event.Span) []event.Span {
	ordered := make([]event.Span, 0, len(spans))
	for _, s := range spans {
		if s.ParentSpanID == "" {
			ordered = append(ordered, s)
		}
	}
	for _, s := range spans {
		if s.ParentSpanID != "" {
			ordered = append(ordered, s)
		}
	}
	return ordered
}

// unknownRoot creates the synthetic root. Its id is the grandparent reference
// when the missing parent's own parent is known, otherwise a stable id derived
// from the trace and the missing parent.
func unknownRoot(span event.Span, grandparent string) *Node {
	id := grandparent
	if id == "" {
		id = syntheticID(span.TraceID, span.ParentSpanID)
	}
	return &Node{
		Span: event.Span{
			SpanID:  id,
			TraceID: span.TraceID,
			Op:      OpUnknown,
		},
		Synthetic: true,
	}
}

func syntheticID(traceID, parentID string) string {
	h := xxhash.New()
	_, _ = h.WriteString(traceID)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(parentID)
	id := strconv.FormatUint(h.Sum64(), 16)
	for len(id) < 16 {
		id = "0" + id
	}
	return id
}

// fillBounds gives synthetic nodes the time range of their descendants.
func fillBounds(n *Node) (start, end event.Timestamp) {
	start, end = n.StartTimestamp, n.Timestamp
	for _, child := range n.Children {
		cs, ce := fillBounds(child)
		if !cs.IsZero() && (start.IsZero() || cs < start) {
			start = cs
		}
		if ce > end {
			end = ce
		}
	}
	if n.Synthetic {
		n.StartTimestamp, n.Timestamp = start, end
	}
	return start, end
}
