package collab

import (
	"fmt"
	"strings"
)

// Sentinel labels mark classifiers the editor created but the user never
// named. Nodes carrying one are incomplete and must not be persisted or
// broadcast onward.
var sentinelLabels = map[string]bool{
	"Unnamed Class":     true,
	"Unnamed Interface": true,
	"Unnamed Enum":      true,
	"Unnamed Record":    true,
}

// IsSentinelLabel reports whether a label is empty or a placeholder value.
func IsSentinelLabel(label string) bool {
	trimmed := strings.TrimSpace(label)
	return trimmed == "" || sentinelLabels[trimmed]
}

// Clean produces an internally consistent node/edge pair from arbitrary,
// possibly duplicated or partially invalid input:
//
//   - duplicate node IDs collapse, last write in input order wins
//   - nodes with an empty or sentinel label are dropped
//   - edges whose source or target is not a surviving node are dropped
//   - duplicate edges collapse keyed by (source, target), last write wins
//   - missing attribute/method IDs are backfilled deterministically as
//     attr-<nodeID>-<n> / method-<nodeID>-<n> (1-based)
//
// Clean is pure and total: inputs are never mutated, malformed entries are
// silently filtered, and cleaning its own output is a fixed point.
func Clean(nodes []DiagramNode, edges []DiagramEdge) ([]DiagramNode, []DiagramEdge) {
	cleanedNodes := cleanNodes(nodes)

	validIDs := make(map[string]bool, len(cleanedNodes))
	for _, n := range cleanedNodes {
		validIDs[n.ID] = true
	}

	return cleanedNodes, cleanEdges(edges, validIDs)
}

func cleanNodes(nodes []DiagramNode) []DiagramNode {
	order := make([]string, 0, len(nodes))
	byID := make(map[string]DiagramNode, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			continue
		}
		if _, seen := byID[n.ID]; !seen {
			order = append(order, n.ID)
		}
		byID[n.ID] = n
	}

	cleaned := make([]DiagramNode, 0, len(order))
	for _, id := range order {
		n := byID[id]
		if IsSentinelLabel(n.Data.Label) {
			continue
		}
		n.Data.Attributes = backfillAttributeIDs(n.ID, n.Data.Attributes)
		n.Data.Methods = backfillMethodIDs(n.ID, n.Data.Methods)
		cleaned = append(cleaned, n)
	}
	return cleaned
}

// cleanEdges drops edges with endpoints outside validIDs and collapses
// duplicates keyed by (source, target). A nil validIDs set skips the orphan
// check, which is what the sync client needs for edge-only payloads where
// the node set is not carried alongside.
func cleanEdges(edges []DiagramEdge, validIDs map[string]bool) []DiagramEdge {
	order := make([]string, 0, len(edges))
	byPair := make(map[string]DiagramEdge, len(edges))
	for _, e := range edges {
		if e.Source == "" || e.Target == "" {
			continue
		}
		if validIDs != nil && (!validIDs[e.Source] || !validIDs[e.Target]) {
			continue
		}
		key := edgePairKey(e)
		if _, seen := byPair[key]; !seen {
			order = append(order, key)
		}
		byPair[key] = e
	}

	cleaned := make([]DiagramEdge, 0, len(order))
	for _, key := range order {
		cleaned = append(cleaned, byPair[key])
	}
	return cleaned
}

// edgePairKey deliberately ignores the relationship type: two edges between
// the same pair of nodes collapse into one even when their types differ.
// This mirrors long-standing editor behavior and must not be widened
// without a product decision.
func edgePairKey(e DiagramEdge) string {
	return e.Source + "\x00" + e.Target
}

func backfillAttributeIDs(nodeID string, attrs []Attribute) []Attribute {
	if len(attrs) == 0 {
		return attrs
	}
	out := make([]Attribute, len(attrs))
	copy(out, attrs)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = fmt.Sprintf("attr-%s-%d", nodeID, i+1)
		}
	}
	return out
}

func backfillMethodIDs(nodeID string, methods []Method) []Method {
	if len(methods) == 0 {
		return methods
	}
	out := make([]Method, len(methods))
	copy(out, methods)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = fmt.Sprintf("method-%s-%d", nodeID, i+1)
		}
	}
	return out
}

// Report is the non-mutating counterpart of Clean. Errors block
// persistence; warnings do not.
type Report struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Validate reports the defects Clean would repair, without repairing them.
// Duplicate node IDs, sentinel labels and orphan edges are errors because
// persisting them would lose or corrupt data. Duplicate edges, missing
// sub-IDs and malformed entries are repaired losslessly, so they only warn.
func Validate(nodes []DiagramNode, edges []DiagramEdge) Report {
	r := Report{Errors: []string{}, Warnings: []string{}}

	seen := make(map[string]bool, len(nodes))
	surviving := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			r.Warnings = append(r.Warnings, fmt.Sprintf("node at index %d has no id and will be dropped", i))
			continue
		}
		if seen[n.ID] {
			r.Errors = append(r.Errors, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
		if IsSentinelLabel(n.Data.Label) {
			r.Errors = append(r.Errors, fmt.Sprintf("node %q has an empty or placeholder label", n.ID))
			continue
		}
		surviving[n.ID] = true
		for j, a := range n.Data.Attributes {
			if a.ID == "" {
				r.Warnings = append(r.Warnings, fmt.Sprintf("node %q attribute %d has no id", n.ID, j+1))
			}
		}
		for j, m := range n.Data.Methods {
			if m.ID == "" {
				r.Warnings = append(r.Warnings, fmt.Sprintf("node %q method %d has no id", n.ID, j+1))
			}
		}
	}

	seenPairs := make(map[string]bool, len(edges))
	for i, e := range edges {
		if e.Source == "" || e.Target == "" {
			r.Warnings = append(r.Warnings, fmt.Sprintf("edge at index %d has a missing endpoint and will be dropped", i))
			continue
		}
		if !surviving[e.Source] || !surviving[e.Target] {
			r.Errors = append(r.Errors, fmt.Sprintf("edge %q references a missing node (%s -> %s)", e.ID, e.Source, e.Target))
			continue
		}
		key := edgePairKey(e)
		if seenPairs[key] {
			r.Warnings = append(r.Warnings, fmt.Sprintf("duplicate edge between %q and %q", e.Source, e.Target))
		}
		seenPairs[key] = true
	}

	r.Valid = len(r.Errors) == 0
	return r
}

// MergeNodesByID is a right-biased union keyed by node ID: incoming entries
// replace existing ones with the same ID, and new entries append in input
// order. Used when applying a remote partial update onto local state
// without clobbering unrelated entries.
func MergeNodesByID(existing, incoming []DiagramNode) []DiagramNode {
	replacements := make(map[string]DiagramNode, len(incoming))
	for _, n := range incoming {
		if n.ID != "" {
			replacements[n.ID] = n
		}
	}

	merged := make([]DiagramNode, 0, len(existing)+len(incoming))
	for _, n := range existing {
		if repl, ok := replacements[n.ID]; ok {
			merged = append(merged, repl)
			delete(replacements, n.ID)
			continue
		}
		merged = append(merged, n)
	}
	for _, n := range incoming {
		if _, pending := replacements[n.ID]; pending {
			merged = append(merged, n)
			delete(replacements, n.ID)
		}
	}
	return merged
}

// MergeEdgesByID is the edge counterpart of MergeNodesByID, keyed by edge ID.
func MergeEdgesByID(existing, incoming []DiagramEdge) []DiagramEdge {
	replacements := make(map[string]DiagramEdge, len(incoming))
	for _, e := range incoming {
		if e.ID != "" {
			replacements[e.ID] = e
		}
	}

	merged := make([]DiagramEdge, 0, len(existing)+len(incoming))
	for _, e := range existing {
		if repl, ok := replacements[e.ID]; ok {
			merged = append(merged, repl)
			delete(replacements, e.ID)
			continue
		}
		merged = append(merged, e)
	}
	for _, e := range incoming {
		if _, pending := replacements[e.ID]; pending {
			merged = append(merged, e)
			delete(replacements, e.ID)
		}
	}
	return merged
}
