// Package snapshot compares point-in-time graph captures and reconstructs
// per-entity history. All reads go through the captured state rows, never
// the live graph, so a diff of two snapshots is stable no matter what the
// graph does afterwards.
package snapshot

import (
	"sort"

	"github.com/engramd/engram/internal/graph"
)

// NodeChange lists the fields that differ for a node present in both
// snapshots.
type NodeChange struct {
	NodeID string   `json:"node_id"`
	Fields []string `json:"fields"`
}

// EdgeDelta is a weight movement for an edge present in both snapshots.
type EdgeDelta struct {
	EdgeID string  `json:"edge_id"`
	From   float64 `json:"from"`
	To     float64 `json:"to"`
}

// DiffStats summarizes a diff. NetChange is
// (nodesAdded - nodesRemoved) + (edgesAdded - edgesRemoved).
type DiffStats struct {
	NodesAdded   int `json:"nodes_added"`
	NodesRemoved int `json:"nodes_removed"`
	NodesChanged int `json:"nodes_changed"`
	EdgesAdded   int `json:"edges_added"`
	EdgesRemoved int `json:"edges_removed"`
	NetChange    int `json:"net_change"`
}

// Diff is the structural comparison of two snapshots.
type Diff struct {
	FromID            string       `json:"from_id"`
	ToID              string       `json:"to_id"`
	NodesAdded        []string     `json:"nodes_added"`
	NodesRemoved      []string     `json:"nodes_removed"`
	NodesChanged      []NodeChange `json:"nodes_changed"`
	EdgesAdded        []string     `json:"edges_added"`
	EdgesRemoved      []string     `json:"edges_removed"`
	EdgesStrengthened []EdgeDelta  `json:"edges_strengthened"`
	EdgesWeakened     []EdgeDelta  `json:"edges_weakened"`
	Stats             DiffStats    `json:"stats"`
}

// DiffSnapshots compares two captures. Added means present only in `to`,
// removed only in `from`; the construction makes the diff antisymmetric:
// DiffSnapshots(a,b).NodesAdded == DiffSnapshots(b,a).NodesRemoved.
func DiffSnapshots(db *graph.DB, fromID, toID string) (*Diff, error) {
	if _, err := db.GetSnapshot(fromID); err != nil {
		return nil, err
	}
	if _, err := db.GetSnapshot(toID); err != nil {
		return nil, err
	}

	fromNodes, err := db.SnapshotNodeStates(fromID)
	if err != nil {
		return nil, err
	}
	toNodes, err := db.SnapshotNodeStates(toID)
	if err != nil {
		return nil, err
	}
	fromEdges, err := db.SnapshotEdgeStates(fromID)
	if err != nil {
		return nil, err
	}
	toEdges, err := db.SnapshotEdgeStates(toID)
	if err != nil {
		return nil, err
	}

	d := &Diff{FromID: fromID, ToID: toID}

	for id, after := range toNodes {
		before, ok := fromNodes[id]
		if !ok {
			d.NodesAdded = append(d.NodesAdded, id)
			continue
		}
		if fields := changedNodeFields(before, after); len(fields) > 0 {
			d.NodesChanged = append(d.NodesChanged, NodeChange{NodeID: id, Fields: fields})
		}
	}
	for id := range fromNodes {
		if _, ok := toNodes[id]; !ok {
			d.NodesRemoved = append(d.NodesRemoved, id)
		}
	}

	for id, after := range toEdges {
		before, ok := fromEdges[id]
		if !ok {
			d.EdgesAdded = append(d.EdgesAdded, id)
			continue
		}
		if after.Weight > before.Weight {
			d.EdgesStrengthened = append(d.EdgesStrengthened, EdgeDelta{EdgeID: id, From: before.Weight, To: after.Weight})
		} else if after.Weight < before.Weight {
			d.EdgesWeakened = append(d.EdgesWeakened, EdgeDelta{EdgeID: id, From: before.Weight, To: after.Weight})
		}
	}
	for id := range fromEdges {
		if _, ok := toEdges[id]; !ok {
			d.EdgesRemoved = append(d.EdgesRemoved, id)
		}
	}

	sort.Strings(d.NodesAdded)
	sort.Strings(d.NodesRemoved)
	sort.Strings(d.EdgesAdded)
	sort.Strings(d.EdgesRemoved)
	sort.Slice(d.NodesChanged, func(i, j int) bool { return d.NodesChanged[i].NodeID < d.NodesChanged[j].NodeID })
	sort.Slice(d.EdgesStrengthened, func(i, j int) bool { return d.EdgesStrengthened[i].EdgeID < d.EdgesStrengthened[j].EdgeID })
	sort.Slice(d.EdgesWeakened, func(i, j int) bool { return d.EdgesWeakened[i].EdgeID < d.EdgesWeakened[j].EdgeID })

	d.Stats = DiffStats{
		NodesAdded:   len(d.NodesAdded),
		NodesRemoved: len(d.NodesRemoved),
		NodesChanged: len(d.NodesChanged),
		EdgesAdded:   len(d.EdgesAdded),
		EdgesRemoved: len(d.EdgesRemoved),
	}
	d.Stats.NetChange = (d.Stats.NodesAdded - d.Stats.NodesRemoved) + (d.Stats.EdgesAdded - d.Stats.EdgesRemoved)
	return d, nil
}

func changedNodeFields(before, after *graph.SnapshotNodeState) []string {
	var fields []string
	if before.Label != after.Label {
		fields = append(fields, "label")
	}
	if before.Type != after.Type {
		fields = append(fields, "type")
	}
	if before.MentionCount != after.MentionCount {
		fields = append(fields, "mention_count")
	}
	if before.ReinforcementCount != after.ReinforcementCount {
		fields = append(fields, "reinforcement_count")
	}
	if !before.LastReinforced.Equal(after.LastReinforced) {
		fields = append(fields, "last_reinforced")
	}
	return fields
}

// NodeHistory returns every snapshot's recorded state for a node, oldest
// first. Unknown nodes yield an empty history, not an error.
func NodeHistory(db *graph.DB, nodeID string) ([]*graph.SnapshotNodeState, error) {
	return db.NodeStateHistory(nodeID)
}

// EdgeHistory returns every snapshot's recorded state for an edge, oldest
// first. Unknown edges yield an empty history, not an error.
func EdgeHistory(db *graph.DB, edgeID string) ([]*graph.SnapshotEdgeState, error) {
	return db.EdgeStateHistory(edgeID)
}
