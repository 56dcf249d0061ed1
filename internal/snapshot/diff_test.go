package snapshot

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/engramd/engram/internal/apperr"
	"github.com/engramd/engram/internal/graph"
)

func setupTestDB(t *testing.T) (*graph.DB, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "snapshot-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := graph.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}
	return db, func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func addNode(t *testing.T, db *graph.DB, label string) string {
	t.Helper()
	id := graph.NodeID(label)
	if err := db.AddNode(&graph.Node{ID: id, Label: label, Type: graph.NodeConcept}); err != nil {
		t.Fatalf("AddNode %s failed: %v", label, err)
	}
	return id
}

func addEdge(t *testing.T, db *graph.DB, a, b string, weight float64, lastReinforced time.Time) string {
	t.Helper()
	e := &graph.Edge{Source: a, Target: b, Type: graph.EdgeCoOccurrence, BaseWeight: weight, LastReinforced: lastReinforced}
	if err := db.AddEdge(e); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	return e.ID
}

func snap(t *testing.T, db *graph.DB) string {
	t.Helper()
	s, err := db.CreateSnapshot(graph.SnapshotManual, "")
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	return s.ID
}

func TestDiffAddedRemovedChanged(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addNode(t, db, "A")
	b := addNode(t, db, "B")
	before := snap(t, db)

	// Between snapshots: B removed, C added, A reinforced.
	if err := db.DeleteNode(b); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}
	c := addNode(t, db, "C")
	if err := db.ReinforceNode(a, time.Now(), nil); err != nil {
		t.Fatalf("ReinforceNode failed: %v", err)
	}
	after := snap(t, db)

	d, err := DiffSnapshots(db, before, after)
	if err != nil {
		t.Fatalf("DiffSnapshots failed: %v", err)
	}

	if len(d.NodesAdded) != 1 || d.NodesAdded[0] != c {
		t.Errorf("Expected C added, got %v", d.NodesAdded)
	}
	if len(d.NodesRemoved) != 1 || d.NodesRemoved[0] != b {
		t.Errorf("Expected B removed, got %v", d.NodesRemoved)
	}
	if len(d.NodesChanged) != 1 || d.NodesChanged[0].NodeID != a {
		t.Fatalf("Expected A changed, got %v", d.NodesChanged)
	}

	fields := make(map[string]bool)
	for _, f := range d.NodesChanged[0].Fields {
		fields[f] = true
	}
	if !fields["mention_count"] || !fields["reinforcement_count"] || !fields["last_reinforced"] {
		t.Errorf("Expected reinforcement fields reported, got %v", d.NodesChanged[0].Fields)
	}
	if fields["label"] || fields["type"] {
		t.Errorf("Unchanged fields reported: %v", d.NodesChanged[0].Fields)
	}
}

func TestDiffEdgeWeightMovement(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	t0 := time.Now()
	a := addNode(t, db, "A")
	b := addNode(t, db, "B")
	c := addNode(t, db, "C")

	// "up" starts long-neglected and gets reinforced between snapshots;
	// "down" starts fresh and just decays.
	up := addEdge(t, db, a, b, 0.8, t0.Add(-200*24*time.Hour))
	down := addEdge(t, db, a, c, 0.8, t0)

	if _, err := db.DecayAllEdges(t0, 0.015, 0.05); err != nil {
		t.Fatalf("DecayAllEdges failed: %v", err)
	}
	before := snap(t, db)

	if err := db.ReinforceEdge(up, t0, 1.5, nil); err != nil {
		t.Fatalf("ReinforceEdge failed: %v", err)
	}
	if _, err := db.DecayAllEdges(t0.Add(50*24*time.Hour), 0.015, 0.05); err != nil {
		t.Fatalf("DecayAllEdges failed: %v", err)
	}
	after := snap(t, db)

	d, err := DiffSnapshots(db, before, after)
	if err != nil {
		t.Fatalf("DiffSnapshots failed: %v", err)
	}

	if len(d.EdgesStrengthened) != 1 || d.EdgesStrengthened[0].EdgeID != up {
		t.Fatalf("Expected one strengthened edge, got %v", d.EdgesStrengthened)
	}
	if d.EdgesStrengthened[0].To <= d.EdgesStrengthened[0].From {
		t.Errorf("Strengthened delta must move up: %+v", d.EdgesStrengthened[0])
	}
	if len(d.EdgesWeakened) != 1 || d.EdgesWeakened[0].EdgeID != down {
		t.Fatalf("Expected one weakened edge, got %v", d.EdgesWeakened)
	}
	if d.EdgesWeakened[0].To >= d.EdgesWeakened[0].From {
		t.Errorf("Weakened delta must move down: %+v", d.EdgesWeakened[0])
	}
}

func TestDiffAntisymmetric(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addNode(t, db, "A")
	b := addNode(t, db, "B")
	addEdge(t, db, a, b, 0.5, time.Now())
	s1 := snap(t, db)

	c := addNode(t, db, "C")
	addEdge(t, db, a, c, 0.5, time.Now())
	if err := db.DeleteNode(b); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}
	s2 := snap(t, db)

	forward, err := DiffSnapshots(db, s1, s2)
	if err != nil {
		t.Fatalf("DiffSnapshots failed: %v", err)
	}
	reverse, err := DiffSnapshots(db, s2, s1)
	if err != nil {
		t.Fatalf("DiffSnapshots failed: %v", err)
	}

	if len(forward.NodesAdded) != len(reverse.NodesRemoved) {
		t.Errorf("Antisymmetry broken for nodes: %v vs %v", forward.NodesAdded, reverse.NodesRemoved)
	}
	for i, id := range forward.NodesAdded {
		if reverse.NodesRemoved[i] != id {
			t.Errorf("Antisymmetry broken: added %v, reverse removed %v", forward.NodesAdded, reverse.NodesRemoved)
		}
	}
	if len(forward.EdgesAdded) != len(reverse.EdgesRemoved) {
		t.Errorf("Antisymmetry broken for edges: %v vs %v", forward.EdgesAdded, reverse.EdgesRemoved)
	}
	if forward.Stats.NetChange != -reverse.Stats.NetChange {
		t.Errorf("NetChange must negate under reversal: %d vs %d",
			forward.Stats.NetChange, reverse.Stats.NetChange)
	}
}

func TestDiffNetChange(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addNode(t, db, "A")
	b := addNode(t, db, "B")
	s1 := snap(t, db)

	// +2 nodes, +2 edges, -1 node: net (2-1) + (2-0) = 3.
	c := addNode(t, db, "C")
	d := addNode(t, db, "D")
	addEdge(t, db, a, c, 0.5, time.Now())
	addEdge(t, db, c, d, 0.5, time.Now())
	if err := db.DeleteNode(b); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}
	s2 := snap(t, db)

	diff, err := DiffSnapshots(db, s1, s2)
	if err != nil {
		t.Fatalf("DiffSnapshots failed: %v", err)
	}
	if diff.Stats.NetChange != 3 {
		t.Errorf("Expected net change 3, got %d (stats %+v)", diff.Stats.NetChange, diff.Stats)
	}
}

func TestDiffUnknownSnapshot(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	s1 := snap(t, db)

	if _, err := DiffSnapshots(db, s1, "snap-missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown to-snapshot, got %v", err)
	}
	if _, err := DiffSnapshots(db, "snap-missing", s1); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown from-snapshot, got %v", err)
	}
}

func TestEdgeHistory(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addNode(t, db, "A")
	b := addNode(t, db, "B")
	edgeID := addEdge(t, db, a, b, 0.5, time.Now().Add(-50*24*time.Hour))

	snap(t, db)
	if _, err := db.DecayAllEdges(time.Now(), 0.015, 0.05); err != nil {
		t.Fatalf("DecayAllEdges failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // distinct created_at ordering
	snap(t, db)

	history, err := EdgeHistory(db, edgeID)
	if err != nil {
		t.Fatalf("EdgeHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(history))
	}
	if history[0].Weight != 0.5 || history[1].Weight >= 0.5 {
		t.Errorf("History not ordered oldest-first: %v then %v",
			history[0].Weight, history[1].Weight)
	}

	history, err = EdgeHistory(db, "edge-missing")
	if err != nil || len(history) != 0 {
		t.Errorf("Expected empty history for unknown edge, got %d entries err %v", len(history), err)
	}
}
