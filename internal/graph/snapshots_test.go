package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/engramd/engram/internal/apperr"
)

func TestCreateSnapshotCapturesState(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeTool)
	edgeID := addTestEdge(t, db, a, b, EdgeCoOccurrence, 0.5, time.Now())

	snap, err := db.CreateSnapshot(SnapshotManual, "before decay")
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if snap.NodeCount != 2 || snap.EdgeCount != 1 || snap.EpisodeCount != 0 {
		t.Errorf("Unexpected counts: %+v", snap)
	}

	nodes, err := db.SnapshotNodeStates(snap.ID)
	if err != nil {
		t.Fatalf("SnapshotNodeStates failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 captured nodes, got %d", len(nodes))
	}
	if nodes[a].Label != "A" || nodes[a].Type != NodeConcept {
		t.Errorf("Captured node state mismatch: %+v", nodes[a])
	}

	edges, err := db.SnapshotEdgeStates(snap.ID)
	if err != nil {
		t.Fatalf("SnapshotEdgeStates failed: %v", err)
	}
	if len(edges) != 1 || edges[edgeID].Weight != 0.5 {
		t.Errorf("Captured edge state mismatch: %+v", edges)
	}

	// Snapshots are write-once: later graph changes don't alter the capture.
	db.ReinforceNode(a, time.Now(), nil)
	nodes, _ = db.SnapshotNodeStates(snap.ID)
	if nodes[a].MentionCount != 1 {
		t.Errorf("Snapshot must not track live graph, got mentionCount %d", nodes[a].MentionCount)
	}
}

func TestGetSnapshotNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := db.GetSnapshot("snap-missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestNodeStateHistory(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addTestNode(t, db, "A", NodeConcept)

	if _, err := db.CreateSnapshot(SnapshotManual, ""); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	db.ReinforceNode(a, time.Now(), nil)
	time.Sleep(5 * time.Millisecond) // distinct created_at ordering
	if _, err := db.CreateSnapshot(SnapshotConsolidation, ""); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	history, err := db.NodeStateHistory(a)
	if err != nil {
		t.Fatalf("NodeStateHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(history))
	}
	if history[0].MentionCount != 1 || history[1].MentionCount != 2 {
		t.Errorf("History not ordered oldest-first: %d then %d",
			history[0].MentionCount, history[1].MentionCount)
	}

	// Unknown node: empty history, not an error.
	history, err = db.NodeStateHistory("node-missing")
	if err != nil || len(history) != 0 {
		t.Errorf("Expected empty history for unknown node, got %d entries err %v", len(history), err)
	}
}

func TestPruneSnapshots(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	addTestNode(t, db, "A", NodeConcept)

	s1, _ := db.CreateSnapshot(SnapshotManual, "old")
	// Backdate the first snapshot by a year.
	if _, err := db.db.Exec(`UPDATE snapshots SET created_at = ? WHERE id = ?`,
		time.Now().Add(-365*24*time.Hour), s1.ID); err != nil {
		t.Fatalf("Backdating failed: %v", err)
	}
	s2, _ := db.CreateSnapshot(SnapshotManual, "recent")

	pruned, err := db.PruneSnapshots(time.Now().Add(-90*24*time.Hour), 1)
	if err != nil {
		t.Fatalf("PruneSnapshots failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Expected 1 pruned snapshot, got %d", pruned)
	}

	if _, err := db.GetSnapshot(s1.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected old snapshot gone, got %v", err)
	}
	if _, err := db.GetSnapshot(s2.ID); err != nil {
		t.Errorf("Recent snapshot must survive, got %v", err)
	}

	// State rows cascade with the snapshot.
	states, _ := db.SnapshotNodeStates(s1.ID)
	if len(states) != 0 {
		t.Errorf("Expected pruned snapshot's state rows gone, got %d", len(states))
	}
}

func TestPruneKeepsLastRegardlessOfAge(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	s1, _ := db.CreateSnapshot(SnapshotManual, "")
	if _, err := db.db.Exec(`UPDATE snapshots SET created_at = ? WHERE id = ?`,
		time.Now().Add(-365*24*time.Hour), s1.ID); err != nil {
		t.Fatalf("Backdating failed: %v", err)
	}

	pruned, err := db.PruneSnapshots(time.Now().Add(-90*24*time.Hour), 1)
	if err != nil {
		t.Fatalf("PruneSnapshots failed: %v", err)
	}
	if pruned != 0 {
		t.Errorf("keepLast must protect the only snapshot, pruned %d", pruned)
	}
}
