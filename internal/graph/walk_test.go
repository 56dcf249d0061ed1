package graph

import (
	"math"
	"testing"
	"time"
)

func TestWalkTwoHopChain(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeConcept)
	c := addTestNode(t, db, "C", NodeConcept)

	addTestEdge(t, db, a, b, EdgeCoOccurrence, 0.6, now)
	addTestEdge(t, db, b, c, EdgeCoOccurrence, 0.4, now)

	scores, err := db.Walk([]string{a}, 2, now, 0.015, 0.05)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}

	if scores[a] != 1.0 {
		t.Errorf("Seed must score exactly 1.0, got %v", scores[a])
	}
	if math.Abs(scores[b]-0.3) > 1e-9 {
		t.Errorf("Expected B = 0.6*0.5 = 0.3, got %v", scores[b])
	}
	if scores[c] <= 0 || scores[c] >= scores[b] {
		t.Errorf("Expected 0 < C < B, got C=%v B=%v", scores[c], scores[b])
	}
}

func TestWalkHopGating(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeConcept)
	c := addTestNode(t, db, "C", NodeConcept)

	addTestEdge(t, db, a, b, EdgeCoOccurrence, 0.6, now)
	addTestEdge(t, db, b, c, EdgeCoOccurrence, 0.6, now)

	scores, err := db.Walk([]string{a}, 1, now, 0.015, 0.05)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if _, found := scores[c]; found {
		t.Error("2-hop-only node must not appear with hops=1")
	}
	if _, found := scores[b]; !found {
		t.Error("1-hop neighbor missing with hops=1")
	}
}

func TestWalkMaxOverPaths(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeConcept)
	c := addTestNode(t, db, "C", NodeConcept)

	// Two paths to B: direct (0.9 * 0.5 = 0.45) and through C
	// (second hop: 0.8 * 1/3 ≈ 0.267). The higher one wins, never the sum.
	addTestEdge(t, db, a, b, EdgeExplicit, 0.9, now)
	addTestEdge(t, db, a, c, EdgeCoOccurrence, 0.5, now)
	addTestEdge(t, db, c, b, EdgeExplicit, 0.8, now)

	scores, err := db.Walk([]string{a}, 2, now, 0.015, 0.05)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if math.Abs(scores[b]-0.45) > 1e-9 {
		t.Errorf("Expected max-over-paths B = 0.45, got %v", scores[b])
	}
}

func TestWalkIsolatedNodeNeverSurfaces(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeConcept)
	isolated := addTestNode(t, db, "Island", NodeConcept)

	addTestEdge(t, db, a, b, EdgeCoOccurrence, 0.6, now)

	scores, err := db.Walk([]string{a}, 3, now, 0.015, 0.05)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if _, found := scores[isolated]; found {
		t.Error("Isolated node must never appear in walk results")
	}
}

func TestWalkSkipsDormantEdges(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeConcept)

	// Reinforced two years ago: current weight far below the threshold.
	addTestEdge(t, db, a, b, EdgeTemporal, 0.3, now.Add(-730*24*time.Hour))

	scores, err := db.Walk([]string{a}, 2, now, 0.015, 0.05)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if _, found := scores[b]; found {
		t.Error("Node behind a dormant edge must not be discovered")
	}
}

func TestWalkDirectedEdgesForwardOnly(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeConcept)

	if err := db.AddEdge(&Edge{Source: a, Target: b, Type: EdgeCausal, Directed: true, BaseWeight: 0.8, LastReinforced: now}); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}

	scores, _ := db.Walk([]string{a}, 1, now, 0.015, 0.05)
	if _, found := scores[b]; !found {
		t.Error("Directed edge must be traversable forward")
	}

	scores, _ = db.Walk([]string{b}, 1, now, 0.015, 0.05)
	if _, found := scores[a]; found {
		t.Error("Directed edge must not be traversable backwards")
	}
}

func TestWalkEmptySeeds(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	scores, err := db.Walk(nil, 2, time.Now(), 0.015, 0.05)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if len(scores) != 0 {
		t.Errorf("Expected empty result for empty seeds, got %d entries", len(scores))
	}
}
