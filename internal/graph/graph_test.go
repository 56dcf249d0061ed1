package graph

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/engramd/engram/internal/apperr"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "engram-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	db, err := Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

// addTestNode adds a node with a deterministic ID derived from the label
func addTestNode(t *testing.T, db *DB, label string, nodeType NodeType) string {
	t.Helper()
	id := NodeID(label)
	if err := db.AddNode(&Node{ID: id, Label: label, Type: nodeType}); err != nil {
		t.Fatalf("Failed to add node %s: %v", label, err)
	}
	return id
}

// addTestEdge adds an undirected edge between two node IDs
func addTestEdge(t *testing.T, db *DB, source, target string, edgeType EdgeType, baseWeight float64, lastReinforced time.Time) string {
	t.Helper()
	e := &Edge{
		Source:         source,
		Target:         target,
		Type:           edgeType,
		BaseWeight:     baseWeight,
		LastReinforced: lastReinforced,
	}
	if err := db.AddEdge(e); err != nil {
		t.Fatalf("Failed to add edge %s-%s: %v", source, target, err)
	}
	return e.ID
}

func TestNodeIDDeterministic(t *testing.T) {
	a := NodeID("Marcus")
	b := NodeID("  marcus  ")
	c := NodeID("Marcus's")
	if a != b || a != c {
		t.Errorf("Expected equivalent labels to hash to one ID: %s / %s / %s", a, b, c)
	}
	if NodeID("Marcus") == NodeID("Johnson") {
		t.Error("Different labels must not collide")
	}
}

func TestEdgeIDOrderIndependence(t *testing.T) {
	ab := EdgeID("node-a", "node-b", EdgeCoOccurrence, false)
	ba := EdgeID("node-b", "node-a", EdgeCoOccurrence, false)
	if ab != ba {
		t.Errorf("Undirected edge ID must be order-independent: %s vs %s", ab, ba)
	}

	directedAB := EdgeID("node-a", "node-b", EdgeCausal, true)
	directedBA := EdgeID("node-b", "node-a", EdgeCausal, true)
	if directedAB == directedBA {
		t.Error("Directed edge IDs must preserve endpoint order")
	}
}

func TestAddNodeReinforcesOnConflict(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	id := addTestNode(t, db, "TypeScript", NodeTool)

	// Same ID again acts as a reinforcement, not a duplicate.
	if err := db.AddNode(&Node{ID: id, Label: "TypeScript", Type: NodeTool}); err != nil {
		t.Fatalf("Re-adding node failed: %v", err)
	}

	n, err := db.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if n.MentionCount != 2 {
		t.Errorf("Expected mentionCount 2 after re-add, got %d", n.MentionCount)
	}
	if n.ReinforcementCount != 1 {
		t.Errorf("Expected reinforcementCount 1 after re-add, got %d", n.ReinforcementCount)
	}

	count, _ := db.CountNodes()
	if count != 1 {
		t.Errorf("Expected 1 node, got %d", count)
	}
}

func TestGetNodeNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := db.GetNode("node-missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFindNodeByLabelAndAlias(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	id := addTestNode(t, db, "Marcus", NodePerson)
	if err := db.AddNodeAlias(id, "Marc"); err != nil {
		t.Fatalf("AddNodeAlias failed: %v", err)
	}

	n, err := db.FindNodeByLabel("marcus")
	if err != nil || n == nil {
		t.Fatalf("Expected case-insensitive label match, got node=%v err=%v", n, err)
	}

	n, err = db.FindNodeByAlias("MARC")
	if err != nil || n == nil {
		t.Fatalf("Expected case-insensitive alias match, got node=%v err=%v", n, err)
	}
	if n.ID != id {
		t.Errorf("Alias resolved to wrong node: %s", n.ID)
	}

	n, err = db.FindNodeByLabel("nobody")
	if err != nil || n != nil {
		t.Errorf("Expected nil,nil for unknown label, got node=%v err=%v", n, err)
	}
}

func TestDeleteNodeCascades(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeConcept)
	edgeID := addTestEdge(t, db, a, b, EdgeCoOccurrence, 0.5, time.Now())

	if err := db.DeleteNode(a); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}

	if _, err := db.GetEdge(edgeID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected incident edge to cascade, got %v", err)
	}
}

func TestExcerptCap(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	id := addTestNode(t, db, "Capped", NodeConcept)
	for i := 0; i < MaxExcerptsPerNode+5; i++ {
		db.AppendNodeExcerpt(id, Excerpt{File: "f.md", Text: "x", Date: time.Now()})
	}

	n, err := db.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if len(n.Excerpts) != MaxExcerptsPerNode {
		t.Errorf("Expected excerpts capped at %d, got %d", MaxExcerptsPerNode, len(n.Excerpts))
	}
}

func TestReinforceEdgeLeavesWeightStale(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeConcept)
	id := addTestEdge(t, db, a, b, EdgeCoOccurrence, 0.5, time.Now())

	before, _ := db.GetEdge(id)
	if err := db.ReinforceEdge(id, time.Now(), 1.5, nil); err != nil {
		t.Fatalf("ReinforceEdge failed: %v", err)
	}
	after, _ := db.GetEdge(id)

	if after.ReinforcementCount != before.ReinforcementCount+1 {
		t.Errorf("Expected reinforcement count bump, got %d", after.ReinforcementCount)
	}
	if after.Stability <= before.Stability {
		t.Errorf("Expected stability to grow, got %v -> %v", before.Stability, after.Stability)
	}
	if after.Weight != before.Weight {
		t.Errorf("Reinforcement must not touch materialized weight: %v -> %v", before.Weight, after.Weight)
	}
}

func TestEdgeEvidenceCap(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeConcept)
	id := addTestEdge(t, db, a, b, EdgeCoOccurrence, 0.5, time.Now())

	for i := 0; i < MaxEvidencePerEdge+10; i++ {
		db.AppendEdgeEvidence(id, Evidence{File: "f.md", Date: time.Now()})
	}
	evidence, err := db.GetEdgeEvidence(id)
	if err != nil {
		t.Fatalf("GetEdgeEvidence failed: %v", err)
	}
	if len(evidence) != MaxEvidencePerEdge {
		t.Errorf("Expected evidence capped at %d, got %d", MaxEvidencePerEdge, len(evidence))
	}
}

func TestPendingEdgeLedger(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	p := &PendingEdge{
		Source:    "node-b",
		Target:    "node-a",
		Type:      EdgeCoOccurrence,
		Count:     1,
		FirstSeen: time.Now(),
		Evidence:  []Evidence{{File: "one.md", Date: time.Now()}},
	}
	if err := db.PutPendingEdge(p); err != nil {
		t.Fatalf("PutPendingEdge failed: %v", err)
	}

	// Lookup is pair-order independent.
	got, err := db.GetPendingEdge("node-a", "node-b", EdgeCoOccurrence)
	if err != nil {
		t.Fatalf("GetPendingEdge failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected pending edge regardless of endpoint order")
	}
	if got.Count != 1 || len(got.Evidence) != 1 {
		t.Errorf("Unexpected ledger state: count=%d evidence=%d", got.Count, len(got.Evidence))
	}

	got.Count++
	got.Evidence = append(got.Evidence, Evidence{File: "two.md", Date: time.Now()})
	if err := db.PutPendingEdge(got); err != nil {
		t.Fatalf("PutPendingEdge update failed: %v", err)
	}

	got, _ = db.GetPendingEdge("node-b", "node-a", EdgeCoOccurrence)
	if got.Count != 2 || len(got.Evidence) != 2 {
		t.Errorf("Expected count 2 with 2 evidence entries, got count=%d evidence=%d", got.Count, len(got.Evidence))
	}

	if err := db.DeletePendingEdge("node-a", "node-b", EdgeCoOccurrence); err != nil {
		t.Fatalf("DeletePendingEdge failed: %v", err)
	}
	got, _ = db.GetPendingEdge("node-a", "node-b", EdgeCoOccurrence)
	if got != nil {
		t.Error("Expected pending edge gone after delete")
	}
}

func TestGetNeighborsDirection(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeConcept)
	c := addTestNode(t, db, "C", NodeConcept)

	addTestEdge(t, db, a, b, EdgeCoOccurrence, 0.5, time.Now())
	// Directed causal edge a -> c.
	if err := db.AddEdge(&Edge{Source: a, Target: c, Type: EdgeCausal, Directed: true, BaseWeight: 0.8}); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}

	// From a: both b (undirected) and c (directed forward).
	neighbors, err := db.GetNeighbors(a)
	if err != nil {
		t.Fatalf("GetNeighbors failed: %v", err)
	}
	if len(neighbors) != 2 {
		t.Errorf("Expected 2 neighbors of a, got %d", len(neighbors))
	}

	// From c: the directed edge must not be traversed backwards.
	neighbors, _ = db.GetNeighbors(c)
	if len(neighbors) != 0 {
		t.Errorf("Expected no neighbors of c, got %d", len(neighbors))
	}
}

func TestEpisodeLinks(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	nodeID := addTestNode(t, db, "Marcus", NodePerson)
	ep := &Episode{Type: EpisodeConversation, Title: "standup", Content: "talked to marcus", Source: "chat"}
	if err := db.AddEpisode(ep); err != nil {
		t.Fatalf("AddEpisode failed: %v", err)
	}

	if err := db.LinkEpisodeToNode(ep.ID, nodeID, RoleParticipant); err != nil {
		t.Fatalf("LinkEpisodeToNode failed: %v", err)
	}
	if err := db.LinkEpisodeToNode(ep.ID, nodeID, "sidekick"); err == nil {
		t.Error("Expected error for unknown role")
	}

	ids, err := db.GetNodesForEpisode(ep.ID)
	if err != nil || len(ids) != 1 || ids[0] != nodeID {
		t.Errorf("Unexpected episode nodes: %v (err %v)", ids, err)
	}

	episodes, err := db.GetEpisodesForNode(nodeID, 3)
	if err != nil || len(episodes) != 1 {
		t.Fatalf("Unexpected node episodes: %d (err %v)", len(episodes), err)
	}
	if episodes[0].ID != ep.ID {
		t.Errorf("Wrong episode: %s", episodes[0].ID)
	}
}

func TestProcedureCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	p := &Procedure{
		Statement:       "prefer tabs over spaces",
		Type:            ProcPreference,
		TriggerKeywords: []string{"formatting", "indent"},
		Confidence:      0.6,
	}
	if err := db.AddProcedure(p); err != nil {
		t.Fatalf("AddProcedure failed: %v", err)
	}

	got, err := db.GetProcedure(p.ID)
	if err != nil {
		t.Fatalf("GetProcedure failed: %v", err)
	}
	if got.Statement != p.Statement || len(got.TriggerKeywords) != 2 {
		t.Errorf("Round-trip mismatch: %+v", got)
	}
	if got.Stability != 1 {
		t.Errorf("Expected stability default 1, got %v", got.Stability)
	}

	got.Confidence = 2.0 // out of range, must clamp
	if err := db.UpdateProcedure(got); err != nil {
		t.Fatalf("UpdateProcedure failed: %v", err)
	}
	got, _ = db.GetProcedure(p.ID)
	if got.Confidence != MaxConfidence {
		t.Errorf("Expected confidence clamped to %v, got %v", MaxConfidence, got.Confidence)
	}

	if _, err := db.GetProcedure("proc-missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addTestNode(t, db, "A", NodeConcept)
	b := addTestNode(t, db, "B", NodeConcept)
	addTestEdge(t, db, a, b, EdgeCoOccurrence, 0.5, time.Now())

	ep := &Episode{Type: EpisodeEvent, Title: "t", Content: "c", Source: "s"}
	if err := db.AddEpisode(ep); err != nil {
		t.Fatalf("AddEpisode failed: %v", err)
	}
	db.LinkEpisodeToNode(ep.ID, a, RoleTopic)
	db.AddProcedure(&Procedure{Statement: "s", Type: ProcInsight, Confidence: 0.5})

	full, err := db.GetFullGraph()
	if err != nil {
		t.Fatalf("GetFullGraph failed: %v", err)
	}

	// Import into a fresh database.
	db2, cleanup2 := setupTestDB(t)
	defer cleanup2()

	if err := db2.ImportGraph(full); err != nil {
		t.Fatalf("ImportGraph failed: %v", err)
	}

	for _, table := range []string{"nodes", "edges", "episodes", "procedures"} {
		s1, _ := db.Stats()
		s2, _ := db2.Stats()
		if s1[table] != s2[table] {
			t.Errorf("Table %s: exported %d, imported %d", table, s1[table], s2[table])
		}
	}

	// Import refuses a non-empty target.
	if err := db2.ImportGraph(full); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ErrValidation on non-empty import, got %v", err)
	}
}

func TestMetadata(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.SetMeta("last_run", "2026-01-01"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	v, err := db.GetMeta("last_run")
	if err != nil || v != "2026-01-01" {
		t.Errorf("GetMeta: got %q err %v", v, err)
	}
	v, err = db.GetMeta("missing")
	if err != nil || v != "" {
		t.Errorf("Expected empty value for missing key, got %q err %v", v, err)
	}
}

func TestStoreErrorsClassifiable(t *testing.T) {
	db, cleanup := setupTestDB(t)
	cleanup() // closed database: every write fails at the driver

	err := db.AddNode(&Node{ID: NodeID("Marcus"), Label: "Marcus", Type: NodePerson})
	if !errors.Is(err, apperr.ErrStore) {
		t.Errorf("Expected ErrStore for a driver failure, got %v", err)
	}

	e := &Edge{Source: "a", Target: "b", Type: EdgeCoOccurrence, BaseWeight: 0.5, LastReinforced: time.Now()}
	if err := db.AddEdge(e); !errors.Is(err, apperr.ErrStore) {
		t.Errorf("Expected ErrStore for a driver failure, got %v", err)
	}
}

func TestSimilarNodesDimensionMismatch(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	id := addTestNode(t, db, "K8s", NodeTool)
	emb := make([]float64, 32)
	emb[0] = 1
	if err := db.SaveNodeEmbedding(id, emb); err != nil {
		t.Fatalf("SaveNodeEmbedding failed: %v", err)
	}

	// Query with a different dimension: degraded to empty, never an error.
	query := make([]float64, 16)
	query[0] = 1
	items, err := db.SimilarNodes(query, 5)
	if err != nil {
		t.Fatalf("SimilarNodes failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected no results across dimensions, got %d", len(items))
	}
}
