package graph

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/engramd/engram/internal/apperr"
)

// SnapshotNodeState is a node's captured shape inside one snapshot.
type SnapshotNodeState struct {
	SnapshotID         string    `json:"snapshot_id"`
	NodeID             string    `json:"node_id"`
	Label              string    `json:"label"`
	Type               NodeType  `json:"type"`
	MentionCount       int       `json:"mention_count"`
	ReinforcementCount int       `json:"reinforcement_count"`
	LastReinforced     time.Time `json:"last_reinforced"`
	CapturedAt         time.Time `json:"captured_at"`
}

// SnapshotEdgeState is an edge's captured shape inside one snapshot.
type SnapshotEdgeState struct {
	SnapshotID         string    `json:"snapshot_id"`
	EdgeID             string    `json:"edge_id"`
	Source             string    `json:"source"`
	Target             string    `json:"target"`
	Type               EdgeType  `json:"type"`
	Weight             float64   `json:"weight"`
	Stability          float64   `json:"stability"`
	ReinforcementCount int       `json:"reinforcement_count"`
	CapturedAt         time.Time `json:"captured_at"`
}

// CreateSnapshot captures the current graph shape: summary counts plus one
// state row per node and edge, all in a single transaction so the capture is
// internally consistent. Snapshots are write-once; nothing updates them after
// commit.
func (g *DB) CreateSnapshot(trigger SnapshotTrigger, metadata string) (*Snapshot, error) {
	snap := &Snapshot{
		ID:        "snap-" + uuid.NewString(),
		CreatedAt: time.Now(),
		Trigger:   trigger,
		Metadata:  metadata,
	}

	nodes, err := g.AllNodes()
	if err != nil {
		return nil, err
	}
	edges, err := g.AllEdges()
	if err != nil {
		return nil, err
	}
	episodeCount, err := g.CountEpisodes()
	if err != nil {
		return nil, err
	}

	snap.NodeCount = len(nodes)
	snap.EdgeCount = len(edges)
	snap.EpisodeCount = episodeCount

	tx, err := g.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO snapshots (id, created_at, trigger_type, node_count, edge_count, episode_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.CreatedAt, snap.Trigger, snap.NodeCount, snap.EdgeCount, snap.EpisodeCount, snap.Metadata)
	if err != nil {
		return nil, storeErr("failed to insert snapshot", err)
	}

	for _, n := range nodes {
		_, err := tx.Exec(`
			INSERT INTO snapshot_nodes (snapshot_id, node_id, label, type, mention_count,
				reinforcement_count, last_reinforced)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, snap.ID, n.ID, n.Label, n.Type, n.MentionCount, n.ReinforcementCount, n.LastReinforced)
		if err != nil {
			return nil, storeErr(fmt.Sprintf("failed to capture node %s", n.ID), err)
		}
	}

	for _, e := range edges {
		_, err := tx.Exec(`
			INSERT INTO snapshot_edges (snapshot_id, edge_id, source, target, type,
				weight, stability, reinforcement_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, snap.ID, e.ID, e.Source, e.Target, e.Type, e.Weight, e.Stability, e.ReinforcementCount)
		if err != nil {
			return nil, storeErr(fmt.Sprintf("failed to capture edge %s", e.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[snapshot] captured %s: %d nodes, %d edges, %d episodes",
		snap.ID, snap.NodeCount, snap.EdgeCount, snap.EpisodeCount)
	return snap, nil
}

// GetSnapshot retrieves a snapshot's summary row by ID.
func (g *DB) GetSnapshot(id string) (*Snapshot, error) {
	row := g.db.QueryRow(`
		SELECT id, created_at, trigger_type, node_count, edge_count, episode_count, COALESCE(metadata, '')
		FROM snapshots WHERE id = ?
	`, id)

	var s Snapshot
	var trigger string
	err := row.Scan(&s.ID, &s.CreatedAt, &trigger, &s.NodeCount, &s.EdgeCount, &s.EpisodeCount, &s.Metadata)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	s.Trigger = SnapshotTrigger(trigger)
	return &s, nil
}

// ListSnapshots returns snapshot summaries, newest first.
func (g *DB) ListSnapshots(limit int) ([]*Snapshot, error) {
	query := `
		SELECT id, created_at, trigger_type, node_count, edge_count, episode_count, COALESCE(metadata, '')
		FROM snapshots ORDER BY created_at DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, storeErr("failed to query snapshots", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var s Snapshot
		var trigger string
		err := rows.Scan(&s.ID, &s.CreatedAt, &trigger, &s.NodeCount, &s.EdgeCount,
			&s.EpisodeCount, &s.Metadata)
		if err != nil {
			continue
		}
		s.Trigger = SnapshotTrigger(trigger)
		snaps = append(snaps, &s)
	}
	return snaps, nil
}

// PruneSnapshots deletes snapshots created before the cutoff, always keeping
// at least keepLast most recent ones regardless of age. State rows cascade.
func (g *DB) PruneSnapshots(before time.Time, keepLast int) (int, error) {
	res, err := g.db.Exec(`
		DELETE FROM snapshots WHERE created_at < ?
		AND id NOT IN (SELECT id FROM snapshots ORDER BY created_at DESC LIMIT ?)
	`, before, keepLast)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		log.Printf("[snapshot] pruned %d snapshots older than %s", affected, before.Format("2006-01-02"))
	}
	return int(affected), nil
}

// SnapshotNodeStates returns a snapshot's captured node rows keyed by node ID.
func (g *DB) SnapshotNodeStates(snapshotID string) (map[string]*SnapshotNodeState, error) {
	rows, err := g.db.Query(`
		SELECT sn.snapshot_id, sn.node_id, sn.label, sn.type, sn.mention_count,
			sn.reinforcement_count, sn.last_reinforced, s.created_at
		FROM snapshot_nodes sn JOIN snapshots s ON s.id = sn.snapshot_id
		WHERE sn.snapshot_id = ?
	`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]*SnapshotNodeState)
	for rows.Next() {
		st, err := scanSnapshotNodeState(rows)
		if err != nil {
			continue
		}
		states[st.NodeID] = st
	}
	return states, nil
}

// SnapshotEdgeStates returns a snapshot's captured edge rows keyed by edge ID.
func (g *DB) SnapshotEdgeStates(snapshotID string) (map[string]*SnapshotEdgeState, error) {
	rows, err := g.db.Query(`
		SELECT se.snapshot_id, se.edge_id, se.source, se.target, se.type,
			se.weight, se.stability, se.reinforcement_count, s.created_at
		FROM snapshot_edges se JOIN snapshots s ON s.id = se.snapshot_id
		WHERE se.snapshot_id = ?
	`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]*SnapshotEdgeState)
	for rows.Next() {
		st, err := scanSnapshotEdgeState(rows)
		if err != nil {
			continue
		}
		states[st.EdgeID] = st
	}
	return states, nil
}

// NodeStateHistory returns every captured state of a node across snapshots,
// oldest first. Empty (not an error) for unknown nodes.
func (g *DB) NodeStateHistory(nodeID string) ([]*SnapshotNodeState, error) {
	rows, err := g.db.Query(`
		SELECT sn.snapshot_id, sn.node_id, sn.label, sn.type, sn.mention_count,
			sn.reinforcement_count, sn.last_reinforced, s.created_at
		FROM snapshot_nodes sn JOIN snapshots s ON s.id = sn.snapshot_id
		WHERE sn.node_id = ?
		ORDER BY s.created_at
	`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SnapshotNodeState
	for rows.Next() {
		st, err := scanSnapshotNodeState(rows)
		if err != nil {
			continue
		}
		history = append(history, st)
	}
	return history, nil
}

// EdgeStateHistory returns every captured state of an edge across snapshots,
// oldest first. Empty (not an error) for unknown edges.
func (g *DB) EdgeStateHistory(edgeID string) ([]*SnapshotEdgeState, error) {
	rows, err := g.db.Query(`
		SELECT se.snapshot_id, se.edge_id, se.source, se.target, se.type,
			se.weight, se.stability, se.reinforcement_count, s.created_at
		FROM snapshot_edges se JOIN snapshots s ON s.id = se.snapshot_id
		WHERE se.edge_id = ?
		ORDER BY s.created_at
	`, edgeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SnapshotEdgeState
	for rows.Next() {
		st, err := scanSnapshotEdgeState(rows)
		if err != nil {
			continue
		}
		history = append(history, st)
	}
	return history, nil
}

func scanSnapshotNodeState(rows *sql.Rows) (*SnapshotNodeState, error) {
	var st SnapshotNodeState
	var nodeType string
	err := rows.Scan(&st.SnapshotID, &st.NodeID, &st.Label, &nodeType,
		&st.MentionCount, &st.ReinforcementCount, &st.LastReinforced, &st.CapturedAt)
	if err != nil {
		return nil, err
	}
	st.Type = NodeType(nodeType)
	return &st, nil
}

func scanSnapshotEdgeState(rows *sql.Rows) (*SnapshotEdgeState, error) {
	var st SnapshotEdgeState
	var edgeType string
	err := rows.Scan(&st.SnapshotID, &st.EdgeID, &st.Source, &st.Target, &edgeType,
		&st.Weight, &st.Stability, &st.ReinforcementCount, &st.CapturedAt)
	if err != nil {
		return nil, err
	}
	st.Type = EdgeType(edgeType)
	return &st, nil
}
