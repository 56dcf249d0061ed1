package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/engramd/engram/internal/apperr"
)

// AddEdge inserts a new edge. Newly formed edges start with
// weight == base weight and stability 1.
func (g *DB) AddEdge(e *Edge) error {
	if e.ID == "" {
		e.ID = EdgeID(e.Source, e.Target, e.Type, e.Directed)
	}
	if !ValidEdgeType(e.Type) {
		return fmt.Errorf("%w: unknown edge type %q", apperr.ErrValidation, e.Type)
	}
	if e.Source == "" || e.Target == "" {
		return fmt.Errorf("%w: edge endpoints are required", apperr.ErrValidation)
	}

	now := time.Now()
	if e.FirstFormed.IsZero() {
		e.FirstFormed = now
	}
	if e.LastReinforced.IsZero() {
		e.LastReinforced = e.FirstFormed
	}
	if e.Stability == 0 {
		e.Stability = 1.0
	}
	if e.Weight == 0 {
		e.Weight = e.BaseWeight
	}

	_, err := g.db.Exec(`
		INSERT INTO edges (id, source, target, type, directed, weight, base_weight,
			reinforcement_count, first_formed, last_reinforced, stability)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Source, e.Target, e.Type, e.Directed, e.Weight, e.BaseWeight,
		e.ReinforcementCount, e.FirstFormed, e.LastReinforced, e.Stability)
	if err != nil {
		return storeErr("failed to insert edge", err)
	}

	for _, ev := range e.Evidence {
		g.AppendEdgeEvidence(e.ID, ev)
	}
	return nil
}

// GetEdge retrieves an edge by ID, including evidence.
func (g *DB) GetEdge(id string) (*Edge, error) {
	row := g.db.QueryRow(`
		SELECT id, source, target, type, directed, weight, base_weight,
			reinforcement_count, first_formed, last_reinforced, stability
		FROM edges WHERE id = ?
	`, id)

	e, err := scanEdge(row)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("edge %s: %w", id, apperr.ErrNotFound)
	}
	e.Evidence, _ = g.GetEdgeEvidence(id)
	return e, nil
}

// EdgeExists reports whether the edge with the given ID exists.
func (g *DB) EdgeExists(id string) (bool, error) {
	var count int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM edges WHERE id = ?`, id).Scan(&count)
	return count > 0, err
}

// ReinforceEdge bumps the reinforcement count, recomputes stability and
// refreshes last_reinforced. The materialized weight is left for the next
// decay pass. Evidence past the cap is dropped.
func (g *DB) ReinforceEdge(id string, at time.Time, boost float64, ev *Evidence) error {
	edge, err := g.GetEdge(id)
	if err != nil {
		return err
	}

	newCount := edge.ReinforcementCount + 1
	newStability := Stability(newCount, boost)

	_, err = g.db.Exec(`
		UPDATE edges SET
			reinforcement_count = ?,
			stability = ?,
			last_reinforced = ?
		WHERE id = ?
	`, newCount, newStability, at, id)
	if err != nil {
		return err
	}

	if ev != nil {
		g.AppendEdgeEvidence(id, *ev)
	}
	return nil
}

// DeleteEdge removes an edge; its evidence cascades.
func (g *DB) DeleteEdge(id string) error {
	res, err := g.db.Exec(`DELETE FROM edges WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("edge %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// EdgeFilter narrows ListEdges results. Zero values mean "no constraint".
type EdgeFilter struct {
	Type      EdgeType
	MinWeight float64
	Node      string // matches either endpoint
	Limit     int
}

// ListEdges returns edges matching the filter, heaviest first.
func (g *DB) ListEdges(f EdgeFilter) ([]*Edge, error) {
	query := `
		SELECT id, source, target, type, directed, weight, base_weight,
			reinforcement_count, first_formed, last_reinforced, stability
		FROM edges WHERE 1=1`
	var args []interface{}

	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.MinWeight > 0 {
		query += " AND weight >= ?"
		args = append(args, f.MinWeight)
	}
	if f.Node != "" {
		query += " AND (source = ? OR target = ?)"
		args = append(args, f.Node, f.Node)
	}
	query += " ORDER BY weight DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, storeErr("failed to query edges", err)
	}
	defer rows.Close()

	return scanEdgeRows(rows)
}

// AllEdges returns every edge without evidence. Used by decay passes,
// snapshot capture and export.
func (g *DB) AllEdges() ([]*Edge, error) {
	rows, err := g.db.Query(`
		SELECT id, source, target, type, directed, weight, base_weight,
			reinforcement_count, first_formed, last_reinforced, stability
		FROM edges
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEdgeRows(rows)
}

// CountEdges returns the total number of edges.
func (g *DB) CountEdges() (int, error) {
	var count int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM edges`).Scan(&count)
	return count, err
}

// GetNeighbors returns the nodes connected to nodeID. Undirected edges are
// traversed both ways; directed edges only source -> target.
func (g *DB) GetNeighbors(nodeID string) ([]Neighbor, error) {
	rows, err := g.db.Query(`
		SELECT id, target, weight, type FROM edges WHERE source = ?
		UNION ALL
		SELECT id, source, weight, type FROM edges WHERE target = ? AND directed = FALSE
	`, nodeID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var n Neighbor
		var edgeType string
		if err := rows.Scan(&n.EdgeID, &n.ID, &n.Weight, &edgeType); err != nil {
			continue
		}
		n.Type = EdgeType(edgeType)
		neighbors = append(neighbors, n)
	}
	return neighbors, nil
}

// AppendEdgeEvidence appends evidence unless the edge is at the cap.
func (g *DB) AppendEdgeEvidence(edgeID string, ev Evidence) error {
	var count int
	if err := g.db.QueryRow(`SELECT COUNT(*) FROM edge_evidence WHERE edge_id = ?`, edgeID).Scan(&count); err != nil {
		return err
	}
	if count >= MaxEvidencePerEdge {
		return nil
	}
	_, err := g.db.Exec(`
		INSERT INTO edge_evidence (edge_id, file, date, context) VALUES (?, ?, ?, ?)
	`, edgeID, ev.File, ev.Date, ev.Context)
	return err
}

// GetEdgeEvidence returns an edge's evidence in insertion order.
func (g *DB) GetEdgeEvidence(edgeID string) ([]Evidence, error) {
	rows, err := g.db.Query(`
		SELECT file, date, COALESCE(context, '') FROM edge_evidence WHERE edge_id = ? ORDER BY id
	`, edgeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evidence []Evidence
	for rows.Next() {
		var ev Evidence
		if rows.Scan(&ev.File, &ev.Date, &ev.Context) == nil {
			evidence = append(evidence, ev)
		}
	}
	return evidence, nil
}

// GetPendingEdge looks up a ledger entry by unordered pair and type.
// Returns nil (no error) when absent.
func (g *DB) GetPendingEdge(source, target string, edgeType EdgeType) (*PendingEdge, error) {
	a, b := PairKey(source, target)
	row := g.db.QueryRow(`
		SELECT source, target, type, count, first_seen, evidence
		FROM pending_edges WHERE source = ? AND target = ? AND type = ?
	`, a, b, edgeType)

	var p PendingEdge
	var typ string
	var evidenceJSON sql.NullString
	err := row.Scan(&p.Source, &p.Target, &typ, &p.Count, &p.FirstSeen, &evidenceJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Type = EdgeType(typ)
	if evidenceJSON.Valid && evidenceJSON.String != "" {
		json.Unmarshal([]byte(evidenceJSON.String), &p.Evidence)
	}
	return &p, nil
}

// PutPendingEdge inserts or replaces a ledger entry keyed by unordered pair.
func (g *DB) PutPendingEdge(p *PendingEdge) error {
	a, b := PairKey(p.Source, p.Target)
	var evidenceJSON []byte
	if len(p.Evidence) > 0 {
		evidenceJSON, _ = json.Marshal(p.Evidence)
	}
	_, err := g.db.Exec(`
		INSERT INTO pending_edges (source, target, type, count, first_seen, evidence)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, target, type) DO UPDATE SET
			count = excluded.count,
			evidence = excluded.evidence
	`, a, b, p.Type, p.Count, p.FirstSeen, string(evidenceJSON))
	return err
}

// DeletePendingEdge removes a ledger entry (after promotion).
func (g *DB) DeletePendingEdge(source, target string, edgeType EdgeType) error {
	a, b := PairKey(source, target)
	_, err := g.db.Exec(`
		DELETE FROM pending_edges WHERE source = ? AND target = ? AND type = ?
	`, a, b, edgeType)
	return err
}

// CountPendingEdges returns the ledger size.
func (g *DB) CountPendingEdges() (int, error) {
	var count int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM pending_edges`).Scan(&count)
	return count, err
}

func scanEdge(row *sql.Row) (*Edge, error) {
	var e Edge
	var edgeType string
	err := row.Scan(&e.ID, &e.Source, &e.Target, &edgeType, &e.Directed, &e.Weight,
		&e.BaseWeight, &e.ReinforcementCount, &e.FirstFormed, &e.LastReinforced, &e.Stability)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.Type = EdgeType(edgeType)
	return &e, nil
}

func scanEdgeRows(rows *sql.Rows) ([]*Edge, error) {
	var edges []*Edge
	for rows.Next() {
		var e Edge
		var edgeType string
		err := rows.Scan(&e.ID, &e.Source, &e.Target, &edgeType, &e.Directed, &e.Weight,
			&e.BaseWeight, &e.ReinforcementCount, &e.FirstFormed, &e.LastReinforced, &e.Stability)
		if err != nil {
			continue
		}
		e.Type = EdgeType(edgeType)
		edges = append(edges, &e)
	}
	return edges, nil
}
