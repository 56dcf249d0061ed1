package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/engramd/engram/internal/apperr"
)

// AddNode inserts a node, or reinforces the stored row if the ID already
// exists (same canonical label resolved again).
func (g *DB) AddNode(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: node ID is required", apperr.ErrValidation)
	}
	if !ValidNodeType(n.Type) {
		return fmt.Errorf("%w: unknown node type %q", apperr.ErrValidation, n.Type)
	}

	now := time.Now()
	if n.FirstSeen.IsZero() {
		n.FirstSeen = now
	}
	if n.LastReinforced.IsZero() {
		n.LastReinforced = n.FirstSeen
	}
	if n.MentionCount < 1 {
		n.MentionCount = 1
	}

	var embeddingBytes []byte
	if len(n.Embedding) > 0 {
		embeddingBytes, _ = json.Marshal(n.Embedding)
	}

	_, err := g.db.Exec(`
		INSERT INTO nodes (id, label, type, first_seen, last_reinforced, mention_count, reinforcement_count, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mention_count = nodes.mention_count + 1,
			reinforcement_count = nodes.reinforcement_count + 1,
			last_reinforced = excluded.last_reinforced
	`, n.ID, n.Label, n.Type, n.FirstSeen, n.LastReinforced, n.MentionCount, n.ReinforcementCount, embeddingBytes)
	if err != nil {
		return storeErr("failed to insert node", err)
	}

	for _, alias := range n.Aliases {
		g.AddNodeAlias(n.ID, alias)
	}
	for _, file := range n.SourceFiles {
		g.AddNodeSource(n.ID, file)
	}
	for _, ex := range n.Excerpts {
		g.AppendNodeExcerpt(n.ID, ex)
	}
	return nil
}

// GetNode retrieves a node by ID, including aliases, sources and excerpts.
func (g *DB) GetNode(id string) (*Node, error) {
	row := g.db.QueryRow(`
		SELECT id, label, type, first_seen, last_reinforced, mention_count, reinforcement_count, embedding
		FROM nodes WHERE id = ?
	`, id)

	n, err := scanNode(row)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("node %s: %w", id, apperr.ErrNotFound)
	}

	g.loadNodeChildren(n)
	return n, nil
}

// FindNodeByLabel finds a node by exact label, case-insensitively.
// Returns nil (no error) when nothing matches.
func (g *DB) FindNodeByLabel(label string) (*Node, error) {
	row := g.db.QueryRow(`
		SELECT id, label, type, first_seen, last_reinforced, mention_count, reinforcement_count, embedding
		FROM nodes WHERE LOWER(label) = LOWER(?)
	`, label)

	n, err := scanNode(row)
	if err != nil || n == nil {
		return n, err
	}
	g.loadNodeChildren(n)
	return n, nil
}

// FindNodeByAlias finds a node whose alias matches, case-insensitively.
// Returns nil (no error) when nothing matches.
func (g *DB) FindNodeByAlias(alias string) (*Node, error) {
	var nodeID string
	err := g.db.QueryRow(`
		SELECT node_id FROM node_aliases WHERE LOWER(alias) = LOWER(?)
	`, alias).Scan(&nodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g.GetNode(nodeID)
}

// NodeFilter narrows ListNodes results. Zero values mean "no constraint".
type NodeFilter struct {
	Type     NodeType
	LabelSub string // substring match against label
	Since    time.Time
	Until    time.Time
	Limit    int
}

// ListNodes returns nodes matching the filter, most recently reinforced first.
func (g *DB) ListNodes(f NodeFilter) ([]*Node, error) {
	query := `
		SELECT id, label, type, first_seen, last_reinforced, mention_count, reinforcement_count, embedding
		FROM nodes WHERE 1=1`
	var args []interface{}

	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.LabelSub != "" {
		query += " AND label LIKE ?"
		args = append(args, "%"+f.LabelSub+"%")
	}
	if !f.Since.IsZero() {
		query += " AND last_reinforced >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND last_reinforced <= ?"
		args = append(args, f.Until)
	}
	query += " ORDER BY last_reinforced DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, storeErr("failed to query nodes", err)
	}
	defer rows.Close()

	return scanNodeRows(rows)
}

// AllNodes returns every node without child data. Used by the graph walk,
// snapshot capture and export.
func (g *DB) AllNodes() ([]*Node, error) {
	rows, err := g.db.Query(`
		SELECT id, label, type, first_seen, last_reinforced, mention_count, reinforcement_count, embedding
		FROM nodes
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodeRows(rows)
}

// CountNodes returns the total number of nodes.
func (g *DB) CountNodes() (int, error) {
	var count int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&count)
	return count, err
}

// ReinforceNode bumps a node's counters and recency, optionally appending an
// excerpt. Excerpts past the cap are dropped without eviction.
func (g *DB) ReinforceNode(id string, at time.Time, excerpt *Excerpt) error {
	res, err := g.db.Exec(`
		UPDATE nodes SET
			mention_count = mention_count + 1,
			reinforcement_count = reinforcement_count + 1,
			last_reinforced = ?
		WHERE id = ?
	`, at, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("node %s: %w", id, apperr.ErrNotFound)
	}

	if excerpt != nil {
		g.AppendNodeExcerpt(id, *excerpt)
	}
	return nil
}

// DeleteNode removes a node; incident edges and episode links cascade.
func (g *DB) DeleteNode(id string) error {
	res, err := g.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("node %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// AddNodeAlias records an alias for a node.
func (g *DB) AddNodeAlias(nodeID, alias string) error {
	_, err := g.db.Exec(`
		INSERT OR IGNORE INTO node_aliases (node_id, alias) VALUES (?, ?)
	`, nodeID, alias)
	return err
}

// GetNodeAliases returns all aliases for a node.
func (g *DB) GetNodeAliases(nodeID string) ([]string, error) {
	rows, err := g.db.Query(`SELECT alias FROM node_aliases WHERE node_id = ?`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var alias string
		if rows.Scan(&alias) == nil {
			aliases = append(aliases, alias)
		}
	}
	return aliases, nil
}

// AddNodeSource records a source file for a node.
func (g *DB) AddNodeSource(nodeID, file string) error {
	_, err := g.db.Exec(`
		INSERT OR IGNORE INTO node_sources (node_id, file) VALUES (?, ?)
	`, nodeID, file)
	return err
}

// AppendNodeExcerpt appends an excerpt unless the node is at the cap.
func (g *DB) AppendNodeExcerpt(nodeID string, ex Excerpt) error {
	var count int
	if err := g.db.QueryRow(`SELECT COUNT(*) FROM node_excerpts WHERE node_id = ?`, nodeID).Scan(&count); err != nil {
		return err
	}
	if count >= MaxExcerptsPerNode {
		return nil
	}
	_, err := g.db.Exec(`
		INSERT INTO node_excerpts (node_id, file, text, date) VALUES (?, ?, ?, ?)
	`, nodeID, ex.File, ex.Text, ex.Date)
	return err
}

// loadNodeChildren populates aliases, source files and excerpts.
func (g *DB) loadNodeChildren(n *Node) {
	n.Aliases, _ = g.GetNodeAliases(n.ID)

	rows, err := g.db.Query(`SELECT file FROM node_sources WHERE node_id = ?`, n.ID)
	if err == nil {
		for rows.Next() {
			var file string
			if rows.Scan(&file) == nil {
				n.SourceFiles = append(n.SourceFiles, file)
			}
		}
		rows.Close()
	}

	exRows, err := g.db.Query(`
		SELECT file, text, date FROM node_excerpts WHERE node_id = ? ORDER BY id
	`, n.ID)
	if err == nil {
		for exRows.Next() {
			var ex Excerpt
			if exRows.Scan(&ex.File, &ex.Text, &ex.Date) == nil {
				n.Excerpts = append(n.Excerpts, ex)
			}
		}
		exRows.Close()
	}
}

func scanNode(row *sql.Row) (*Node, error) {
	var n Node
	var nodeType string
	var embeddingBytes []byte

	err := row.Scan(&n.ID, &n.Label, &nodeType, &n.FirstSeen, &n.LastReinforced,
		&n.MentionCount, &n.ReinforcementCount, &embeddingBytes)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	n.Type = NodeType(nodeType)
	if len(embeddingBytes) > 0 {
		json.Unmarshal(embeddingBytes, &n.Embedding)
	}
	return &n, nil
}

func scanNodeRows(rows *sql.Rows) ([]*Node, error) {
	var nodes []*Node
	for rows.Next() {
		var n Node
		var nodeType string
		var embeddingBytes []byte
		err := rows.Scan(&n.ID, &n.Label, &nodeType, &n.FirstSeen, &n.LastReinforced,
			&n.MentionCount, &n.ReinforcementCount, &embeddingBytes)
		if err != nil {
			continue
		}
		n.Type = NodeType(nodeType)
		if len(embeddingBytes) > 0 {
			json.Unmarshal(embeddingBytes, &n.Embedding)
		}
		nodes = append(nodes, &n)
	}
	return nodes, nil
}

// SearchNodes returns up to limit nodes whose label contains the term.
// Used as the recall fallback when no query token resolves to a seed.
func (g *DB) SearchNodes(term string, limit int) ([]*Node, error) {
	if limit <= 0 {
		limit = 5
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	return g.ListNodes(NodeFilter{LabelSub: term, Limit: limit})
}
