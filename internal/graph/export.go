package graph

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/engramd/engram/internal/apperr"
)

// FullGraph is a portable dump of the entire memory graph, suitable for
// JSON serialization. Snapshots are deliberately excluded: they describe the
// history of one database, not transferable knowledge.
type FullGraph struct {
	ExportedAt time.Time    `json:"exported_at"`
	Nodes      []*Node      `json:"nodes"`
	Edges      []*Edge      `json:"edges"`
	Episodes   []*Episode   `json:"episodes"`
	Procedures []*Procedure `json:"procedures"`
	// Episode -> node links, keyed by episode ID; each entry is "nodeID:role".
	EpisodeLinks map[string][]string `json:"episode_links,omitempty"`
}

// GetFullGraph exports every node (with children), edge (with evidence),
// episode and procedure.
func (g *DB) GetFullGraph() (*FullGraph, error) {
	full := &FullGraph{
		ExportedAt:   time.Now(),
		EpisodeLinks: make(map[string][]string),
	}

	nodes, err := g.AllNodes()
	if err != nil {
		return nil, fmt.Errorf("export nodes: %w", err)
	}
	for _, n := range nodes {
		g.loadNodeChildren(n)
	}
	full.Nodes = nodes

	edges, err := g.AllEdges()
	if err != nil {
		return nil, fmt.Errorf("export edges: %w", err)
	}
	for _, e := range edges {
		e.Evidence, _ = g.GetEdgeEvidence(e.ID)
	}
	full.Edges = edges

	episodes, err := g.ListEpisodes(EpisodeFilter{})
	if err != nil {
		return nil, fmt.Errorf("export episodes: %w", err)
	}
	full.Episodes = episodes

	procs, err := g.ListProcedures(0)
	if err != nil {
		return nil, fmt.Errorf("export procedures: %w", err)
	}
	full.Procedures = procs

	rows, err := g.db.Query(`SELECT episode_id, node_id, role FROM episode_entities`)
	if err != nil {
		return nil, fmt.Errorf("export episode links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var epID, nodeID, role string
		if rows.Scan(&epID, &nodeID, &role) == nil {
			full.EpisodeLinks[epID] = append(full.EpisodeLinks[epID], nodeID+":"+role)
		}
	}

	return full, nil
}

// ImportGraph loads a full dump into an empty database. Refuses to run when
// the database already has nodes, so an import can never silently merge.
func (g *DB) ImportGraph(full *FullGraph) error {
	count, err := g.CountNodes()
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: import requires an empty graph (%d nodes present)", apperr.ErrValidation, count)
	}

	for _, n := range full.Nodes {
		if err := g.importNode(n); err != nil {
			return fmt.Errorf("import node %s: %w", n.ID, err)
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
	}

	for _, e := range full.Edges {
		if err := g.importEdge(e); err != nil {
			return fmt.Errorf("import edge %s: %w", e.ID, err)
		}
		for _, ev := range e.Evidence {
			g.AppendEdgeEvidence(e.ID, ev)
		}
	}

	for _, ep := range full.Episodes {
		if err := g.AddEpisode(ep); err != nil {
			return fmt.Errorf("import episode %s: %w", ep.ID, err)
		}
	}

	for epID, links := range full.EpisodeLinks {
		for _, link := range links {
			nodeID, role, ok := splitLink(link)
			if !ok {
				continue
			}
			g.LinkEpisodeToNode(epID, nodeID, role)
		}
	}

	for _, p := range full.Procedures {
		if err := g.AddProcedure(p); err != nil {
			return fmt.Errorf("import procedure %s: %w", p.ID, err)
		}
	}

	log.Printf("[graph] imported %d nodes, %d edges, %d episodes, %d procedures",
		len(full.Nodes), len(full.Edges), len(full.Episodes), len(full.Procedures))
	return nil
}

// importNode inserts a node row preserving its exported counters, unlike
// AddNode which treats an existing ID as a reinforcement.
func (g *DB) importNode(n *Node) error {
	var embeddingBytes []byte
	if len(n.Embedding) > 0 {
		embeddingBytes, _ = json.Marshal(n.Embedding)
	}
	_, err := g.db.Exec(`
		INSERT INTO nodes (id, label, type, first_seen, last_reinforced, mention_count, reinforcement_count, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Label, n.Type, n.FirstSeen, n.LastReinforced, n.MentionCount, n.ReinforcementCount, embeddingBytes)
	return err
}

// importEdge inserts an edge row preserving exported weight and stability.
func (g *DB) importEdge(e *Edge) error {
	_, err := g.db.Exec(`
		INSERT INTO edges (id, source, target, type, directed, weight, base_weight,
			reinforcement_count, first_formed, last_reinforced, stability)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Source, e.Target, e.Type, e.Directed, e.Weight, e.BaseWeight,
		e.ReinforcementCount, e.FirstFormed, e.LastReinforced, e.Stability)
	return err
}

func splitLink(link string) (nodeID, role string, ok bool) {
	for i := len(link) - 1; i >= 0; i-- {
		if link[i] == ':' {
			return link[:i], link[i+1:], true
		}
	}
	return "", "", false
}
