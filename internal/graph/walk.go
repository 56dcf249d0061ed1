package graph

import (
	"time"
)

// walkNeighbor is an adjacency entry with the edge's current (decayed) weight.
type walkNeighbor struct {
	id     string
	weight float64
}

// Walk performs a multi-hop traversal from the seed nodes and returns a
// node-ID -> score map. Seeds score exactly 1.0. A neighbor reached at hop h
// scores currentWeight(edge) * 1/(2+h); when multiple paths reach the same
// node the maximum score wins — not the sum, not the shortest path. Edges
// whose current weight is below the visibility threshold are not traversed,
// so isolated and dormant-only nodes are never discovered.
func (g *DB) Walk(seeds []string, hops int, now time.Time, decayRate, visibilityThreshold float64) (map[string]float64, error) {
	scores := make(map[string]float64)
	if len(seeds) == 0 {
		return scores, nil
	}

	adj, err := g.walkAdjacency(now, decayRate, visibilityThreshold)
	if err != nil {
		return nil, err
	}

	frontier := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if scores[id] < 1.0 {
			scores[id] = 1.0
			frontier = append(frontier, id)
		}
	}

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		penalty := 1.0 / float64(2+hop)
		var next []string

		for _, id := range frontier {
			for _, nb := range adj[id] {
				candidate := nb.weight * penalty
				if candidate <= scores[nb.id] {
					continue
				}
				if _, seen := scores[nb.id]; !seen {
					next = append(next, nb.id)
				}
				scores[nb.id] = candidate
			}
		}

		frontier = next
	}

	return scores, nil
}

// walkAdjacency builds the traversal adjacency map with current weights.
// Undirected edges contribute both directions; directed edges only forward.
func (g *DB) walkAdjacency(now time.Time, decayRate, visibilityThreshold float64) (map[string][]walkNeighbor, error) {
	edges, err := g.AllEdges()
	if err != nil {
		return nil, err
	}

	adj := make(map[string][]walkNeighbor)
	for _, e := range edges {
		w := CurrentWeight(e, now, decayRate)
		if w < visibilityThreshold {
			continue // dormant, not traversable
		}
		adj[e.Source] = append(adj[e.Source], walkNeighbor{id: e.Target, weight: w})
		if !e.Directed {
			adj[e.Target] = append(adj[e.Target], walkNeighbor{id: e.Source, weight: w})
		}
	}
	return adj, nil
}
