// Package resolve maps raw extracted mentions onto canonical graph nodes.
package resolve

import (
	"github.com/engramd/engram/internal/config"
	"github.com/engramd/engram/internal/graph"
	"github.com/engramd/engram/internal/match"
)

// MinConfidenceForNew is the hard gate below which an unmatched mention is
// dropped instead of creating a node.
const MinConfidenceForNew = 0.5

// Resolution is the outcome of resolving one mention.
type Resolution struct {
	NodeID string
	Label  string
	Type   graph.NodeType
	IsNew  bool
}

// Resolver resolves mentions against the graph and the static entity map.
type Resolver struct {
	db     *graph.DB
	alias  map[string]string // normalized surface form -> canonical label
	ignore map[string]bool   // normalized terms that never become entities
}

// New builds a resolver. The entity map's keys and ignore terms are
// normalized once up front.
func New(db *graph.DB, em config.EntityMap) *Resolver {
	r := &Resolver{
		db:     db,
		alias:  make(map[string]string, len(em.Aliases)),
		ignore: make(map[string]bool, len(em.Ignore)),
	}
	for surface, canonical := range em.Aliases {
		r.alias[match.Normalize(surface)] = canonical
	}
	for _, term := range em.Ignore {
		r.ignore[match.Normalize(term)] = true
	}
	return r
}

// Resolve maps a raw mention to an existing node, a new node, or nil
// (rejected). The order is fixed: entity-map alias, exact label, stored node
// alias, fuzzy label match, then creation gated on confidence. A nil result
// with nil error means the mention was dropped.
func (r *Resolver) Resolve(text string, nodeType graph.NodeType, confidence float64) (*Resolution, error) {
	normalized := match.Normalize(text)
	if len(normalized) < 2 || r.ignore[normalized] {
		return nil, nil
	}

	// Entity-map substitution rewrites the surface form to its canonical
	// label before any graph lookup.
	label := text
	if canonical, ok := r.alias[normalized]; ok {
		label = canonical
	}

	if n, err := r.db.FindNodeByLabel(label); err != nil {
		return nil, err
	} else if n != nil {
		return existing(n), nil
	}

	if n, err := r.db.FindNodeByAlias(label); err != nil {
		return nil, err
	} else if n != nil {
		return existing(n), nil
	}

	if n, err := r.fuzzyLookup(label); err != nil {
		return nil, err
	} else if n != nil {
		return existing(n), nil
	}

	if confidence <= MinConfidenceForNew {
		return nil, nil
	}
	return &Resolution{
		NodeID: graph.NodeID(label),
		Label:  label,
		Type:   nodeType,
		IsNew:  true,
	}, nil
}

// fuzzyLookup scans stored labels for a fuzzy match. Returns the first hit;
// labels are few enough that a linear scan is fine.
func (r *Resolver) fuzzyLookup(label string) (*graph.Node, error) {
	nodes, err := r.db.AllNodes()
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if match.FuzzyMatch(label, n.Label) {
			return n, nil
		}
	}
	return nil, nil
}

func existing(n *graph.Node) *Resolution {
	return &Resolution{NodeID: n.ID, Label: n.Label, Type: n.Type}
}
