// Package consolidate turns batches of extracted mentions into graph
// mutations: node creation/reinforcement and the four edge-formation rules
// (explicit, threshold-gated co-occurrence, causal, temporal).
package consolidate

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/engramd/engram/internal/config"
	"github.com/engramd/engram/internal/embedding"
	"github.com/engramd/engram/internal/graph"
	"github.com/engramd/engram/internal/match"
	"github.com/engramd/engram/internal/resolve"
)

// maxTemporalEdgesPerSource bounds the otherwise quadratic cross-section
// edge count for a single document.
const maxTemporalEdgesPerSource = 50

// Mention is one extracted entity candidate, tagged with the section it was
// found in. Explicit marks mentions that came from a structural
// cross-reference and drive explicit-edge formation.
type Mention struct {
	Text       string
	Type       graph.NodeType
	Confidence float64
	Section    string
	Explicit   bool
	Excerpt    string // optional short quote, appended to the node
}

// Document is one consolidation input: a source identifier, its effective
// date, its mentions, and raw section text for causal-marker detection.
type Document struct {
	Source      string
	Date        time.Time
	Mentions    []Mention
	SectionText map[string]string
}

// Stats reports what one consolidation pass changed.
type Stats struct {
	NewNodes        int
	NewEdges        int
	ReinforcedNodes int
	ReinforcedEdges int
}

func (s *Stats) add(o Stats) {
	s.NewNodes += o.NewNodes
	s.NewEdges += o.NewEdges
	s.ReinforcedNodes += o.ReinforcedNodes
	s.ReinforcedEdges += o.ReinforcedEdges
}

// Failure records one document that could not be consolidated.
type Failure struct {
	Source string
	Err    error
}

// Result is the outcome of a batch run: aggregate stats plus per-document
// failures. A failed document never aborts the batch. SnapshotID names the
// snapshot taken after a batch that changed the graph.
type Result struct {
	Stats      Stats
	Failures   []Failure
	SnapshotID string
}

// Consolidator merges mentions into the graph. Provider is optional; when
// set, new nodes get embeddings best-effort.
type Consolidator struct {
	db       *graph.DB
	resolver *resolve.Resolver
	cfg      config.GraphConfig
	provider embedding.Provider
}

// New builds a consolidator.
func New(db *graph.DB, resolver *resolve.Resolver, cfg config.GraphConfig, provider embedding.Provider) *Consolidator {
	return &Consolidator{db: db, resolver: resolver, cfg: cfg, provider: provider}
}

// resolved is one entity that survived resolution, in section order.
type resolved struct {
	res      *resolve.Resolution
	section  string
	explicit bool
}

// Run consolidates a single document.
func (c *Consolidator) Run(ctx context.Context, doc Document) (Stats, error) {
	var stats Stats

	date := doc.Date
	if date.IsZero() {
		date = time.Now()
	}

	// Group by section, dedup within each section by normalized text,
	// keeping the highest-confidence instance.
	sections := c.groupMentions(doc.Mentions)

	// Resolve per section, preserving first-appearance order.
	bySection := make(map[string][]resolved)
	var sectionOrder []string
	for _, sec := range sections {
		for _, m := range sec.mentions {
			r, err := c.resolver.Resolve(m.Text, m.Type, m.Confidence)
			if err != nil {
				return stats, err
			}
			if r == nil {
				continue
			}
			if err := c.mergeNode(ctx, r, m, doc.Source, date, &stats); err != nil {
				return stats, err
			}
			if _, ok := bySection[sec.name]; !ok {
				sectionOrder = append(sectionOrder, sec.name)
			}
			bySection[sec.name] = append(bySection[sec.name], resolved{res: r, section: sec.name, explicit: m.Explicit})
		}
	}

	for _, name := range sectionOrder {
		ents := bySection[name]

		if err := c.formExplicitEdges(ents, doc.Source, date, &stats); err != nil {
			return stats, err
		}
		if err := c.formCoOccurrenceEdges(ents, doc.Source, name, date, &stats); err != nil {
			return stats, err
		}
		if err := c.formCausalEdge(ents, doc.SectionText[name], doc.Source, date, &stats); err != nil {
			return stats, err
		}
	}

	if err := c.formTemporalEdges(bySection, sectionOrder, doc.Source, date, &stats); err != nil {
		return stats, err
	}

	log.Printf("[consolidate] %s: +%d nodes, +%d edges, ~%d nodes, ~%d edges",
		doc.Source, stats.NewNodes, stats.NewEdges, stats.ReinforcedNodes, stats.ReinforcedEdges)
	return stats, nil
}

// RunBatch consolidates documents sequentially; a per-document error is
// recorded and the run continues. A batch that changed the graph ends with a
// consolidation-triggered snapshot.
func (c *Consolidator) RunBatch(ctx context.Context, docs []Document) Result {
	var result Result
	for _, doc := range docs {
		stats, err := c.Run(ctx, doc)
		if err != nil {
			log.Printf("[consolidate] %s failed: %v", doc.Source, err)
			result.Failures = append(result.Failures, Failure{Source: doc.Source, Err: err})
			continue
		}
		result.Stats.add(stats)
	}

	s := result.Stats
	if s.NewNodes+s.NewEdges+s.ReinforcedNodes+s.ReinforcedEdges > 0 {
		meta := fmt.Sprintf("consolidated %d documents", len(docs)-len(result.Failures))
		snap, err := c.db.CreateSnapshot(graph.SnapshotConsolidation, meta)
		if err != nil {
			log.Printf("[consolidate] snapshot failed: %v", err)
		} else {
			result.SnapshotID = snap.ID
		}
	}
	return result
}

type section struct {
	name     string
	mentions []Mention
}

// groupMentions groups by section and deduplicates by normalized text,
// keeping the highest-confidence instance. Section and mention order follow
// first appearance.
func (c *Consolidator) groupMentions(mentions []Mention) []section {
	var order []string
	grouped := make(map[string]map[string]Mention) // section -> normalized -> best mention
	keyOrder := make(map[string][]string)

	for _, m := range mentions {
		norm := match.Normalize(m.Text)
		if norm == "" {
			continue
		}
		if _, ok := grouped[m.Section]; !ok {
			grouped[m.Section] = make(map[string]Mention)
			order = append(order, m.Section)
		}
		best, seen := grouped[m.Section][norm]
		if !seen {
			keyOrder[m.Section] = append(keyOrder[m.Section], norm)
			grouped[m.Section][norm] = m
			continue
		}
		if m.Confidence > best.Confidence {
			// Keep the stronger instance but don't lose an explicit flag.
			m.Explicit = m.Explicit || best.Explicit
			grouped[m.Section][norm] = m
		} else if m.Explicit {
			best.Explicit = true
			grouped[m.Section][norm] = best
		}
	}

	sections := make([]section, 0, len(order))
	for _, name := range order {
		s := section{name: name}
		for _, k := range keyOrder[name] {
			s.mentions = append(s.mentions, grouped[name][k])
		}
		sections = append(sections, s)
	}
	return sections
}

// mergeNode creates or reinforces the resolved node.
func (c *Consolidator) mergeNode(ctx context.Context, r *resolve.Resolution, m Mention, source string, date time.Time, stats *Stats) error {
	var excerpt *graph.Excerpt
	if m.Excerpt != "" {
		excerpt = &graph.Excerpt{File: source, Text: m.Excerpt, Date: date}
	}

	if r.IsNew {
		n := &graph.Node{
			ID:             r.NodeID,
			Label:          r.Label,
			Type:           r.Type,
			FirstSeen:      date,
			LastReinforced: date,
			SourceFiles:    []string{source},
		}
		if excerpt != nil {
			n.Excerpts = []graph.Excerpt{*excerpt}
		}
		if err := c.db.AddNode(n); err != nil {
			return err
		}
		stats.NewNodes++
		c.embedNode(ctx, r.NodeID, r.Label)
		// A created ID resolves to "existing" for the rest of this run.
		r.IsNew = false
		return nil
	}

	if err := c.db.ReinforceNode(r.NodeID, date, excerpt); err != nil {
		return err
	}
	if err := c.db.AddNodeSource(r.NodeID, source); err != nil {
		log.Printf("[consolidate] failed to record source %s for %s: %v", source, r.NodeID, err)
	}
	stats.ReinforcedNodes++
	return nil
}

// embedNode writes a label embedding best-effort: provider errors are logged
// and the node is kept without a vector.
func (c *Consolidator) embedNode(ctx context.Context, nodeID, label string) {
	if c.provider == nil {
		return
	}
	emb, err := c.provider.Embed(ctx, label)
	if err != nil {
		log.Printf("[consolidate] embedding skipped for %s: %v", nodeID, err)
		return
	}
	if err := c.db.SaveNodeEmbedding(nodeID, emb); err != nil {
		log.Printf("[consolidate] embedding save failed for %s: %v", nodeID, err)
	}
}

// formExplicitEdges links each explicitly cross-referenced entity to every
// other entity resolved in the same section.
func (c *Consolidator) formExplicitEdges(ents []resolved, source string, date time.Time, stats *Stats) error {
	for _, a := range ents {
		if !a.explicit {
			continue
		}
		for _, b := range ents {
			if b.res.NodeID == a.res.NodeID {
				continue
			}
			ev := graph.Evidence{File: source, Date: date, Context: a.section}
			if err := c.formOrReinforce(a.res.NodeID, b.res.NodeID, graph.EdgeExplicit, false,
				c.cfg.BaseWeights.Explicit, date, ev, stats); err != nil {
				return err
			}
		}
	}
	return nil
}

// formCoOccurrenceEdges applies the threshold-gated promotion rule to every
// unordered pair resolved in one section. A pair with a real edge is
// reinforced directly; otherwise its ledger count grows until it crosses the
// configured threshold, at which point the pending entry is promoted exactly
// once, carrying its accumulated evidence.
func (c *Consolidator) formCoOccurrenceEdges(ents []resolved, source, sectionName string, date time.Time, stats *Stats) error {
	for i := 0; i < len(ents); i++ {
		for j := i + 1; j < len(ents); j++ {
			a, b := ents[i].res.NodeID, ents[j].res.NodeID
			if a == b {
				continue
			}
			ev := graph.Evidence{File: source, Date: date, Context: sectionName}

			id := graph.EdgeID(a, b, graph.EdgeCoOccurrence, false)
			exists, err := c.db.EdgeExists(id)
			if err != nil {
				return err
			}
			if exists {
				if err := c.db.ReinforceEdge(id, date, c.cfg.ReinforcementBoost, &ev); err != nil {
					return err
				}
				stats.ReinforcedEdges++
				continue
			}

			pending, err := c.db.GetPendingEdge(a, b, graph.EdgeCoOccurrence)
			if err != nil {
				return err
			}
			if pending == nil {
				pending = &graph.PendingEdge{
					Source:    a,
					Target:    b,
					Type:      graph.EdgeCoOccurrence,
					FirstSeen: date,
				}
			}
			pending.Count++
			pending.Evidence = append(pending.Evidence, ev)

			if pending.Count >= c.cfg.CoOccurrenceThreshold {
				edge := &graph.Edge{
					ID:          id,
					Source:      a,
					Target:      b,
					Type:        graph.EdgeCoOccurrence,
					BaseWeight:  c.cfg.BaseWeights.CoOccurrence,
					FirstFormed: date,
					Evidence:    pending.Evidence,
				}
				if err := c.db.AddEdge(edge); err != nil {
					return err
				}
				if err := c.db.DeletePendingEdge(a, b, graph.EdgeCoOccurrence); err != nil {
					return err
				}
				stats.NewEdges++
				continue
			}

			if err := c.db.PutPendingEdge(pending); err != nil {
				return err
			}
		}
	}
	return nil
}

// causalMarkers are the phrases that make a section's text count as causal.
var causalMarkers = []string{
	"because", "due to", "caused", "leads to", "led to",
	"results in", "resulted in", "therefore", "as a result", "so that",
}

// formCausalEdge creates at most one directed causal edge per section,
// between the first two resolved entities, when the section text carries a
// causal phrase.
func (c *Consolidator) formCausalEdge(ents []resolved, sectionText, source string, date time.Time, stats *Stats) error {
	if len(ents) < 2 || !hasCausalMarker(sectionText) {
		return nil
	}
	a, b := ents[0].res.NodeID, ents[1].res.NodeID
	if a == b {
		return nil
	}
	ev := graph.Evidence{File: source, Date: date, Context: truncate(sectionText, 120)}
	return c.formOrReinforce(a, b, graph.EdgeCausal, true, c.cfg.BaseWeights.Causal, date, ev, stats)
}

func hasCausalMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range causalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// formTemporalEdges links entity pairs drawn from different sections of the
// same source when both nodes have at least two mentions, capped per source.
func (c *Consolidator) formTemporalEdges(bySection map[string][]resolved, sectionOrder []string, source string, date time.Time, stats *Stats) error {
	if len(sectionOrder) < 2 {
		return nil
	}

	var formed int
	for i := 0; i < len(sectionOrder) && formed < maxTemporalEdgesPerSource; i++ {
		for j := i + 1; j < len(sectionOrder) && formed < maxTemporalEdgesPerSource; j++ {
			for _, a := range bySection[sectionOrder[i]] {
				if formed >= maxTemporalEdgesPerSource {
					break
				}
				for _, b := range bySection[sectionOrder[j]] {
					if formed >= maxTemporalEdgesPerSource {
						break
					}
					if a.res.NodeID == b.res.NodeID {
						continue
					}
					ok, err := c.bothWellMentioned(a.res.NodeID, b.res.NodeID)
					if err != nil {
						return err
					}
					if !ok {
						continue
					}
					ev := graph.Evidence{File: source, Date: date}
					if err := c.formOrReinforce(a.res.NodeID, b.res.NodeID, graph.EdgeTemporal, false,
						c.cfg.BaseWeights.Temporal, date, ev, stats); err != nil {
						return err
					}
					formed++
				}
			}
		}
	}
	return nil
}

func (c *Consolidator) bothWellMentioned(aID, bID string) (bool, error) {
	a, err := c.db.GetNode(aID)
	if err != nil {
		return false, err
	}
	if a.MentionCount < 2 {
		return false, nil
	}
	b, err := c.db.GetNode(bID)
	if err != nil {
		return false, err
	}
	return b.MentionCount >= 2, nil
}

// formOrReinforce creates the edge if its deterministic ID is absent,
// otherwise reinforces the stored one.
func (c *Consolidator) formOrReinforce(source, target string, edgeType graph.EdgeType, directed bool, baseWeight float64, date time.Time, ev graph.Evidence, stats *Stats) error {
	id := graph.EdgeID(source, target, edgeType, directed)
	exists, err := c.db.EdgeExists(id)
	if err != nil {
		return err
	}
	if exists {
		if err := c.db.ReinforceEdge(id, date, c.cfg.ReinforcementBoost, &ev); err != nil {
			return err
		}
		stats.ReinforcedEdges++
		return nil
	}

	edge := &graph.Edge{
		ID:          id,
		Source:      source,
		Target:      target,
		Type:        edgeType,
		Directed:    directed,
		BaseWeight:  baseWeight,
		FirstFormed: date,
		Evidence:    []graph.Evidence{ev},
	}
	if err := c.db.AddEdge(edge); err != nil {
		return err
	}
	stats.NewEdges++
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
