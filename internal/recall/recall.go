// Package recall ranks graph nodes against a query by blending semantic
// similarity, multi-hop graph proximity, recency and importance.
package recall

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/engramd/engram/internal/config"
	"github.com/engramd/engram/internal/embedding"
	"github.com/engramd/engram/internal/graph"
	"github.com/engramd/engram/internal/match"
	"github.com/engramd/engram/internal/procedure"
)

// episodeDiscount scales an episode's semantic similarity when propagated to
// its linked nodes.
const episodeDiscount = 0.8

// maxFallbackSeeds caps the seeds taken from fuzzy/substring fallback when
// no query token resolves directly.
const maxFallbackSeeds = 5

// Weights are the channel coefficients of the combined score.
type Weights struct {
	Semantic   float64 `yaml:"semantic"`
	Graph      float64 `yaml:"graph"`
	Recency    float64 `yaml:"recency"`
	Importance float64 `yaml:"importance"`
}

// DefaultWeights sum to 1.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.4, Graph: 0.3, Recency: 0.2, Importance: 0.1}
}

// Options parameterizes one recall query. Zero values take defaults.
type Options struct {
	Query          string
	Limit          int // default 10
	Hops           int // default 2
	Types          []graph.NodeType
	Since          time.Time
	Until          time.Time
	MinScore       float64
	Weights        *Weights
	SkipProcedures bool
}

// Connection is one incident edge attached to a result.
type Connection struct {
	EdgeID string         `json:"edge_id"`
	Other  string         `json:"other"`
	Type   graph.EdgeType `json:"type"`
	Weight float64        `json:"weight"`
}

// Result is one ranked node with its score breakdown and enrichment.
type Result struct {
	Node        *graph.Node      `json:"node"`
	Score       float64          `json:"score"`
	Semantic    float64          `json:"semantic"`
	Graph       float64          `json:"graph"`
	Recency     float64          `json:"recency"`
	Importance  float64          `json:"importance"`
	Connections []Connection     `json:"connections,omitempty"`
	Episodes    []*graph.Episode `json:"episodes,omitempty"`
}

// Response is the full recall answer.
type Response struct {
	Results    []*Result         `json:"results"`
	Procedures []procedure.Match `json:"procedures,omitempty"`
}

// Engine answers recall queries. Provider may be nil for graph-only recall;
// provider errors propagate untouched so the caller can retry without one.
type Engine struct {
	db       *graph.DB
	cfg      config.GraphConfig
	provider embedding.Provider
}

// New builds a recall engine.
func New(db *graph.DB, cfg config.GraphConfig, provider embedding.Provider) *Engine {
	return &Engine{db: db, cfg: cfg, provider: provider}
}

// Recall runs the full pipeline: semantic candidates, seed extraction, graph
// walk, scoring, filtering, enrichment and procedure matching.
func (e *Engine) Recall(ctx context.Context, opts Options) (*Response, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Hops <= 0 {
		opts.Hops = 2
	}
	weights := DefaultWeights()
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	now := time.Now()

	semantic, episodeHits, err := e.semanticCandidates(ctx, opts.Query, opts.Limit)
	if err != nil {
		return nil, err
	}

	seeds, err := e.extractSeeds(opts.Query)
	if err != nil {
		return nil, err
	}

	graphScores, err := e.db.Walk(seeds, opts.Hops, now, e.cfg.DecayRate, e.cfg.VisibilityThreshold)
	if err != nil {
		return nil, err
	}

	candidates := make(map[string]bool)
	for id, s := range semantic {
		if s > 0 {
			candidates[id] = true
		}
	}
	for id, s := range graphScores {
		if s > 0 {
			candidates[id] = true
		}
	}

	resp := &Response{}
	if len(candidates) > 0 {
		results, err := e.scoreCandidates(candidates, semantic, graphScores, weights, opts, now)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			e.enrich(r, episodeHits, now)
		}
		resp.Results = results
	}

	if !opts.SkipProcedures {
		procs, err := procedure.FindRelevant(e.db, opts.Query, nil, 3, 0.1)
		if err != nil {
			return nil, err
		}
		resp.Procedures = procs
	}

	return resp, nil
}

// semanticCandidates embeds the query and gathers node scores from node
// similarity plus discounted episode similarity. Returns the per-node scores
// and the raw episode hits (for enrichment merging).
func (e *Engine) semanticCandidates(ctx context.Context, query string, limit int) (map[string]float64, map[string][]string, error) {
	scores := make(map[string]float64)
	episodeHits := make(map[string][]string) // node -> episode IDs reached semantically

	if e.provider == nil || query == "" {
		return scores, episodeHits, nil
	}

	queryEmb, err := e.provider.Embed(ctx, query)
	if err != nil {
		return nil, nil, err // caller retries with provider=nil
	}

	nodeHits, err := e.db.SimilarNodes(queryEmb, limit*3)
	if err != nil {
		log.Printf("[recall] node similarity failed: %v", err)
		nodeHits = nil
	}
	for _, h := range nodeHits {
		if h.Similarity > scores[h.ID] {
			scores[h.ID] = h.Similarity
		}
	}

	epHits, err := e.db.SimilarEpisodes(queryEmb, limit)
	if err != nil {
		log.Printf("[recall] episode similarity failed: %v", err)
		epHits = nil
	}
	for _, h := range epHits {
		if h.Similarity <= 0 {
			continue
		}
		nodeIDs, err := e.db.GetNodesForEpisode(h.ID)
		if err != nil {
			continue
		}
		discounted := h.Similarity * episodeDiscount
		for _, nodeID := range nodeIDs {
			if discounted > scores[nodeID] {
				scores[nodeID] = discounted
			}
			episodeHits[nodeID] = append(episodeHits[nodeID], h.ID)
		}
	}

	return scores, episodeHits, nil
}

// queryStopwords are skipped during seed extraction.
var queryStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "what": true,
	"who": true, "how": true, "when": true, "where": true, "why": true,
	"did": true, "does": true, "was": true, "were": true, "are": true,
	"about": true, "tell": true, "know": true, "that": true, "this": true,
	"you": true, "your": true, "have": true, "has": true, "had": true,
	"can": true, "could": true, "would": true, "should": true, "not": true,
}

// extractSeeds resolves query tokens to node IDs via exact label and alias
// lookup; when nothing resolves it falls back to fuzzy label matches, then
// substring hits, so the walk still has somewhere to start.
func (e *Engine) extractSeeds(query string) ([]string, error) {
	var seeds []string
	seen := make(map[string]bool)

	for _, term := range queryTerms(query) {
		n, err := e.db.FindNodeByLabel(term)
		if err != nil {
			return nil, err
		}
		if n == nil {
			n, err = e.db.FindNodeByAlias(term)
			if err != nil {
				return nil, err
			}
		}
		if n != nil && !seen[n.ID] {
			seen[n.ID] = true
			seeds = append(seeds, n.ID)
		}
	}

	if len(seeds) == 0 {
		all, err := e.db.AllNodes()
		if err != nil {
			return nil, err
		}
		for _, term := range queryTerms(query) {
			for _, n := range all {
				if seen[n.ID] || !match.FuzzyMatch(term, n.Label) {
					continue
				}
				seen[n.ID] = true
				seeds = append(seeds, n.ID)
				if len(seeds) >= maxFallbackSeeds {
					return seeds, nil
				}
			}
		}
		// Fill remaining slots with substring hits.
		for _, term := range queryTerms(query) {
			nodes, err := e.db.SearchNodes(term, maxFallbackSeeds)
			if err != nil {
				return nil, err
			}
			for _, n := range nodes {
				if seen[n.ID] {
					continue
				}
				seen[n.ID] = true
				seeds = append(seeds, n.ID)
				if len(seeds) >= maxFallbackSeeds {
					return seeds, nil
				}
			}
		}
	}

	return seeds, nil
}

func queryTerms(query string) []string {
	fields := strings.Fields(match.Normalize(query))
	seen := make(map[string]bool)
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if len(f) < 2 || queryStopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// scoreCandidates computes the blended score for every candidate and applies
// the type/date/minScore filters, sort and limit.
func (e *Engine) scoreCandidates(candidates map[string]bool, semantic, graphScores map[string]float64, weights Weights, opts Options, now time.Time) ([]*Result, error) {
	type cand struct {
		node *graph.Node
		res  *Result
	}
	var pool []cand

	// Importance is normalized against the heaviest candidate, not globally.
	maxActivity := 0
	for id := range candidates {
		n, err := e.db.GetNode(id)
		if err != nil {
			continue // node deleted since scoring started
		}
		if activity := n.MentionCount + n.ReinforcementCount; activity > maxActivity {
			maxActivity = activity
		}
		pool = append(pool, cand{node: n})
	}

	var results []*Result
	for _, c := range pool {
		n := c.node
		if !matchesFilters(n, opts) {
			continue
		}

		recency := 1.0 - now.Sub(n.LastReinforced).Hours()/24.0/365.0
		if recency < 0 {
			recency = 0
		}
		importance := 0.0
		if maxActivity > 0 {
			importance = float64(n.MentionCount+n.ReinforcementCount) / float64(maxActivity)
			if importance > 1 {
				importance = 1
			}
		}

		r := &Result{
			Node:       n,
			Semantic:   semantic[n.ID],
			Graph:      graphScores[n.ID],
			Recency:    recency,
			Importance: importance,
		}
		r.Score = weights.Semantic*r.Semantic + weights.Graph*r.Graph +
			weights.Recency*r.Recency + weights.Importance*r.Importance

		if r.Score < opts.MinScore {
			continue
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func matchesFilters(n *graph.Node, opts Options) bool {
	if len(opts.Types) > 0 {
		ok := false
		for _, t := range opts.Types {
			if n.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !opts.Since.IsZero() && n.LastReinforced.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && n.LastReinforced.After(opts.Until) {
		return false
	}
	return true
}

// enrich attaches the top incident edges and the most recent linked
// episodes, merging episodes reached via semantic episode hits. Returned
// episodes count as accessed.
func (e *Engine) enrich(r *Result, episodeHits map[string][]string, now time.Time) {
	edges, err := e.db.ListEdges(graph.EdgeFilter{Node: r.Node.ID, Limit: 5})
	if err == nil {
		for _, edge := range edges {
			other := edge.Target
			if other == r.Node.ID {
				other = edge.Source
			}
			r.Connections = append(r.Connections, Connection{
				EdgeID: edge.ID,
				Other:  other,
				Type:   edge.Type,
				Weight: edge.Weight,
			})
		}
	}

	episodes, err := e.db.GetEpisodesForNode(r.Node.ID, 3)
	if err != nil {
		episodes = nil
	}
	have := make(map[string]bool, len(episodes))
	for _, ep := range episodes {
		have[ep.ID] = true
	}
	for _, epID := range episodeHits[r.Node.ID] {
		if have[epID] || len(episodes) >= 3 {
			continue
		}
		ep, err := e.db.GetEpisode(epID)
		if err != nil {
			continue
		}
		have[epID] = true
		episodes = append(episodes, ep)
	}
	for _, ep := range episodes {
		if err := e.db.TouchEpisode(ep.ID, now); err != nil {
			log.Printf("[recall] failed to touch episode %s: %v", ep.ID, err)
		}
	}
	r.Episodes = episodes
}
