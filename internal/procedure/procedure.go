// Package procedure implements trigger matching and feedback dynamics for
// behavioral rules stored in the graph database.
package procedure

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/engramd/engram/internal/apperr"
	"github.com/engramd/engram/internal/graph"
	"github.com/engramd/engram/internal/match"
)

// Feedback is the outcome reported after a procedure was surfaced.
type Feedback string

const (
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
	FeedbackNeutral  Feedback = "neutral"
)

// Match is one procedure relevant to a query, with the triggers that fired.
type Match struct {
	Procedure       *graph.Procedure `json:"procedure"`
	Score           float64          `json:"score"`
	MatchedKeywords []string         `json:"matched_keywords,omitempty"`
	MatchedContexts []string         `json:"matched_contexts,omitempty"`
}

// contextMatchWeight is the raw-strength contribution of one matched trigger
// context.
const contextMatchWeight = 0.3

// FindRelevant scores every stored procedure against the query and contexts.
// Raw match strength counts keyword hits (exact token hit 1.0, substring hit
// 0.5) over total keywords, plus a fixed bump per matched context, capped at
// 1.0; the final score scales that by (0.5 + 0.5 * confidence) so a
// higher-confidence procedure outranks an equal-match lower-confidence one.
func FindRelevant(db *graph.DB, query string, contexts []string, limit int, minScore float64) ([]Match, error) {
	if limit <= 0 {
		limit = 5
	}

	procs, err := db.ListProcedures(0)
	if err != nil {
		return nil, err
	}

	tokens := tokenize(query)
	var matches []Match
	for _, p := range procs {
		m := scoreProcedure(p, tokens, contexts)
		if m == nil || m.Score < minScore {
			continue
		}
		matches = append(matches, *m)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func scoreProcedure(p *graph.Procedure, tokens []string, contexts []string) *Match {
	m := Match{Procedure: p}

	var raw float64
	if len(p.TriggerKeywords) > 0 {
		var keywordScore float64
		for _, kw := range p.TriggerKeywords {
			normKw := match.Normalize(kw)
			if normKw == "" {
				continue
			}
			hit := 0.0
			for _, tok := range tokens {
				if tok == normKw {
					hit = 1.0
					break
				}
				if strings.Contains(tok, normKw) || strings.Contains(normKw, tok) {
					hit = 0.5
				}
			}
			if hit > 0 {
				keywordScore += hit
				m.MatchedKeywords = append(m.MatchedKeywords, kw)
			}
		}
		raw = keywordScore / float64(len(p.TriggerKeywords))
	}

	for _, tc := range p.TriggerContexts {
		for _, ctx := range contexts {
			if strings.EqualFold(strings.TrimSpace(tc), strings.TrimSpace(ctx)) {
				raw += contextMatchWeight
				m.MatchedContexts = append(m.MatchedContexts, tc)
				break
			}
		}
	}

	if len(m.MatchedKeywords) == 0 && len(m.MatchedContexts) == 0 {
		return nil
	}
	if raw > 1.0 {
		raw = 1.0
	}
	m.Score = raw * (0.5 + 0.5*p.Confidence)
	return &m
}

// Apply runs the feedback state machine on one procedure and persists the
// result atomically (a single row update; no partial state on error).
//
// positive: confidence approaches 1 with diminishing returns, stability
// creeps up to 2. negative: confidence is cut to 80%, floored at 0.01, and
// the procedure is flagged once it has 3+ contradictions and confidence
// under 0.3. neutral: only timestamps move.
func Apply(db *graph.DB, id string, fb Feedback, now time.Time) (*graph.Procedure, error) {
	p, err := db.GetProcedure(id)
	if err != nil {
		return nil, err
	}

	switch fb {
	case FeedbackPositive:
		p.Confidence = p.Confidence + 0.1*(1-p.Confidence)
		if p.Confidence > graph.MaxConfidence {
			p.Confidence = graph.MaxConfidence
		}
		p.Applications++
		p.Stability += 0.1
		if p.Stability > 2 {
			p.Stability = 2
		}
	case FeedbackNegative:
		p.Confidence = p.Confidence * 0.8
		if p.Confidence < graph.MinConfidence {
			p.Confidence = graph.MinConfidence
		}
		p.Contradictions++
		if p.Contradictions >= 3 && p.Confidence < 0.3 {
			p.FlaggedForReview = true
		}
	case FeedbackNeutral:
		// timestamps only
	default:
		return nil, fmt.Errorf("%w: unknown feedback %q", apperr.ErrValidation, fb)
	}

	p.LastApplied = &now
	p.UpdatedAt = now

	if err := db.UpdateProcedure(p); err != nil {
		return nil, err
	}
	return p, nil
}

// tokenize splits a query into normalized tokens of length >= 2.
func tokenize(query string) []string {
	fields := strings.Fields(match.Normalize(query))
	seen := make(map[string]bool)
	var tokens []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}
