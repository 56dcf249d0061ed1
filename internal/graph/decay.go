package graph

import (
	"log"
	"math"
	"time"
)

// Stability computes the decay-resistance scalar for a reinforcement count:
//
//	S = 1 + boost * ln(R + 1)
//
// Strictly increasing in R; S = 1 at R = 0.
func Stability(reinforcementCount int, boost float64) float64 {
	if reinforcementCount < 0 {
		reinforcementCount = 0
	}
	return 1.0 + boost*math.Log(float64(reinforcementCount)+1.0)
}

// CurrentWeight computes an edge's effective weight at the given instant:
//
//	w = baseWeight * exp(-decayRate * daysSinceReinforced / stability)
//
// Equal to baseWeight at zero elapsed time; floors at 0, never negative.
// Half-life at stability 1 is ln(2)/decayRate days.
func CurrentWeight(e *Edge, now time.Time, decayRate float64) float64 {
	stability := e.Stability
	if stability < 1.0 {
		stability = 1.0
	}
	days := now.Sub(e.LastReinforced).Hours() / 24.0
	if days < 0 {
		days = 0
	}
	w := e.BaseWeight * math.Exp(-decayRate*days/stability)
	if w < 0 {
		return 0
	}
	return w
}

// DecayStats reports the outcome of a batch decay pass.
type DecayStats struct {
	Decayed int // edges whose materialized weight changed
	Dormant int // edges whose new weight fell below the visibility threshold
}

// weightEpsilon is the change below which a materialized weight is
// considered unchanged (avoids counting float noise as decay).
const weightEpsilon = 1e-9

// DecayAllEdges recomputes and persists the materialized weight of every
// edge. This is the only place the stored weight column is refreshed outside
// of edge formation; reinforcement touches stability and recency only.
func (g *DB) DecayAllEdges(now time.Time, decayRate, visibilityThreshold float64) (DecayStats, error) {
	var stats DecayStats

	edges, err := g.AllEdges()
	if err != nil {
		return stats, err
	}

	tx, err := g.db.Begin()
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()

	for _, e := range edges {
		w := CurrentWeight(e, now, decayRate)
		if math.Abs(w-e.Weight) > weightEpsilon {
			if _, err := tx.Exec(`UPDATE edges SET weight = ? WHERE id = ?`, w, e.ID); err != nil {
				return stats, err
			}
			stats.Decayed++
		}
		if w < visibilityThreshold {
			stats.Dormant++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, err
	}

	if stats.Decayed > 0 || stats.Dormant > 0 {
		log.Printf("[decay] materialized %d edge weights, %d dormant", stats.Decayed, stats.Dormant)
	}
	return stats, nil
}

// FadingEdges returns edges whose current weight sits in
// [visibilityThreshold, 2*visibilityThreshold], about to become dormant.
func (g *DB) FadingEdges(now time.Time, decayRate, visibilityThreshold float64) ([]*Edge, error) {
	edges, err := g.AllEdges()
	if err != nil {
		return nil, err
	}

	var fading []*Edge
	for _, e := range edges {
		w := CurrentWeight(e, now, decayRate)
		if w >= visibilityThreshold && w <= 2*visibilityThreshold {
			e.Weight = w
			fading = append(fading, e)
		}
	}
	return fading, nil
}
