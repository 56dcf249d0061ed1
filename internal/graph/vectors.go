package graph

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// initVecTables reads the embedding dimension from existing rows, creates the
// vec0 virtual tables with that dimension (if they don't already exist), and
// backfills stored embeddings. No-ops if nothing has an embedding yet; the
// tables are then created lazily on the first embedding save.
func (g *DB) initVecTables() error {
	var embBytes []byte
	err := g.db.QueryRow(`
		SELECT embedding FROM episodes WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1
	`).Scan(&embBytes)
	if err != nil {
		err = g.db.QueryRow(`
			SELECT embedding FROM nodes WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1
		`).Scan(&embBytes)
	}
	if err != nil {
		return nil // no embeddings yet; defer to first save
	}
	var emb64 []float64
	if err := json.Unmarshal(embBytes, &emb64); err != nil || len(emb64) == 0 {
		return nil
	}
	return g.ensureVecTables(len(emb64))
}

// ensureVecTables creates the episode_vec and node_vec virtual tables for the
// given embedding dimension (if not yet created) and backfills existing rows.
// Idempotent for the same dim.
//
// Schema uses integer rowid (from the base table) + an auxiliary id column,
// avoiding vec0's TEXT PRIMARY KEY partitioning behaviour which breaks KNN
// queries.
func (g *DB) ensureVecTables(dim int) error {
	if g.vecDim == dim {
		return nil // already set up for this dimension
	}
	if g.vecDim != 0 && g.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, g.vecDim)
	}

	for _, tbl := range []struct{ vec, base, idCol string }{
		{"episode_vec", "episodes", "episode_id"},
		{"node_vec", "nodes", "node_id"},
	} {
		_, err := g.db.Exec(fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
				embedding float[%d],
				+%s TEXT
			)
		`, tbl.vec, dim, tbl.idCol))
		if err != nil {
			return storeErr(fmt.Sprintf("failed to create %s(float[%d])", tbl.vec, dim), err)
		}
	}
	g.vecDim = dim

	g.backfillVecTable("episode_vec", "episodes", "episode_id", dim)
	g.backfillVecTable("node_vec", "nodes", "node_id", dim)
	return nil
}

// backfillVecTable indexes all existing embeddings from a base table into its
// vec0 table. Failures are non-fatal; the full-scan path still works.
func (g *DB) backfillVecTable(vecTable, baseTable, idCol string, dim int) {
	rows, err := g.db.Query(fmt.Sprintf(
		`SELECT rowid, id, embedding FROM %s WHERE embedding IS NOT NULL`, baseTable))
	if err != nil {
		return
	}
	defer rows.Close()

	tx, err := g.db.Begin()
	if err != nil {
		return
	}

	var count int
	for rows.Next() {
		var rowid int64
		var id string
		var emb []byte
		if err := rows.Scan(&rowid, &id, &emb); err != nil {
			continue
		}
		var emb64 []float64
		if err := json.Unmarshal(emb, &emb64); err != nil || len(emb64) != dim {
			continue
		}
		emb32 := normalizeFloat32(float64ToFloat32(emb64))
		serialized, serErr := sqlite_vec.SerializeFloat32(emb32)
		if serErr != nil {
			continue
		}
		// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
		tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, vecTable), rowid)
		if _, err := tx.Exec(fmt.Sprintf(
			`INSERT INTO %s(rowid, embedding, %s) VALUES (?, ?, ?)`, vecTable, idCol),
			rowid, serialized, id); err != nil {
			log.Printf("[graph] vec backfill failed for %s: %v", id, err)
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return
	}
	if count > 0 {
		log.Printf("[graph] vec backfill: indexed %d rows into %s (dim=%d)", count, vecTable, dim)
	}
}

// upsertVecRow mirrors one embedding into a vec0 table, keyed by the base
// table's rowid.
func (g *DB) upsertVecRow(vecTable, baseTable, idCol, id string, emb []float64) {
	if !g.vecAvailable {
		return
	}
	if err := g.ensureVecTables(len(emb)); err != nil {
		log.Printf("[graph] vec index skipped for %s: %v", id, err)
		return
	}

	var rowid int64
	if err := g.db.QueryRow(fmt.Sprintf(
		`SELECT rowid FROM %s WHERE id = ?`, baseTable), id).Scan(&rowid); err != nil {
		return
	}

	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return
	}
	g.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, vecTable), rowid)
	if _, err := g.db.Exec(fmt.Sprintf(
		`INSERT INTO %s(rowid, embedding, %s) VALUES (?, ?, ?)`, vecTable, idCol),
		rowid, serialized, id); err != nil {
		log.Printf("[graph] vec index failed for %s: %v", id, err)
	}
}

// SaveNodeEmbedding stores a node's embedding and mirrors it into the ANN
// index when available.
func (g *DB) SaveNodeEmbedding(nodeID string, emb []float64) error {
	if len(emb) == 0 {
		return nil
	}
	embBytes, err := json.Marshal(emb)
	if err != nil {
		return err
	}
	res, err := g.db.Exec(`UPDATE nodes SET embedding = ? WHERE id = ?`, embBytes, nodeID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("node %s not found for embedding", nodeID)
	}
	g.upsertVecRow("node_vec", "nodes", "node_id", nodeID, emb)
	return nil
}

// SaveEpisodeEmbedding stores an episode's embedding and mirrors it into the
// ANN index when available.
func (g *DB) SaveEpisodeEmbedding(episodeID string, emb []float64) error {
	if len(emb) == 0 {
		return nil
	}
	embBytes, err := json.Marshal(emb)
	if err != nil {
		return err
	}
	res, err := g.db.Exec(`UPDATE episodes SET embedding = ? WHERE id = ?`, embBytes, episodeID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("episode %s not found for embedding", episodeID)
	}
	g.upsertVecRow("episode_vec", "episodes", "episode_id", episodeID, emb)
	return nil
}

// SimilarItem is an ID with its cosine similarity to a query embedding.
type SimilarItem struct {
	ID         string
	Similarity float64
}

// SimilarEpisodes returns up to topK episodes ranked by cosine similarity to
// the query embedding. Uses the vec0 ANN index when available, otherwise a
// Go-side full scan.
func (g *DB) SimilarEpisodes(queryEmb []float64, topK int) ([]SimilarItem, error) {
	return g.similar("episode_vec", "episode_id", "episodes", queryEmb, topK)
}

// SimilarNodes returns up to topK nodes ranked by cosine similarity to the
// query embedding.
func (g *DB) SimilarNodes(queryEmb []float64, topK int) ([]SimilarItem, error) {
	return g.similar("node_vec", "node_id", "nodes", queryEmb, topK)
}

func (g *DB) similar(vecTable, idCol, baseTable string, queryEmb []float64, topK int) ([]SimilarItem, error) {
	if len(queryEmb) == 0 || topK <= 0 {
		return nil, nil
	}

	if g.vecAvailable && g.vecDim == len(queryEmb) {
		items, err := g.similarVec(vecTable, idCol, queryEmb, topK)
		if err == nil {
			return items, nil
		}
		log.Printf("[graph] vec query failed, falling back to full scan: %v", err)
	}
	return g.similarScan(baseTable, queryEmb, topK)
}

// similarVec runs a KNN query against a vec0 table. Distances are L2 on
// unit vectors, converted back to cosine similarity.
func (g *DB) similarVec(vecTable, idCol string, queryEmb []float64, topK int) ([]SimilarItem, error) {
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(queryEmb)))
	if err != nil {
		return nil, err
	}

	rows, err := g.db.Query(fmt.Sprintf(`
		SELECT %s, distance FROM %s
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, idCol, vecTable), serialized, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []SimilarItem
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			continue
		}
		items = append(items, SimilarItem{ID: id, Similarity: l2ToCosineSim(dist)})
	}
	return items, nil
}

// similarScan is the O(n) fallback: load every stored embedding and rank by
// cosine similarity in Go.
func (g *DB) similarScan(baseTable string, queryEmb []float64, topK int) ([]SimilarItem, error) {
	rows, err := g.db.Query(fmt.Sprintf(
		`SELECT id, embedding FROM %s WHERE embedding IS NOT NULL`, baseTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []SimilarItem
	warnedDim := false
	for rows.Next() {
		var id string
		var embBytes []byte
		if err := rows.Scan(&id, &embBytes); err != nil {
			continue
		}
		var emb []float64
		if err := json.Unmarshal(embBytes, &emb); err != nil {
			continue
		}
		if len(emb) != len(queryEmb) {
			if !warnedDim {
				log.Printf("[graph] %s embedding dimension mismatch: stored %d, query %d — skipping mismatched rows",
					baseTable, len(emb), len(queryEmb))
				warnedDim = true
			}
			continue
		}
		items = append(items, SimilarItem{ID: id, Similarity: CosineSim(queryEmb, emb)})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Similarity > items[j].Similarity
	})
	if len(items) > topK {
		items = items[:topK]
	}
	return items, nil
}
