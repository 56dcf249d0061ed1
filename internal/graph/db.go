// Package graph implements the temporal memory graph: the SQLite-backed
// store for nodes, edges, episodes, procedures and snapshots, plus the decay
// model and the multi-hop graph walk that operate on it.
package graph

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/engramd/engram/internal/apperr"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// storeErr tags a low-level database failure so callers can classify it with
// errors.Is(err, apperr.ErrStore). The driver error stays in the message.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, apperr.ErrStore, err)
}

// DB wraps the SQLite database connection for the memory graph.
type DB struct {
	db           *sql.DB
	path         string
	vecAvailable bool
	vecDim       int // embedding dimension used by the vec tables (0 = not yet determined)
}

// Open opens or creates the memory graph database under statePath.
func Open(statePath string) (*DB, error) {
	dbPath := filepath.Join(statePath, "engram.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, storeErr("failed to create directory", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, storeErr("failed to open database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storeErr("failed to ping database", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, storeErr("failed to enable foreign keys", err)
	}

	g := &DB{db: db, path: dbPath}

	if err := g.migrate(); err != nil {
		db.Close()
		return nil, storeErr("failed to migrate", err)
	}

	// Check if sqlite-vec extension is available
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		log.Printf("[graph] sqlite-vec not available: %v — falling back to full scan", err)
	} else {
		log.Printf("[graph] sqlite-vec %s loaded", vecVersion)
		g.vecAvailable = true
		if err := g.initVecTables(); err != nil {
			log.Printf("[graph] vec init warning: %v", err)
		}
	}

	return g, nil
}

// Close closes the database connection.
func (g *DB) Close() error {
	return g.db.Close()
}

// Path returns the database file path.
func (g *DB) Path() string {
	return g.path
}

// migrate runs database migrations.
func (g *DB) migrate() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Flat key/value metadata (config persisted alongside the graph, etc.)
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- NODES (canonical entities)
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		type TEXT NOT NULL,
		first_seen DATETIME NOT NULL,
		last_reinforced DATETIME NOT NULL,
		mention_count INTEGER DEFAULT 1,
		reinforcement_count INTEGER DEFAULT 0,
		embedding BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_label ON nodes(label);
	CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);
	CREATE INDEX IF NOT EXISTS idx_nodes_last_reinforced ON nodes(last_reinforced);

	CREATE TABLE IF NOT EXISTS node_aliases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id TEXT NOT NULL,
		alias TEXT NOT NULL,
		FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE,
		UNIQUE(node_id, alias)
	);

	CREATE INDEX IF NOT EXISTS idx_node_aliases_alias ON node_aliases(alias);

	CREATE TABLE IF NOT EXISTS node_sources (
		node_id TEXT NOT NULL,
		file TEXT NOT NULL,
		PRIMARY KEY (node_id, file),
		FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS node_excerpts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id TEXT NOT NULL,
		file TEXT NOT NULL,
		text TEXT NOT NULL,
		date DATETIME NOT NULL,
		FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_node_excerpts_node ON node_excerpts(node_id);

	-- EDGES (typed, weighted, decaying relationships)
	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		type TEXT NOT NULL,
		directed BOOLEAN DEFAULT FALSE,
		weight REAL NOT NULL,
		base_weight REAL NOT NULL,
		reinforcement_count INTEGER DEFAULT 0,
		first_formed DATETIME NOT NULL,
		last_reinforced DATETIME NOT NULL,
		stability REAL DEFAULT 1.0,
		FOREIGN KEY (source) REFERENCES nodes(id) ON DELETE CASCADE,
		FOREIGN KEY (target) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target);
	CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(type);
	CREATE INDEX IF NOT EXISTS idx_edges_weight ON edges(weight);

	CREATE TABLE IF NOT EXISTS edge_evidence (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		edge_id TEXT NOT NULL,
		file TEXT NOT NULL,
		date DATETIME NOT NULL,
		context TEXT,
		FOREIGN KEY (edge_id) REFERENCES edges(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_edge_evidence_edge ON edge_evidence(edge_id);

	-- Pending-edge ledger (unpromoted co-occurrence candidates).
	-- Evidence is stored as a JSON column: entries are ephemeral, copied to
	-- edge_evidence on promotion and never queried individually.
	CREATE TABLE IF NOT EXISTS pending_edges (
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		type TEXT NOT NULL,
		count INTEGER DEFAULT 1,
		first_seen DATETIME NOT NULL,
		evidence TEXT,
		PRIMARY KEY (source, target, type)
	);

	-- EPISODES
	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		end_timestamp DATETIME,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT,
		content TEXT NOT NULL,
		sequence INTEGER DEFAULT 0,
		participants TEXT,
		topics TEXT,
		importance REAL DEFAULT 0.5,
		access_count INTEGER DEFAULT 0,
		last_accessed DATETIME NOT NULL,
		source TEXT NOT NULL,
		source_type TEXT,
		parent_id TEXT,
		embedding BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_episodes_timestamp ON episodes(timestamp);
	CREATE INDEX IF NOT EXISTS idx_episodes_type ON episodes(type);

	-- Episode <-> node links with a role (participant/topic/mentioned)
	CREATE TABLE IF NOT EXISTS episode_entities (
		episode_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (episode_id, node_id, role),
		FOREIGN KEY (episode_id) REFERENCES episodes(id) ON DELETE CASCADE,
		FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_episode_entities_node ON episode_entities(node_id);

	-- PROCEDURES (behavioral rules; trigger lists are JSON — read whole-row)
	CREATE TABLE IF NOT EXISTS procedures (
		id TEXT PRIMARY KEY,
		statement TEXT NOT NULL,
		type TEXT NOT NULL,
		trigger_keywords TEXT,
		trigger_contexts TEXT,
		source_episodes TEXT,
		source_nodes TEXT,
		confidence REAL NOT NULL,
		applications INTEGER DEFAULT 0,
		contradictions INTEGER DEFAULT 0,
		stability REAL DEFAULT 1.0,
		last_applied DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		flagged_for_review BOOLEAN DEFAULT FALSE
	);

	-- SNAPSHOTS (write-once captures + per-entity state rows for diffing)
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		trigger_type TEXT NOT NULL,
		node_count INTEGER NOT NULL,
		edge_count INTEGER NOT NULL,
		episode_count INTEGER NOT NULL,
		metadata TEXT
	);

	CREATE TABLE IF NOT EXISTS snapshot_nodes (
		snapshot_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		label TEXT NOT NULL,
		type TEXT NOT NULL,
		mention_count INTEGER NOT NULL,
		reinforcement_count INTEGER NOT NULL,
		last_reinforced DATETIME NOT NULL,
		PRIMARY KEY (snapshot_id, node_id),
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_snapshot_nodes_node ON snapshot_nodes(node_id);

	CREATE TABLE IF NOT EXISTS snapshot_edges (
		snapshot_id TEXT NOT NULL,
		edge_id TEXT NOT NULL,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		type TEXT NOT NULL,
		weight REAL NOT NULL,
		stability REAL NOT NULL,
		reinforcement_count INTEGER NOT NULL,
		PRIMARY KEY (snapshot_id, edge_id),
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_snapshot_edges_edge ON snapshot_edges(edge_id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	if _, err := g.db.Exec(schema); err != nil {
		return err
	}

	return g.runMigrations()
}

// runMigrations applies incremental schema changes.
func (g *DB) runMigrations() error {
	var version int
	err := g.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		version = 1
	}

	// Migration v2: index on episode timestamps for since/until filters,
	// and on snapshot created_at for retention pruning.
	if version < 2 {
		g.db.Exec("CREATE INDEX IF NOT EXISTS idx_episodes_last_accessed ON episodes(last_accessed)")
		g.db.Exec("CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at)")
		g.db.Exec("INSERT INTO schema_version (version) VALUES (2)")
	}

	return nil
}

// GetMeta reads a metadata value; returns "" when the key is absent.
func (g *DB) GetMeta(key string) (string, error) {
	var value string
	err := g.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMeta writes a metadata key/value pair.
func (g *DB) SetMeta(key, value string) error {
	_, err := g.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Stats returns row counts for the main tables.
func (g *DB) Stats() (map[string]int, error) {
	stats := make(map[string]int)

	tables := []string{"nodes", "edges", "episodes", "procedures", "snapshots", "pending_edges"}
	for _, table := range tables {
		var count int
		err := g.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			return nil, err
		}
		stats[table] = count
	}

	return stats, nil
}

// Clear removes all data (for testing/reset).
func (g *DB) Clear() error {
	tables := []string{
		"snapshot_edges", "snapshot_nodes", "snapshots",
		"procedures", "episode_entities", "episodes",
		"pending_edges", "edge_evidence", "edges",
		"node_excerpts", "node_sources", "node_aliases", "nodes",
		"metadata",
	}

	for _, table := range tables {
		if _, err := g.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return storeErr(fmt.Sprintf("failed to clear %s", table), err)
		}
	}

	return nil
}

// float64ToFloat32 converts a float64 slice to float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector. Normalizing
// before storing in vec0 makes L2 distance equivalent to cosine distance:
//
//	cosine_dist = L2_dist² / 2   (for unit vectors)
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineSim converts an L2 distance (on normalized vectors) to cosine
// similarity: cosine_sim = 1 - L2²/2.
func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}

// CosineSim computes cosine similarity between two embeddings.
func CosineSim(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
