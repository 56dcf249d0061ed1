package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/engramd/engram/internal/config"
	"github.com/engramd/engram/internal/embedding"
	"github.com/engramd/engram/internal/graph"
	"github.com/engramd/engram/internal/recall"
	"github.com/engramd/engram/internal/snapshot"
)

func usage() {
	fmt.Fprintln(os.Stderr, `engram - temporal memory graph maintenance

Usage: engram <command> [flags]

Commands:
  stats      Print table counts
  decay      Run a decay pass over all edges
  snapshot   Capture a snapshot of the current graph
  diff       Compare two snapshots: engram diff <fromID> <toID>
  prune      Delete old snapshots
  recall     Query the graph: engram recall -query "..."`)
	os.Exit(2)
}

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("[config] Loaded .env file")
	}

	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]
	args := os.Args[2:]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	stateDir := fs.String("state", envOr("STATE_PATH", "state"), "Path to state directory")
	configPath := fs.String("config", envOr("ENGRAM_CONFIG", "engram.yaml"), "Path to config file")

	var (
		query    = fs.String("query", "", "Recall query text")
		limit    = fs.Int("limit", 10, "Recall result limit")
		hops     = fs.Int("hops", 2, "Recall graph walk depth")
		semantic = fs.Bool("semantic", false, "Use the Ollama embedding provider for recall")
		maxAge   = fs.Duration("max-age", 90*24*time.Hour, "Prune snapshots older than this")
		keepLast = fs.Int("keep-last", 5, "Always keep this many recent snapshots when pruning")
		snapMeta = fs.String("meta", "", "Snapshot metadata note")
	)
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := graph.Open(*stateDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	switch command {
	case "stats":
		runStats(db)
	case "decay":
		runDecay(db, cfg)
	case "snapshot":
		runSnapshot(db, *snapMeta)
	case "diff":
		runDiff(db, fs.Args())
	case "prune":
		runPrune(db, *maxAge, *keepLast)
	case "recall":
		runRecall(db, cfg, *query, *limit, *hops, *semantic)
	default:
		usage()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runStats(db *graph.DB) {
	stats, err := db.Stats()
	if err != nil {
		log.Fatalf("Failed to get stats: %v", err)
	}
	for _, table := range []string{"nodes", "edges", "episodes", "procedures", "snapshots", "pending_edges"} {
		fmt.Printf("%-14s %d\n", table, stats[table])
	}
}

func runDecay(db *graph.DB, cfg config.Config) {
	stats, err := db.DecayAllEdges(time.Now(), cfg.Graph.DecayRate, cfg.Graph.VisibilityThreshold)
	if err != nil {
		log.Fatalf("Decay pass failed: %v", err)
	}
	fmt.Printf("decayed: %d  dormant: %d\n", stats.Decayed, stats.Dormant)

	fading, err := db.FadingEdges(time.Now(), cfg.Graph.DecayRate, cfg.Graph.VisibilityThreshold)
	if err == nil && len(fading) > 0 {
		fmt.Printf("fading (about to go dormant): %d\n", len(fading))
		for _, e := range fading {
			fmt.Printf("  %s -> %s (%s) weight %.4f\n", e.Source, e.Target, e.Type, e.Weight)
		}
	}
}

func runSnapshot(db *graph.DB, meta string) {
	snap, err := db.CreateSnapshot(graph.SnapshotManual, meta)
	if err != nil {
		log.Fatalf("Snapshot failed: %v", err)
	}
	fmt.Printf("%s  nodes=%d edges=%d episodes=%d\n", snap.ID, snap.NodeCount, snap.EdgeCount, snap.EpisodeCount)
}

func runDiff(db *graph.DB, args []string) {
	if len(args) != 2 {
		log.Fatal("Usage: engram diff <fromID> <toID>")
	}
	d, err := snapshot.DiffSnapshots(db, args[0], args[1])
	if err != nil {
		log.Fatalf("Diff failed: %v", err)
	}
	fmt.Printf("nodes: +%d -%d ~%d   edges: +%d -%d   net: %+d\n",
		d.Stats.NodesAdded, d.Stats.NodesRemoved, d.Stats.NodesChanged,
		d.Stats.EdgesAdded, d.Stats.EdgesRemoved, d.Stats.NetChange)
	for _, delta := range d.EdgesStrengthened {
		fmt.Printf("  strengthened %s: %.4f -> %.4f\n", delta.EdgeID, delta.From, delta.To)
	}
	for _, delta := range d.EdgesWeakened {
		fmt.Printf("  weakened %s: %.4f -> %.4f\n", delta.EdgeID, delta.From, delta.To)
	}
}

func runPrune(db *graph.DB, maxAge time.Duration, keepLast int) {
	pruned, err := db.PruneSnapshots(time.Now().Add(-maxAge), keepLast)
	if err != nil {
		log.Fatalf("Prune failed: %v", err)
	}
	fmt.Printf("pruned %d snapshots\n", pruned)
}

func runRecall(db *graph.DB, cfg config.Config, query string, limit, hops int, semantic bool) {
	if query == "" {
		log.Fatal("Usage: engram recall -query \"...\"")
	}

	var provider embedding.Provider
	if semantic {
		provider = embedding.NewOllamaClient(os.Getenv("OLLAMA_URL"), os.Getenv("OLLAMA_EMBED_MODEL"))
	}

	engine := recall.New(db, cfg.Graph, provider)
	resp, err := engine.Recall(context.Background(), recall.Options{
		Query: query,
		Limit: limit,
		Hops:  hops,
	})
	if err != nil && provider != nil {
		// Provider failure: retry graph-only.
		log.Printf("[recall] provider failed (%v), retrying graph-only", err)
		engine = recall.New(db, cfg.Graph, nil)
		resp, err = engine.Recall(context.Background(), recall.Options{Query: query, Limit: limit, Hops: hops})
	}
	if err != nil {
		log.Fatalf("Recall failed: %v", err)
	}

	for _, r := range resp.Results {
		fmt.Printf("%.3f  %-10s %s  (sem %.2f / graph %.2f / rec %.2f / imp %.2f)\n",
			r.Score, r.Node.Type, r.Node.Label, r.Semantic, r.Graph, r.Recency, r.Importance)
		for _, c := range r.Connections {
			fmt.Printf("         -> %s (%s, %.3f)\n", c.Other, c.Type, c.Weight)
		}
	}
	for _, m := range resp.Procedures {
		fmt.Printf("proc %.3f  [%s] %s\n", m.Score, m.Procedure.Type, m.Procedure.Statement)
	}
}
