package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/engramd/engram/internal/match"
)

// NodeID derives a deterministic node ID from a label. Labels that normalize
// to the same canonical form always map to the same ID, so re-ingesting a
// source never duplicates entities.
func NodeID(label string) string {
	hash := sha256.Sum256([]byte(match.Normalize(label)))
	return "node-" + hex.EncodeToString(hash[:8])
}

// EdgeID derives a deterministic edge ID from its endpoints and type.
// Undirected edges order the endpoints lexicographically first, so formation
// order never produces duplicate edges. Directed edges keep caller order.
func EdgeID(source, target string, edgeType EdgeType, directed bool) string {
	a, b := source, target
	if !directed && b < a {
		a, b = b, a
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", a, b, edgeType)))
	return "edge-" + hex.EncodeToString(hash[:8])
}

// PairKey returns the unordered (source, target) pair used to key the
// pending-edge ledger.
func PairKey(source, target string) (string, string) {
	if target < source {
		return target, source
	}
	return source, target
}
