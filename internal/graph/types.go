package graph

import (
	"time"
)

// NodeType categorizes entities tracked in the graph.
type NodeType string

const (
	NodeConcept  NodeType = "concept"
	NodeTool     NodeType = "tool"
	NodePerson   NodeType = "person"
	NodeProject  NodeType = "project"
	NodeEvent    NodeType = "event"
	NodeDecision NodeType = "decision"
	NodeTag      NodeType = "tag"
	NodePlace    NodeType = "place"
	NodeLesson   NodeType = "lesson"
)

// ValidNodeType reports whether t is a known node type.
func ValidNodeType(t NodeType) bool {
	switch t {
	case NodeConcept, NodeTool, NodePerson, NodeProject, NodeEvent,
		NodeDecision, NodeTag, NodePlace, NodeLesson:
		return true
	}
	return false
}

// EdgeType categorizes relationships between nodes.
type EdgeType string

const (
	EdgeExplicit     EdgeType = "explicit"      // structural cross-reference
	EdgeCoOccurrence EdgeType = "co-occurrence" // repeated same-section appearance
	EdgeTemporal     EdgeType = "temporal"      // cross-section within one source
	EdgeCausal       EdgeType = "causal"        // directed, from causal phrasing
)

// ValidEdgeType reports whether t is a known edge type.
func ValidEdgeType(t EdgeType) bool {
	switch t {
	case EdgeExplicit, EdgeCoOccurrence, EdgeTemporal, EdgeCausal:
		return true
	}
	return false
}

// EpisodeType categorizes episodes.
type EpisodeType string

const (
	EpisodeConversation EpisodeType = "conversation"
	EpisodeEvent        EpisodeType = "event"
	EpisodeDecision     EpisodeType = "decision"
	EpisodeObservation  EpisodeType = "observation"
)

// ValidEpisodeType reports whether t is a known episode type.
func ValidEpisodeType(t EpisodeType) bool {
	switch t {
	case EpisodeConversation, EpisodeEvent, EpisodeDecision, EpisodeObservation:
		return true
	}
	return false
}

// ProcedureType categorizes behavioral rules.
type ProcedureType string

const (
	ProcPreference  ProcedureType = "preference"
	ProcSkill       ProcedureType = "skill"
	ProcAntipattern ProcedureType = "antipattern"
	ProcInsight     ProcedureType = "insight"
	ProcHeuristic   ProcedureType = "heuristic"
)

// ValidProcedureType reports whether t is a known procedure type.
func ValidProcedureType(t ProcedureType) bool {
	switch t {
	case ProcPreference, ProcSkill, ProcAntipattern, ProcInsight, ProcHeuristic:
		return true
	}
	return false
}

// Episode-to-node link roles.
const (
	RoleParticipant = "participant"
	RoleTopic       = "topic"
	RoleMentioned   = "mentioned"
)

// SnapshotTrigger records what caused a snapshot.
type SnapshotTrigger string

const (
	SnapshotManual        SnapshotTrigger = "manual"
	SnapshotConsolidation SnapshotTrigger = "consolidation"
)

// Append caps for the evidence ledgers. Past the cap, new entries are
// silently dropped (no eviction).
const (
	MaxExcerptsPerNode = 10
	MaxEvidencePerEdge = 20
)

// Excerpt is a short source quote attached to a node.
type Excerpt struct {
	File string    `json:"file"`
	Text string    `json:"text"`
	Date time.Time `json:"date"`
}

// Evidence is one observation backing an edge or a pending edge.
type Evidence struct {
	File    string    `json:"file"`
	Date    time.Time `json:"date"`
	Context string    `json:"context,omitempty"`
}

// Node is a canonical entity in the memory graph.
type Node struct {
	ID                 string    `json:"id"`
	Label              string    `json:"label"`
	Type               NodeType  `json:"type"`
	Aliases            []string  `json:"aliases,omitempty"`
	FirstSeen          time.Time `json:"first_seen"`
	LastReinforced     time.Time `json:"last_reinforced"`
	MentionCount       int       `json:"mention_count"`
	ReinforcementCount int       `json:"reinforcement_count"`
	SourceFiles        []string  `json:"source_files,omitempty"`
	Excerpts           []Excerpt `json:"excerpts,omitempty"`
	Embedding          []float64 `json:"embedding,omitempty"`
}

// Edge is a typed, weighted relationship between two nodes. Weight is the
// last materialized decayed value; the instantaneous value is always
// derivable from BaseWeight, LastReinforced and Stability.
type Edge struct {
	ID                 string     `json:"id"`
	Source             string     `json:"source"`
	Target             string     `json:"target"`
	Type               EdgeType   `json:"type"`
	Directed           bool       `json:"directed"`
	Weight             float64    `json:"weight"`
	BaseWeight         float64    `json:"base_weight"`
	ReinforcementCount int        `json:"reinforcement_count"`
	FirstFormed        time.Time  `json:"first_formed"`
	LastReinforced     time.Time  `json:"last_reinforced"`
	Stability          float64    `json:"stability"`
	Evidence           []Evidence `json:"evidence,omitempty"`
}

// Episode is a time-anchored record linked to nodes through roles.
type Episode struct {
	ID           string      `json:"id"`
	Timestamp    time.Time   `json:"timestamp"`
	EndTimestamp *time.Time  `json:"end_timestamp,omitempty"`
	Type         EpisodeType `json:"type"`
	Title        string      `json:"title"`
	Summary      string      `json:"summary,omitempty"`
	Content      string      `json:"content"`
	Sequence     int         `json:"sequence"`
	Participants []string    `json:"participants,omitempty"`
	Topics       []string    `json:"topics,omitempty"`
	Importance   float64     `json:"importance"`
	AccessCount  int         `json:"access_count"`
	LastAccessed time.Time   `json:"last_accessed"`
	Source       string      `json:"source"`
	SourceType   string      `json:"source_type"`
	ParentID     string      `json:"parent_id,omitempty"`
	Embedding    []float64   `json:"embedding,omitempty"`
}

// Procedure is a confidence-bearing behavioral rule, independent of the
// node/edge graph except for optional provenance links.
type Procedure struct {
	ID               string        `json:"id"`
	Statement        string        `json:"statement"`
	Type             ProcedureType `json:"type"`
	TriggerKeywords  []string      `json:"trigger_keywords,omitempty"`
	TriggerContexts  []string      `json:"trigger_contexts,omitempty"`
	SourceEpisodes   []string      `json:"source_episodes,omitempty"`
	SourceNodes      []string      `json:"source_nodes,omitempty"`
	Confidence       float64       `json:"confidence"`
	Applications     int           `json:"applications"`
	Contradictions   int           `json:"contradictions"`
	Stability        float64       `json:"stability"`
	LastApplied      *time.Time    `json:"last_applied,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	FlaggedForReview bool          `json:"flagged_for_review"`
}

// Snapshot is an immutable point-in-time capture of graph shape.
type Snapshot struct {
	ID           string          `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	Trigger      SnapshotTrigger `json:"trigger"`
	NodeCount    int             `json:"node_count"`
	EdgeCount    int             `json:"edge_count"`
	EpisodeCount int             `json:"episode_count"`
	Metadata     string          `json:"metadata,omitempty"`
}

// PendingEdge is a ledger entry for a co-occurrence pair awaiting enough
// observations to be promoted to a real edge. Not user-visible.
type PendingEdge struct {
	Source    string     `json:"source"`
	Target    string     `json:"target"`
	Type      EdgeType   `json:"type"`
	Count     int        `json:"count"`
	FirstSeen time.Time  `json:"first_seen"`
	Evidence  []Evidence `json:"evidence,omitempty"`
}

// Neighbor is a node reached over one edge, used by the graph walk.
type Neighbor struct {
	ID     string
	Weight float64
	Type   EdgeType
	EdgeID string
}
