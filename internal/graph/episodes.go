package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/engramd/engram/internal/apperr"
)

// AddEpisode inserts an episode. An empty ID gets a generated one.
func (g *DB) AddEpisode(ep *Episode) error {
	if ep.Content == "" {
		return fmt.Errorf("%w: episode content is required", apperr.ErrValidation)
	}
	if !ValidEpisodeType(ep.Type) {
		return fmt.Errorf("%w: unknown episode type %q", apperr.ErrValidation, ep.Type)
	}
	if ep.ID == "" {
		ep.ID = "ep-" + uuid.NewString()
	}

	now := time.Now()
	if ep.Timestamp.IsZero() {
		ep.Timestamp = now
	}
	if ep.LastAccessed.IsZero() {
		ep.LastAccessed = now
	}

	participants, _ := json.Marshal(ep.Participants)
	topics, _ := json.Marshal(ep.Topics)
	var embeddingBytes []byte
	if len(ep.Embedding) > 0 {
		embeddingBytes, _ = json.Marshal(ep.Embedding)
	}

	var endTS interface{}
	if ep.EndTimestamp != nil {
		endTS = *ep.EndTimestamp
	}
	var parentID interface{}
	if ep.ParentID != "" {
		parentID = ep.ParentID
	}

	_, err := g.db.Exec(`
		INSERT INTO episodes (id, timestamp, end_timestamp, type, title, summary, content,
			sequence, participants, topics, importance, access_count, last_accessed,
			source, source_type, parent_id, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ep.ID, ep.Timestamp, endTS, ep.Type, ep.Title, ep.Summary, ep.Content,
		ep.Sequence, string(participants), string(topics), ep.Importance, ep.AccessCount,
		ep.LastAccessed, ep.Source, ep.SourceType, parentID, embeddingBytes)
	if err != nil {
		return storeErr("failed to insert episode", err)
	}
	return nil
}

// GetEpisode retrieves an episode by ID.
func (g *DB) GetEpisode(id string) (*Episode, error) {
	row := g.db.QueryRow(episodeSelect+` WHERE id = ?`, id)
	ep, err := scanEpisodeRow(row)
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, fmt.Errorf("episode %s: %w", id, apperr.ErrNotFound)
	}
	return ep, nil
}

// TouchEpisode bumps access tracking on retrieval.
func (g *DB) TouchEpisode(id string, at time.Time) error {
	_, err := g.db.Exec(`
		UPDATE episodes SET access_count = access_count + 1, last_accessed = ? WHERE id = ?
	`, at, id)
	return err
}

// DeleteEpisode removes an episode; its node links cascade.
func (g *DB) DeleteEpisode(id string) error {
	res, err := g.db.Exec(`DELETE FROM episodes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("episode %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// CountEpisodes returns the total number of episodes.
func (g *DB) CountEpisodes() (int, error) {
	var count int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM episodes`).Scan(&count)
	return count, err
}

// EpisodeFilter narrows ListEpisodes results. Zero values mean "no constraint".
type EpisodeFilter struct {
	Type    EpisodeType
	Since   time.Time
	Until   time.Time
	HasNode string // only episodes linked to this node
	Limit   int
}

// ListEpisodes returns episodes matching the filter, newest first.
func (g *DB) ListEpisodes(f EpisodeFilter) ([]*Episode, error) {
	query := episodeSelect + ` WHERE 1=1`
	var args []interface{}

	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until)
	}
	if f.HasNode != "" {
		query += " AND id IN (SELECT episode_id FROM episode_entities WHERE node_id = ?)"
		args = append(args, f.HasNode)
	}
	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, storeErr("failed to query episodes", err)
	}
	defer rows.Close()

	var episodes []*Episode
	for rows.Next() {
		ep, err := scanEpisodeRows(rows)
		if err != nil {
			continue
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

// LinkEpisodeToNode records an episode -> node link with a role.
func (g *DB) LinkEpisodeToNode(episodeID, nodeID, role string) error {
	switch role {
	case RoleParticipant, RoleTopic, RoleMentioned:
	default:
		return fmt.Errorf("%w: unknown link role %q", apperr.ErrValidation, role)
	}
	_, err := g.db.Exec(`
		INSERT OR IGNORE INTO episode_entities (episode_id, node_id, role) VALUES (?, ?, ?)
	`, episodeID, nodeID, role)
	return err
}

// GetNodesForEpisode returns the IDs of nodes linked to an episode.
func (g *DB) GetNodesForEpisode(episodeID string) ([]string, error) {
	rows, err := g.db.Query(`
		SELECT DISTINCT node_id FROM episode_entities WHERE episode_id = ?
	`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if rows.Scan(&id) == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// GetEpisodesForNode returns up to limit episodes linked to a node,
// newest first.
func (g *DB) GetEpisodesForNode(nodeID string, limit int) ([]*Episode, error) {
	return g.ListEpisodes(EpisodeFilter{HasNode: nodeID, Limit: limit})
}

const episodeSelect = `
	SELECT id, timestamp, end_timestamp, type, title, COALESCE(summary, ''), content,
		sequence, participants, topics, importance, access_count, last_accessed,
		source, COALESCE(source_type, ''), COALESCE(parent_id, ''), embedding
	FROM episodes`

type episodeScanner interface {
	Scan(dest ...interface{}) error
}

func scanEpisode(s episodeScanner) (*Episode, error) {
	var ep Episode
	var epType string
	var endTS sql.NullTime
	var participants, topics sql.NullString
	var embeddingBytes []byte

	err := s.Scan(&ep.ID, &ep.Timestamp, &endTS, &epType, &ep.Title, &ep.Summary,
		&ep.Content, &ep.Sequence, &participants, &topics, &ep.Importance,
		&ep.AccessCount, &ep.LastAccessed, &ep.Source, &ep.SourceType,
		&ep.ParentID, &embeddingBytes)
	if err != nil {
		return nil, err
	}

	ep.Type = EpisodeType(epType)
	if endTS.Valid {
		ep.EndTimestamp = &endTS.Time
	}
	if participants.Valid && participants.String != "" {
		json.Unmarshal([]byte(participants.String), &ep.Participants)
	}
	if topics.Valid && topics.String != "" {
		json.Unmarshal([]byte(topics.String), &ep.Topics)
	}
	if len(embeddingBytes) > 0 {
		json.Unmarshal(embeddingBytes, &ep.Embedding)
	}
	return &ep, nil
}

func scanEpisodeRow(row *sql.Row) (*Episode, error) {
	ep, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ep, err
}

func scanEpisodeRows(rows *sql.Rows) (*Episode, error) {
	return scanEpisode(rows)
}
