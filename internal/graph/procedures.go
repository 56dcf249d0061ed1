package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/engramd/engram/internal/apperr"
)

// Confidence bounds for procedures. Feedback never pushes confidence
// outside this range.
const (
	MinConfidence = 0.01
	MaxConfidence = 0.99
)

// AddProcedure inserts a behavioral rule. An empty ID gets a generated one;
// confidence is clamped into [MinConfidence, MaxConfidence].
func (g *DB) AddProcedure(p *Procedure) error {
	if p.Statement == "" {
		return fmt.Errorf("%w: procedure statement is required", apperr.ErrValidation)
	}
	if !ValidProcedureType(p.Type) {
		return fmt.Errorf("%w: unknown procedure type %q", apperr.ErrValidation, p.Type)
	}
	if p.ID == "" {
		p.ID = "proc-" + uuid.NewString()
	}
	p.Confidence = clampConfidence(p.Confidence)
	if p.Stability < 1 {
		p.Stability = 1
	}

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	keywords, _ := json.Marshal(p.TriggerKeywords)
	contexts, _ := json.Marshal(p.TriggerContexts)
	episodes, _ := json.Marshal(p.SourceEpisodes)
	nodes, _ := json.Marshal(p.SourceNodes)

	var lastApplied interface{}
	if p.LastApplied != nil {
		lastApplied = *p.LastApplied
	}

	_, err := g.db.Exec(`
		INSERT INTO procedures (id, statement, type, trigger_keywords, trigger_contexts,
			source_episodes, source_nodes, confidence, applications, contradictions,
			stability, last_applied, created_at, updated_at, flagged_for_review)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Statement, p.Type, string(keywords), string(contexts),
		string(episodes), string(nodes), p.Confidence, p.Applications, p.Contradictions,
		p.Stability, lastApplied, p.CreatedAt, p.UpdatedAt, p.FlaggedForReview)
	if err != nil {
		return storeErr("failed to insert procedure", err)
	}
	return nil
}

// GetProcedure retrieves a procedure by ID.
func (g *DB) GetProcedure(id string) (*Procedure, error) {
	row := g.db.QueryRow(procedureSelect+` WHERE id = ?`, id)
	p, err := scanProcedure(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("procedure %s: %w", id, apperr.ErrNotFound)
	}
	return p, nil
}

// UpdateProcedure persists feedback-driven state changes.
func (g *DB) UpdateProcedure(p *Procedure) error {
	p.Confidence = clampConfidence(p.Confidence)

	var lastApplied interface{}
	if p.LastApplied != nil {
		lastApplied = *p.LastApplied
	}

	res, err := g.db.Exec(`
		UPDATE procedures SET
			statement = ?, confidence = ?, applications = ?, contradictions = ?,
			stability = ?, last_applied = ?, updated_at = ?, flagged_for_review = ?
		WHERE id = ?
	`, p.Statement, p.Confidence, p.Applications, p.Contradictions,
		p.Stability, lastApplied, p.UpdatedAt, p.FlaggedForReview, p.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("procedure %s: %w", p.ID, apperr.ErrNotFound)
	}
	return nil
}

// DeleteProcedure removes a procedure.
func (g *DB) DeleteProcedure(id string) error {
	res, err := g.db.Exec(`DELETE FROM procedures WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("procedure %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// ListProcedures returns procedures ordered by confidence descending.
func (g *DB) ListProcedures(limit int) ([]*Procedure, error) {
	query := procedureSelect + ` ORDER BY confidence DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, storeErr("failed to query procedures", err)
	}
	defer rows.Close()

	var procs []*Procedure
	for rows.Next() {
		p, err := scanProcedureFromRows(rows)
		if err != nil {
			continue
		}
		procs = append(procs, p)
	}
	return procs, nil
}

func clampConfidence(c float64) float64 {
	if c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}

const procedureSelect = `
	SELECT id, statement, type, trigger_keywords, trigger_contexts,
		source_episodes, source_nodes, confidence, applications, contradictions,
		stability, last_applied, created_at, updated_at, flagged_for_review
	FROM procedures`

func scanProcedureFields(s episodeScanner) (*Procedure, error) {
	var p Procedure
	var procType string
	var keywords, contexts, episodes, nodes sql.NullString
	var lastApplied sql.NullTime

	err := s.Scan(&p.ID, &p.Statement, &procType, &keywords, &contexts,
		&episodes, &nodes, &p.Confidence, &p.Applications, &p.Contradictions,
		&p.Stability, &lastApplied, &p.CreatedAt, &p.UpdatedAt, &p.FlaggedForReview)
	if err != nil {
		return nil, err
	}

	p.Type = ProcedureType(procType)
	if lastApplied.Valid {
		p.LastApplied = &lastApplied.Time
	}
	unmarshalStrings(keywords, &p.TriggerKeywords)
	unmarshalStrings(contexts, &p.TriggerContexts)
	unmarshalStrings(episodes, &p.SourceEpisodes)
	unmarshalStrings(nodes, &p.SourceNodes)
	return &p, nil
}

func scanProcedure(row *sql.Row) (*Procedure, error) {
	p, err := scanProcedureFields(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanProcedureFromRows(rows *sql.Rows) (*Procedure, error) {
	return scanProcedureFields(rows)
}

func unmarshalStrings(ns sql.NullString, dst *[]string) {
	if ns.Valid && ns.String != "" {
		json.Unmarshal([]byte(ns.String), dst)
	}
}
