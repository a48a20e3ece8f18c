package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks documents by ts_rank over the trigger-maintained search_vector,
// with a ts_headline snippet from the description. Deleted documents never match.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	where := "d.search_vector @@ q.query AND d.status <> 'deleted'"
	args := []any{q.Text}
	if q.CategoryID != "" {
		args = append(args, q.CategoryID)
		where += fmt.Sprintf(" AND d.category_id = $%d", len(args))
	}
	from := "FROM documents d, plainto_tsquery('simple', $1) AS q(query) WHERE " + where

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) "+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT d.id, d.title,
			ts_headline('simple', coalesce(d.description, ''), q.query, 'MaxFragments=1,MaxWords=30') AS snippet,
			d.category_id, d.subcategory, d.status
		%s
		ORDER BY ts_rank(d.search_vector, q.query) DESC, d.updated_at DESC
		LIMIT %d OFFSET %d`, from, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.CategoryID, &r.Subcategory, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts rows: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every searchable document for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.description, d.category_id, COALESCE(c.name, ''), d.subcategory,
			COALESCE(array_to_json(d.tags)::text, '[]'), d.status, d.updated_at
		FROM documents d
		LEFT JOIN categories c ON c.id = d.category_id
		WHERE d.status <> 'deleted'
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	records := make([]DocumentRecord, 0)
	for rows.Next() {
		var r DocumentRecord
		var tags string
		var updated sql.NullTime
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.CategoryID, &r.CategoryName, &r.Subcategory, &tags, &r.Status, &updated); err != nil {
			return nil, fmt.Errorf("scan document record: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		if updated.Valid {
			r.UpdatedAt = updated.Time.Unix()
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document records: %w", err)
	}
	return records, nil
}
