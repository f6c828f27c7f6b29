package search

import (
	"context"
	"database/sql"
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

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the documents table using plainto_tsquery and ts_rank, with
// ts_headline over the extracted content text for snippets. Visibility and the
// archived flag are enforced in the WHERE clause.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const where = `fts @@ plainto_tsquery('english', $1)
		AND is_archived = FALSE
		AND (owner_id = $2 OR $2 = ANY(collaborators))`

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM documents WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text, q.ActorID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT id, title, coalesce(icon, ''),
			ts_headline('english', coalesce(content_text, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM documents
		WHERE %s
		ORDER BY ts_rank(fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text, q.ActorID)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Icon, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every document as an indexable record, for full
// reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, coalesce(icon, ''), coalesce(content_text, ''),
			owner_id, array_to_string(collaborators, ','), is_archived
		FROM documents
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		var collaborators string
		if err := rows.Scan(&d.ID, &d.Title, &d.Icon, &d.Text, &d.OwnerID, &collaborators, &d.Archived); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if collaborators != "" {
			d.Collaborators = strings.Split(collaborators, ",")
		} else {
			d.Collaborators = []string{}
		}
		documents = append(documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	return documents, nil
}
