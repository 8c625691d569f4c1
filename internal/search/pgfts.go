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

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across requests and records using
// plainto_tsquery and ts_rank.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultRequest {
		reqWhere := "r.fts @@ " + tsQuery
		if q.FilterStatus != "" {
			reqWhere += fmt.Sprintf(" AND r.status = $%d", argN)
			args = append(args, q.FilterStatus)
			argN++
		}
		if q.FilterOpen != nil {
			reqWhere += fmt.Sprintf(" AND r.is_open = $%d", argN)
			args = append(args, *q.FilterOpen)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'request'::text AS type, r.id, r.title,
				r.created_by_name AS snippet,
				r.status, r.is_open, r.topic_record_id,
				ts_rank(r.fts, %s) AS rank
			FROM requests r
			WHERE %s`, tsQuery, reqWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultRecord {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'record'::text AS type, rec.id, rec.title,
				''::text AS snippet,
				''::text AS status, rec.is_published AS is_open, rec.id AS topic_record_id,
				ts_rank(rec.fts, %s) AS rank
			FROM records rec
			WHERE rec.fts @@ %s`, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, status, is_open, topic_record_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Status, &r.IsOpen, &r.TopicRecordID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		if r.Type == ResultRecord {
			r.Status = ""
			r.IsOpen = false
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAll returns all searchable entities for full reindexing.
func (p *PgFTS) LoadAll(ctx context.Context) ([]RequestDoc, []RecordDoc, error) {
	reqRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, status, is_open, topic_record_id, created_by_name, EXTRACT(EPOCH FROM created_at)::bigint
		FROM requests
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load requests: %w", err)
	}
	defer reqRows.Close()

	requests := make([]RequestDoc, 0)
	for reqRows.Next() {
		var d RequestDoc
		if err := reqRows.Scan(&d.ID, &d.Title, &d.Status, &d.IsOpen, &d.TopicRecordID, &d.CreatedByName, &d.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, d)
	}
	if err := reqRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate requests: %w", err)
	}

	recRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, owner_id, is_published
		FROM records
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load records: %w", err)
	}
	defer recRows.Close()

	records := make([]RecordDoc, 0)
	for recRows.Next() {
		var d RecordDoc
		if err := recRows.Scan(&d.ID, &d.Title, &d.OwnerID, &d.IsPublished); err != nil {
			return nil, nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, d)
	}
	if err := recRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate records: %w", err)
	}

	return requests, records, nil
}
