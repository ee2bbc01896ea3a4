package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgSearch implements Searcher with a case-insensitive substring match
// over issues and wiki pages in PostgreSQL. It is the always-available
// fallback backend.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always reports true; the database connection is the
// application's lifeline and failures surface per query.
func (p *PgSearch) Healthy() bool { return true }

// likeEscaper neutralizes LIKE metacharacters in user input so the
// query matches them literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, error) {
	if len(q.ProjectIDs) == 0 {
		return []Result{}, nil
	}

	pattern := "%" + likeEscaper.Replace(q.Text) + "%"

	rows, err := p.db.QueryContext(ctx, `
		SELECT 'issue' AS entity_type, i.id, i.project_id, i.title, i.created_at
		FROM issues i
		WHERE i.project_id = ANY($1)
			AND (i.title ILIKE $2 OR i.body ILIKE $2)
		UNION ALL
		SELECT 'page', w.id, w.project_id, w.title, w.created_at
		FROM wiki_pages w
		WHERE w.project_id = ANY($1)
			AND (w.title ILIKE $2 OR w.content ILIKE $2)
		ORDER BY 1, 5 DESC, 2 DESC
		LIMIT $3
	`, q.ProjectIDs, pattern, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var (
			r         Result
			entity    string
			createdAt time.Time
		)
		if err := rows.Scan(&entity, &r.ID, &r.ProjectID, &r.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		r.Type = EntityType(entity)
		r.CreatedAt = createdAt
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	return results, nil
}

// LoadAllRecords reads every issue and page for bulk reindexing into
// Meilisearch.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]IssueRecord, []PageRecord, error) {
	issueRows, err := p.db.QueryContext(ctx, `
		SELECT id, project_id, title, body, created_at FROM issues
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load issues: %w", err)
	}
	defer issueRows.Close()

	var issues []IssueRecord
	for issueRows.Next() {
		var (
			rec       IssueRecord
			createdAt time.Time
		)
		if err := issueRows.Scan(&rec.ID, &rec.ProjectID, &rec.Title, &rec.Body, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan issue record: %w", err)
		}
		rec.CreatedAt = createdAt.Unix()
		issues = append(issues, rec)
	}
	if err := issueRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate issue records: %w", err)
	}

	pageRows, err := p.db.QueryContext(ctx, `
		SELECT id, project_id, title, content, created_at FROM wiki_pages
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load pages: %w", err)
	}
	defer pageRows.Close()

	var pages []PageRecord
	for pageRows.Next() {
		var (
			rec       PageRecord
			createdAt time.Time
		)
		if err := pageRows.Scan(&rec.ID, &rec.ProjectID, &rec.Title, &rec.Content, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan page record: %w", err)
		}
		rec.CreatedAt = createdAt.Unix()
		pages = append(pages, rec)
	}
	if err := pageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate page records: %w", err)
	}

	return issues, pages, nil
}
