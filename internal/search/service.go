package search

import (
	"context"
	"log"
	"sort"
	"strings"
	"unicode/utf8"
)

// Service is the facade that tries Meilisearch first and falls back to
// the PostgreSQL backend.
type Service struct {
	primary  Searcher
	fallback Searcher
	indexer  *Meili
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, pg *PgSearch) *Service {
	svc := &Service{fallback: pg}
	if meili != nil {
		svc.primary = meili
		svc.indexer = meili
	}
	return svc
}

// Search runs a query against the healthy primary backend, falling
// back to PostgreSQL on error. Results are ordered issues first, then
// newest first, with the id as the final tiebreaker.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if utf8.RuneCountInString(q.Text) < MinQueryRunes {
		return Response{Results: []Result{}, Query: q.Text}
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}

	if s.primary != nil && s.primary.Healthy() {
		results, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: ordered(results), Query: q.Text}
		}
		log.Printf("search: primary backend error, falling back: %v", err)
	}

	results, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback backend error: %v", err)
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: ordered(results), Query: q.Text}
}

// IndexIssue indexes an issue (fire-and-forget to Meilisearch).
func (s *Service) IndexIssue(rec IssueRecord) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	go func() {
		if err := s.indexer.IndexIssue(rec); err != nil {
			log.Printf("search: index issue %d: %v", rec.ID, err)
		}
	}()
}

// IndexPage indexes a wiki page (fire-and-forget to Meilisearch).
func (s *Service) IndexPage(rec PageRecord) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	go func() {
		if err := s.indexer.IndexPage(rec); err != nil {
			log.Printf("search: index page %d: %v", rec.ID, err)
		}
	}()
}

// ReindexAll bulk-pushes all issues and pages into Meilisearch.
func (s *Service) ReindexAll(issues []IssueRecord, pages []PageRecord) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	if len(issues) > 0 {
		if err := s.indexer.IndexIssues(issues); err != nil {
			log.Printf("search: reindex issues: %v", err)
		}
	}
	if len(pages) > 0 {
		if err := s.indexer.IndexPages(pages); err != nil {
			log.Printf("search: reindex pages: %v", err)
		}
	}
}

// ordered applies the response contract regardless of which backend
// produced the hits: issues before pages, newest first, then highest
// id.
func ordered(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Type != b.Type {
			return a.Type == EntityIssue
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return results
}
