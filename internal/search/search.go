// Package search finds issues and wiki pages across a user's projects.
package search

import (
	"context"
	"time"
)

// MinQueryRunes is the shortest accepted query. Shorter input returns
// an empty result set without touching any backend.
const MinQueryRunes = 2

// EntityType identifies the kind of entity in a search result.
type EntityType string

const (
	EntityIssue EntityType = "issue"
	EntityPage  EntityType = "page"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      EntityType `json:"type"`
	ID        int64      `json:"id"`
	ProjectID int64      `json:"project_id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
}

// Query describes a search request. ProjectIDs is the set of projects
// the requester may see; an empty set yields no results.
type Query struct {
	Text       string
	ProjectIDs []int64
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Query   string   `json:"query"`
}

// Searcher can execute a search against one backend.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	Healthy() bool
}

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"projectId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}

// PageRecord is the data we index for a wiki page.
type PageRecord struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"projectId"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}
