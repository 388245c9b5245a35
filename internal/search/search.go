package search

import "context"

// Result is a single card hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	BoardID  string `json:"boardId"`
	ColumnID string `json:"columnId"`
}

// Query describes a search request. BoardID is required; results never cross boards.
type Query struct {
	Text     string
	BoardID  string
	ColumnID string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// CardRecord is the data we index for a card.
type CardRecord struct {
	ID          string `json:"id"`
	BoardID     string `json:"boardId"`
	ColumnID    string `json:"columnId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
}
