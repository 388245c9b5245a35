package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

type fakeSearcher struct {
	searchFn func(ctx context.Context, q Query) ([]Result, int, error)
}

func (f fakeSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	return f.searchFn(ctx, q)
}

func (fakeSearcher) Healthy() bool { return true }

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	var got Query
	svc := NewService(nil, fakeSearcher{searchFn: func(_ context.Context, q Query) ([]Result, int, error) {
		got = q
		return []Result{{ID: "c1", Title: "Proposta"}}, 1, nil
	}})

	resp := svc.Search(context.Background(), Query{Text: "proposta", BoardID: "b1"})
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].ID != "c1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got.BoardID != "b1" {
		t.Fatalf("expected board filter to be forwarded, got %+v", got)
	}
}

func TestServiceReturnsEmptyOnFallbackError(t *testing.T) {
	svc := NewService(nil, fakeSearcher{searchFn: func(context.Context, Query) ([]Result, int, error) {
		return nil, 0, errors.New("db down")
	}})
	resp := svc.Search(context.Background(), Query{Text: "x", BoardID: "b1"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Query != "x" {
		t.Fatalf("expected empty non-nil results, got %+v", resp)
	}
}

func TestHitToResultPrefersHighlights(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	hit := meili.Hit{
		"id":          raw("c1"),
		"boardId":     raw("b1"),
		"columnId":    raw("col-1"),
		"title":       raw("Proposta Acme"),
		"description": raw("Enviar proposta"),
		"_formatted":  raw(map[string]string{"title": "<mark>Proposta</mark> Acme"}),
	}
	r := hitToResult(hit)
	if r.ID != "c1" || r.BoardID != "b1" || r.ColumnID != "col-1" {
		t.Fatalf("unexpected ids %+v", r)
	}
	if r.Title != "<mark>Proposta</mark> Acme" || r.Snippet != "Enviar proposta" {
		t.Fatalf("unexpected text %+v", r)
	}
}

func TestBuildFilterScopesToBoard(t *testing.T) {
	filters := buildFilter(Query{BoardID: "b1", ColumnID: "c2"})
	if len(filters) != 2 || filters[0] != `boardId = "b1"` || filters[1] != `columnId = "c2"` {
		t.Fatalf("unexpected filters %v", filters)
	}
}
