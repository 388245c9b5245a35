package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili    *Meili
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexing() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexCard indexes a card (fire-and-forget to Meilisearch).
func (s *Service) IndexCard(card CardRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexCards([]CardRecord{card}); err != nil {
			log.Printf("search: index card %s: %v", card.ID, err)
		}
	}()
}

// DeleteCards removes cards from the search index (fire-and-forget).
func (s *Service) DeleteCards(ids ...string) {
	if !s.indexing() || len(ids) == 0 {
		return
	}
	go func() {
		if err := s.meili.DeleteCards(ids); err != nil {
			log.Printf("search: delete cards %v: %v", ids, err)
		}
	}()
}

// ReindexAllFromPG pushes every card in Postgres into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context, pg *PgFTS) {
	if !s.indexing() || pg == nil {
		return
	}
	cards, err := pg.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexCards(cards); err != nil {
		log.Printf("search: reindex cards: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
