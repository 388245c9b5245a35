package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the cards.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.BoardID == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	where := "c.fts @@ plainto_tsquery('portuguese', $1) AND c.board_id = $2"
	args := []any{q.Text, q.BoardID}
	if q.ColumnID != "" {
		where += " AND c.column_id = $3"
		args = append(args, q.ColumnID)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM cards c WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.title,
			ts_headline('portuguese', coalesce(c.description, ''), plainto_tsquery('portuguese', $1), 'MaxFragments=1,MaxWords=30'),
			c.board_id, c.column_id
		FROM cards c
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('portuguese', $1)) DESC, c.updated_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.BoardID, &r.ColumnID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every card for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CardRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, board_id, column_id, title, description,
			CASE WHEN is_collaborative THEN 'collaborative' WHEN lead_id IS NOT NULL THEN 'lead' ELSE 'normal' END
		FROM cards
	`)
	if err != nil {
		return nil, fmt.Errorf("load cards: %w", err)
	}
	defer rows.Close()

	cards := make([]CardRecord, 0)
	for rows.Next() {
		var c CardRecord
		if err := rows.Scan(&c.ID, &c.BoardID, &c.ColumnID, &c.Title, &c.Description, &c.Kind); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return cards, nil
}
