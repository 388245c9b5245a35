package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"vendaflow/api/internal/kanban"
	"vendaflow/api/internal/realtime"
	"vendaflow/api/internal/search"
	"vendaflow/api/internal/store"
)

// boardBackend adapts the Postgres store to the kanban package. Every write publishes
// the resulting row change and refreshes the search index.
type boardBackend struct {
	store     dataStore
	publisher realtime.Publisher
	index     cardIndex
	loads     singleflight.Group
}

func (b *boardBackend) ListAssignees(ctx context.Context, cardID string) ([]kanban.Assignee, error) {
	rows, err := b.store.ListAssignees(ctx, cardID)
	if err != nil {
		return nil, err
	}
	items := make([]kanban.Assignee, 0, len(rows))
	for _, row := range rows {
		items = append(items, toKanbanAssignee(row))
	}
	return items, nil
}

func (b *boardBackend) ListProfiles(ctx context.Context, userIDs []string) ([]kanban.Profile, error) {
	users, err := b.store.ListUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.User, len(users))
	for _, user := range users {
		byID[user.ID] = user
	}
	// keep the caller's order so notices list collaborators consistently
	items := make([]kanban.Profile, 0, len(users))
	for _, id := range userIDs {
		if user, ok := byID[id]; ok {
			items = append(items, kanban.Profile{UserID: user.ID, FullName: user.DisplayName})
		}
	}
	return items, nil
}

// LoadColumns reads the board's columns, cards and assignees. Concurrent loads of the
// same board share one round of queries; writes drop the shared round so later callers
// never join a load that started before the write.
func (b *boardBackend) LoadColumns(ctx context.Context, boardID string) ([]kanban.Column, error) {
	value, err, _ := b.loads.Do(boardID, func() (any, error) {
		// joined callers must not fail when the first caller goes away
		ctx := context.WithoutCancel(ctx)
		columns, err := b.store.ListColumns(ctx, boardID)
		if err != nil {
			return nil, fmt.Errorf("list columns: %w", err)
		}
		cards, err := b.store.ListCardsByBoard(ctx, boardID)
		if err != nil {
			return nil, fmt.Errorf("list cards: %w", err)
		}
		assignees, err := b.store.ListAssigneesByBoard(ctx, boardID)
		if err != nil {
			return nil, fmt.Errorf("list assignees: %w", err)
		}
		return buildColumns(columns, cards, assignees), nil
	})
	if err != nil {
		return nil, err
	}
	return copyColumns(value.([]kanban.Column)), nil
}

// invalidate detaches any in-flight load of the board from later callers.
func (b *boardBackend) invalidate(boardID string) {
	if boardID != "" {
		b.loads.Forget(boardID)
	}
}

// freshLoader reloads without joining a load already in flight. Changes relayed from
// other instances never passed through this backend's writes.
type freshLoader struct {
	backend *boardBackend
}

func (l freshLoader) LoadColumns(ctx context.Context, boardID string) ([]kanban.Column, error) {
	l.backend.invalidate(boardID)
	return l.backend.LoadColumns(ctx, boardID)
}

func (b *boardBackend) MoveCard(ctx context.Context, cardID, columnID string, position int) error {
	if err := b.store.MoveCard(ctx, cardID, columnID, position); err != nil {
		return err
	}
	b.cardChanged(ctx, cardID)
	return nil
}

func (b *boardBackend) StartTimer(ctx context.Context, cardID string, at time.Time) error {
	if err := b.store.StartTimer(ctx, cardID, at); err != nil {
		return err
	}
	b.cardChanged(ctx, cardID)
	return nil
}

func (b *boardBackend) SetCardPositions(ctx context.Context, columnID string, cardIDs []string) error {
	if err := b.store.SetCardPositions(ctx, columnID, cardIDs); err != nil {
		return err
	}
	cards, err := b.store.ListCardsByIDs(ctx, cardIDs)
	if err != nil {
		log.Printf("realtime: reload reordered cards of column %s: %v", columnID, err)
		return nil
	}
	if len(cards) > 0 {
		b.invalidate(cards[0].BoardID)
	}
	for _, card := range cards {
		b.publishCard(ctx, realtime.OpUpdate, card, nil)
	}
	return nil
}

func (b *boardBackend) InsertAssignee(ctx context.Context, cardID, userID string) error {
	if err := b.store.InsertAssignee(ctx, cardID, userID); err != nil {
		return err
	}
	b.assigneeChanged(ctx, realtime.OpInsert, cardID, userID)
	return nil
}

func (b *boardBackend) DeleteAssignee(ctx context.Context, cardID, userID string) error {
	if err := b.store.DeleteAssignee(ctx, cardID, userID); err != nil {
		return err
	}
	b.assigneeChanged(ctx, realtime.OpDelete, cardID, userID)
	return nil
}

func (b *boardBackend) cardChanged(ctx context.Context, cardID string) {
	card, err := b.store.GetCard(ctx, cardID)
	if err != nil {
		log.Printf("realtime: reload card %s: %v", cardID, err)
		return
	}
	b.invalidate(card.BoardID)
	assignees, err := b.store.ListAssignees(ctx, cardID)
	if err != nil {
		log.Printf("realtime: reload assignees of card %s: %v", cardID, err)
	}
	b.publishCard(ctx, realtime.OpUpdate, card, assigneeIDs(assignees))
	b.indexCard(card)
}

func (b *boardBackend) publishCard(ctx context.Context, op realtime.Op, card store.Card, assignees []string) {
	b.publish(ctx, realtime.NewChange(realtime.TableCards, op, map[string]string{
		"id":        card.ID,
		"board_id":  card.BoardID,
		"column_id": card.ColumnID,
	}, toKanbanCard(card, assignees)))
}

func (b *boardBackend) assigneeChanged(ctx context.Context, op realtime.Op, cardID, userID string) {
	keys := map[string]string{"card_id": cardID, "user_id": userID}
	if card, err := b.store.GetCard(ctx, cardID); err == nil {
		keys["board_id"] = card.BoardID
		b.invalidate(card.BoardID)
	}
	b.publish(ctx, realtime.NewChange(realtime.TableCardAssignees, op, keys, nil))
}

func (b *boardBackend) publish(ctx context.Context, change realtime.Change) {
	if b.publisher == nil {
		return
	}
	if err := b.publisher.Publish(ctx, change); err != nil {
		log.Printf("realtime: publish %s %s: %v", change.Op, change.Table, err)
	}
}

func (b *boardBackend) indexCard(card store.Card) {
	if b.index == nil {
		return
	}
	b.index.IndexCard(searchRecord(card))
}

func searchRecord(card store.Card) search.CardRecord {
	kind := kanban.DecodeKind(card.IsCollaborative, card.RequiresAllApproval, card.LeadID, nil)
	return search.CardRecord{
		ID:          card.ID,
		BoardID:     card.BoardID,
		ColumnID:    card.ColumnID,
		Title:       card.Title,
		Description: card.Description,
		Kind:        kanban.KindName(kind),
	}
}

func buildColumns(columns []store.Column, cards []store.Card, assignees []store.Assignee) []kanban.Column {
	byCard := make(map[string][]string)
	for _, row := range assignees {
		byCard[row.CardID] = append(byCard[row.CardID], row.UserID)
	}
	byColumn := make(map[string][]kanban.Card, len(columns))
	for _, card := range cards {
		byColumn[card.ColumnID] = append(byColumn[card.ColumnID], toKanbanCard(card, byCard[card.ID]))
	}

	items := make([]kanban.Column, 0, len(columns))
	for _, col := range columns {
		column := toKanbanColumn(col)
		column.Cards = byColumn[col.ID]
		if column.Cards == nil {
			column.Cards = []kanban.Card{}
		}
		sort.SliceStable(column.Cards, func(i, j int) bool {
			return column.Cards[i].Position < column.Cards[j].Position
		})
		items = append(items, column)
	}
	return items
}

func copyColumns(columns []kanban.Column) []kanban.Column {
	out := make([]kanban.Column, len(columns))
	for i, column := range columns {
		column.Cards = append([]kanban.Card(nil), column.Cards...)
		out[i] = column
	}
	return out
}

func toKanbanColumn(col store.Column) kanban.Column {
	column := kanban.Column{
		ID:                    col.ID,
		BoardID:               col.BoardID,
		Name:                  col.Name,
		Position:              col.Position,
		BlockBackwardMovement: col.BlockBackwardMovement,
		IsCompletionStage:     col.IsCompletionStage,
	}
	if col.AutoDeleteEnabled {
		column.AutoDelete = &kanban.AutoDelete{Enabled: true, AfterHours: col.AutoDeleteAfterHours}
	}
	return column
}

func toKanbanCard(card store.Card, assignees []string) kanban.Card {
	return kanban.Card{
		ID:                 card.ID,
		ColumnID:           card.ColumnID,
		Title:              card.Title,
		Description:        card.Description,
		DueDate:            card.DueDate,
		EstimatedMinutes:   card.EstimatedMinutes,
		TimerStartedAt:     card.TimerStartedAt,
		TimerStartColumnID: card.TimerStartColumnID,
		Position:           card.Position,
		Kind:               kanban.DecodeKind(card.IsCollaborative, card.RequiresAllApproval, card.LeadID, assignees),
	}
}

func toKanbanAssignee(row store.Assignee) kanban.Assignee {
	return kanban.Assignee{
		CardID:      row.CardID,
		UserID:      row.UserID,
		IsCompleted: row.IsCompleted,
		CompletedAt: row.CompletedAt,
	}
}

func assigneeIDs(rows []store.Assignee) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.UserID)
	}
	return ids
}
