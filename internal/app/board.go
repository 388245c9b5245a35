package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"vendaflow/api/internal/gitrepo"
	"vendaflow/api/internal/kanban"
	"vendaflow/api/internal/rbac"
	"vendaflow/api/internal/realtime"
	"vendaflow/api/internal/store"
	"vendaflow/api/internal/util"
)

var defaultColumns = []store.Column{
	{Name: "A fazer"},
	{Name: "Em progresso"},
	{Name: "Concluído", IsCompletionStage: true},
}

type BoardView struct {
	ID      string          `json:"id"`
	Columns []kanban.Column `json:"columns"`
}

// orgBoard returns the session organization's board. Users allowed to configure the
// board create it, with the default columns, on first access.
func (s *Service) orgBoard(ctx context.Context, session Session) (store.Board, error) {
	board, err := s.store.GetBoardByOrganization(ctx, session.OrganizationID)
	if err == nil {
		return board, nil
	}
	if !store.IsNotFound(err) {
		return store.Board{}, err
	}
	if !s.Can(session.Role, rbac.ActionConfigure) {
		return store.Board{}, errBoardNotFound
	}

	board, err = s.store.InsertBoard(ctx, store.Board{
		ID:             util.NewID("brd"),
		OrganizationID: session.OrganizationID,
		CreatedBy:      session.UserID,
	})
	if err != nil {
		return store.Board{}, err
	}
	existing, err := s.store.ListColumns(ctx, board.ID)
	if err != nil {
		return store.Board{}, err
	}
	if len(existing) > 0 {
		return board, nil
	}
	for i, col := range defaultColumns {
		col.ID = util.NewID("col")
		col.BoardID = board.ID
		col.Position = i
		if err := s.store.InsertColumn(ctx, col); err != nil {
			return store.Board{}, err
		}
	}
	s.commitConfiguration(ctx, board.ID, session.UserName, "Quadro criado")
	return board, nil
}

func (s *Service) GetBoard(ctx context.Context, session Session) (BoardView, error) {
	board, err := s.orgBoard(ctx, session)
	if err != nil {
		return BoardView{}, err
	}
	columns, err := s.backend.LoadColumns(ctx, board.ID)
	if err != nil {
		return BoardView{}, err
	}
	return BoardView{ID: board.ID, Columns: columns}, nil
}

// boardColumn loads a column and checks it belongs to the session's board.
func (s *Service) boardColumn(ctx context.Context, session Session, columnID string) (store.Board, store.Column, error) {
	board, err := s.orgBoard(ctx, session)
	if err != nil {
		return store.Board{}, store.Column{}, err
	}
	col, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Board{}, store.Column{}, errColumnMissing
		}
		return store.Board{}, store.Column{}, err
	}
	if col.BoardID != board.ID {
		return store.Board{}, store.Column{}, errColumnMissing
	}
	return board, col, nil
}

type ColumnInput struct {
	Name                  string             `json:"name"`
	BlockBackwardMovement bool               `json:"blockBackwardMovement"`
	IsCompletionStage     bool               `json:"isCompletionStage"`
	AutoDelete            *kanban.AutoDelete `json:"autoDelete"`
}

func (in ColumnInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return validationError("name is required")
	}
	if in.AutoDelete != nil && in.AutoDelete.Enabled && in.AutoDelete.AfterHours <= 0 {
		return validationError("autoDelete.afterHours must be positive")
	}
	return nil
}

func (in ColumnInput) apply(col *store.Column) {
	col.Name = strings.TrimSpace(in.Name)
	col.BlockBackwardMovement = in.BlockBackwardMovement
	col.IsCompletionStage = in.IsCompletionStage
	col.AutoDeleteEnabled = false
	col.AutoDeleteAfterHours = 0
	if in.AutoDelete != nil && in.AutoDelete.Enabled {
		col.AutoDeleteEnabled = true
		col.AutoDeleteAfterHours = in.AutoDelete.AfterHours
	}
}

func (s *Service) CreateColumn(ctx context.Context, session Session, input ColumnInput) (kanban.Column, error) {
	if err := s.require(session, rbac.ActionConfigure); err != nil {
		return kanban.Column{}, err
	}
	if err := input.validate(); err != nil {
		return kanban.Column{}, err
	}
	board, err := s.orgBoard(ctx, session)
	if err != nil {
		return kanban.Column{}, err
	}
	position, err := s.store.NextColumnPosition(ctx, board.ID)
	if err != nil {
		return kanban.Column{}, err
	}
	col := store.Column{ID: util.NewID("col"), BoardID: board.ID, Position: position}
	input.apply(&col)
	if err := s.store.InsertColumn(ctx, col); err != nil {
		return kanban.Column{}, err
	}

	s.columnChanged(ctx, realtime.OpInsert, col)
	s.commitConfiguration(ctx, board.ID, session.UserName, fmt.Sprintf("Coluna \"%s\" criada", col.Name))
	view := toKanbanColumn(col)
	view.Cards = []kanban.Card{}
	return view, nil
}

func (s *Service) UpdateColumn(ctx context.Context, session Session, columnID string, input ColumnInput) (kanban.Column, error) {
	if err := s.require(session, rbac.ActionConfigure); err != nil {
		return kanban.Column{}, err
	}
	if err := input.validate(); err != nil {
		return kanban.Column{}, err
	}
	board, col, err := s.boardColumn(ctx, session, columnID)
	if err != nil {
		return kanban.Column{}, err
	}
	input.apply(&col)
	if err := s.store.UpdateColumn(ctx, col); err != nil {
		return kanban.Column{}, err
	}

	s.columnChanged(ctx, realtime.OpUpdate, col)
	s.commitConfiguration(ctx, board.ID, session.UserName, fmt.Sprintf("Coluna \"%s\" atualizada", col.Name))
	return toKanbanColumn(col), nil
}

// DeleteColumn removes an empty column and closes the gap in column positions.
func (s *Service) DeleteColumn(ctx context.Context, session Session, columnID string) error {
	if err := s.require(session, rbac.ActionConfigure); err != nil {
		return err
	}
	board, col, err := s.boardColumn(ctx, session, columnID)
	if err != nil {
		return err
	}
	count, err := s.store.ColumnCardCount(ctx, columnID)
	if err != nil {
		return err
	}
	if count > 0 {
		return domainError(http.StatusConflict, "COLUMN_NOT_EMPTY", "Move or delete the column's cards first", map[string]any{"cards": count})
	}
	if err := s.store.DeleteColumn(ctx, columnID); err != nil {
		return err
	}

	s.columnChanged(ctx, realtime.OpDelete, col)
	s.commitConfiguration(ctx, board.ID, session.UserName, fmt.Sprintf("Coluna \"%s\" removida", col.Name))
	return nil
}

// ReorderColumns sets column positions to the order of columnIDs, which must name every
// column of the board exactly once.
func (s *Service) ReorderColumns(ctx context.Context, session Session, columnIDs []string) ([]kanban.Column, error) {
	if err := s.require(session, rbac.ActionConfigure); err != nil {
		return nil, err
	}
	board, err := s.orgBoard(ctx, session)
	if err != nil {
		return nil, err
	}
	current, err := s.store.ListColumns(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	if !sameIDs(columnIDs, current, func(c store.Column) string { return c.ID }) {
		return nil, validationError("columnIds must list every column of the board once")
	}
	if err := s.store.SetColumnPositions(ctx, board.ID, columnIDs); err != nil {
		return nil, err
	}

	reordered, err := s.store.ListColumns(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	for _, col := range reordered {
		s.columnChanged(ctx, realtime.OpUpdate, col)
	}
	s.commitConfiguration(ctx, board.ID, session.UserName, "Colunas reordenadas")
	return s.backend.LoadColumns(ctx, board.ID)
}

func (s *Service) columnChanged(ctx context.Context, op realtime.Op, col store.Column) {
	var record any
	if op != realtime.OpDelete {
		record = toKanbanColumn(col)
	}
	s.publish(ctx, realtime.NewChange(realtime.TableColumns, op, map[string]string{
		"id":       col.ID,
		"board_id": col.BoardID,
	}, record))
}

// commitConfiguration records the board's current column set in its git history.
// History is auxiliary: failures are logged and never fail the request.
func (s *Service) commitConfiguration(ctx context.Context, boardID, author, message string) {
	if s.git == nil {
		return
	}
	columns, err := s.store.ListColumns(ctx, boardID)
	if err != nil {
		log.Printf("history: list columns of board %s: %v", boardID, err)
		return
	}
	if author == "" {
		author = "VendaFlow"
	}
	if _, _, err := s.git.CommitSnapshot(boardID, configurationSnapshot(columns), author, message); err != nil {
		log.Printf("history: commit board %s: %v", boardID, err)
	}
}

func configurationSnapshot(columns []store.Column) gitrepo.Snapshot {
	snapshot := gitrepo.Snapshot{Columns: make([]gitrepo.ColumnConfig, 0, len(columns))}
	for _, col := range columns {
		snapshot.Columns = append(snapshot.Columns, gitrepo.ColumnConfig{
			ID:                    col.ID,
			Name:                  col.Name,
			Position:              col.Position,
			BlockBackwardMovement: col.BlockBackwardMovement,
			IsCompletionStage:     col.IsCompletionStage,
			AutoDeleteEnabled:     col.AutoDeleteEnabled,
			AutoDeleteAfterHours:  col.AutoDeleteAfterHours,
		})
	}
	return snapshot
}

type CommitView struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

func commitView(info store.CommitInfo) CommitView {
	return CommitView{
		Hash:      info.Hash,
		Message:   strings.TrimSpace(info.Message),
		Author:    info.Author,
		CreatedAt: info.CreatedAt.UTC(),
	}
}

func (s *Service) ColumnHistory(ctx context.Context, session Session, limit int) ([]CommitView, error) {
	if s.git == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Board history is not configured", nil)
	}
	board, err := s.orgBoard(ctx, session)
	if err != nil {
		return nil, err
	}
	commits, err := s.git.History(board.ID, limit)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return []CommitView{}, nil
	}
	if err != nil {
		return nil, err
	}
	items := make([]CommitView, 0, len(commits))
	for _, info := range commits {
		items = append(items, commitView(info))
	}
	return items, nil
}

type SnapshotView struct {
	Commit  CommitView             `json:"commit"`
	Columns []gitrepo.ColumnConfig `json:"columns"`
	// Changes compares the snapshot with the board's current configuration.
	Changes []gitrepo.ColumnChange `json:"changes"`
}

func (s *Service) ColumnSnapshot(ctx context.Context, session Session, hash string) (SnapshotView, error) {
	if s.git == nil {
		return SnapshotView{}, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Board history is not configured", nil)
	}
	board, err := s.orgBoard(ctx, session)
	if err != nil {
		return SnapshotView{}, err
	}
	snapshot, info, err := s.git.GetSnapshotByHash(board.ID, hash)
	if err != nil {
		return SnapshotView{}, domainError(http.StatusNotFound, "SNAPSHOT_NOT_FOUND", "Snapshot not found", nil)
	}
	current, err := s.store.ListColumns(ctx, board.ID)
	if err != nil {
		return SnapshotView{}, err
	}
	return SnapshotView{
		Commit:  commitView(info),
		Columns: snapshot.Columns,
		Changes: gitrepo.DiffColumns(snapshot, configurationSnapshot(current)),
	}, nil
}

func sameIDs[T any](ids []string, items []T, idOf func(T) string) bool {
	if len(ids) != len(items) {
		return false
	}
	want := make(map[string]struct{}, len(items))
	for _, item := range items {
		want[idOf(item)] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := want[id]; !ok {
			return false
		}
		delete(want, id)
	}
	return len(want) == 0
}
