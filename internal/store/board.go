package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *PostgresStore) GetBoardByOrganization(ctx context.Context, orgID string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, created_by, created_at FROM boards WHERE organization_id=$1
	`, orgID).Scan(&board.ID, &board.OrganizationID, &board.CreatedBy, &board.CreatedAt)
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, created_by, created_at FROM boards WHERE id=$1
	`, boardID).Scan(&board.ID, &board.OrganizationID, &board.CreatedBy, &board.CreatedAt)
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

// InsertBoard creates the organization's board. When another request created it first,
// the existing row is returned instead.
func (s *PostgresStore) InsertBoard(ctx context.Context, board Board) (Board, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, organization_id, created_by) VALUES ($1, $2, $3)
	`, board.ID, board.OrganizationID, board.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return s.GetBoardByOrganization(ctx, board.OrganizationID)
		}
		return Board{}, fmt.Errorf("insert board: %w", err)
	}
	return s.GetBoard(ctx, board.ID)
}

const columnColumns = `id, board_id, name, position, block_backward_movement, is_completion_stage,
	auto_delete_enabled, auto_delete_after_hours, created_at, updated_at`

func scanColumn(row interface{ Scan(...any) error }) (Column, error) {
	var col Column
	err := row.Scan(
		&col.ID,
		&col.BoardID,
		&col.Name,
		&col.Position,
		&col.BlockBackwardMovement,
		&col.IsCompletionStage,
		&col.AutoDeleteEnabled,
		&col.AutoDeleteAfterHours,
		&col.CreatedAt,
		&col.UpdatedAt,
	)
	return col, err
}

func (s *PostgresStore) ListColumns(ctx context.Context, boardID string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columnColumns+` FROM board_columns WHERE board_id=$1 ORDER BY position, created_at
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	items := make([]Column, 0)
	for rows.Next() {
		col, err := scanColumn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		items = append(items, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetColumn(ctx context.Context, columnID string) (Column, error) {
	return scanColumn(s.db.QueryRowContext(ctx, `SELECT `+columnColumns+` FROM board_columns WHERE id=$1`, columnID))
}

func (s *PostgresStore) NextColumnPosition(ctx context.Context, boardID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM board_columns WHERE board_id=$1
	`, boardID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next column position: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) InsertColumn(ctx context.Context, col Column) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO board_columns (
			id, board_id, name, position, block_backward_movement, is_completion_stage,
			auto_delete_enabled, auto_delete_after_hours
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, col.ID, col.BoardID, col.Name, col.Position, col.BlockBackwardMovement, col.IsCompletionStage,
		col.AutoDeleteEnabled, col.AutoDeleteAfterHours)
	if err != nil {
		return fmt.Errorf("insert column: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateColumn(ctx context.Context, col Column) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE board_columns
		SET name=$2, block_backward_movement=$3, is_completion_stage=$4,
			auto_delete_enabled=$5, auto_delete_after_hours=$6, updated_at=NOW()
		WHERE id=$1
	`, col.ID, col.Name, col.BlockBackwardMovement, col.IsCompletionStage, col.AutoDeleteEnabled, col.AutoDeleteAfterHours)
	if err != nil {
		return fmt.Errorf("update column: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ColumnCardCount(ctx context.Context, columnID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards WHERE column_id=$1`, columnID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count column cards: %w", err)
	}
	return count, nil
}

// DeleteColumn removes the column and closes the gap it leaves in the board's positions.
func (s *PostgresStore) DeleteColumn(ctx context.Context, columnID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete column: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var boardID string
	if err := tx.QueryRowContext(ctx, `DELETE FROM board_columns WHERE id=$1 RETURNING board_id`, columnID).Scan(&boardID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE board_columns c SET position = ranked.rn - 1
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY position, created_at) AS rn
			FROM board_columns WHERE board_id=$1
		) ranked
		WHERE c.id = ranked.id
	`, boardID); err != nil {
		return fmt.Errorf("renumber columns: %w", err)
	}
	return tx.Commit()
}

// SetColumnPositions rewrites column positions to the index of each id in columnIDs.
func (s *PostgresStore) SetColumnPositions(ctx context.Context, boardID string, columnIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder columns: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, id := range columnIDs {
		result, err := tx.ExecContext(ctx, `
			UPDATE board_columns SET position=$3, updated_at=NOW() WHERE id=$1 AND board_id=$2
		`, id, boardID, i)
		if err != nil {
			return fmt.Errorf("set column position: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
	}
	return tx.Commit()
}

const cardColumns = `id, board_id, column_id, title, description, due_date, estimated_minutes,
	timer_started_at, COALESCE(timer_start_column_id, ''), position, is_collaborative,
	requires_all_approval, COALESCE(lead_id, ''), created_by, column_entered_at, created_at, updated_at`

func scanCard(row interface{ Scan(...any) error }) (Card, error) {
	var card Card
	err := row.Scan(
		&card.ID,
		&card.BoardID,
		&card.ColumnID,
		&card.Title,
		&card.Description,
		&card.DueDate,
		&card.EstimatedMinutes,
		&card.TimerStartedAt,
		&card.TimerStartColumnID,
		&card.Position,
		&card.IsCollaborative,
		&card.RequiresAllApproval,
		&card.LeadID,
		&card.CreatedBy,
		&card.ColumnEnteredAt,
		&card.CreatedAt,
		&card.UpdatedAt,
	)
	return card, err
}

func (s *PostgresStore) queryCards(ctx context.Context, query string, args ...any) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	items := make([]Card, 0)
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		items = append(items, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListCardsByBoard(ctx context.Context, boardID string) ([]Card, error) {
	return s.queryCards(ctx, `
		SELECT `+cardColumns+` FROM cards WHERE board_id=$1 ORDER BY column_id, position, created_at
	`, boardID)
}

func (s *PostgresStore) ListCardsByIDs(ctx context.Context, cardIDs []string) ([]Card, error) {
	if len(cardIDs) == 0 {
		return []Card{}, nil
	}
	return s.queryCards(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ANY($1)`, cardIDs)
}

func (s *PostgresStore) GetCard(ctx context.Context, cardID string) (Card, error) {
	return scanCard(s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=$1`, cardID))
}

func (s *PostgresStore) NextCardPosition(ctx context.Context, columnID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards WHERE column_id=$1`, columnID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next card position: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) InsertCard(ctx context.Context, card Card) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cards (
			id, board_id, column_id, title, description, due_date, estimated_minutes,
			timer_started_at, timer_start_column_id, position, is_collaborative,
			requires_all_approval, lead_id, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, NULLIF($13, ''), $14)
	`, card.ID, card.BoardID, card.ColumnID, card.Title, card.Description, card.DueDate, card.EstimatedMinutes,
		card.TimerStartedAt, card.TimerStartColumnID, card.Position, card.IsCollaborative,
		card.RequiresAllApproval, card.LeadID, card.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert card: %w", err)
	}
	return nil
}

// UpdateCardContent writes the editable fields. Column, position and timer start are
// only changed through MoveCard and StartTimer.
func (s *PostgresStore) UpdateCardContent(ctx context.Context, card Card) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cards
		SET title=$2, description=$3, due_date=$4, estimated_minutes=$5,
			timer_start_column_id=NULLIF($6, ''), is_collaborative=$7, requires_all_approval=$8,
			lead_id=NULLIF($9, ''), updated_at=NOW()
		WHERE id=$1
	`, card.ID, card.Title, card.Description, card.DueDate, card.EstimatedMinutes,
		card.TimerStartColumnID, card.IsCollaborative, card.RequiresAllApproval, card.LeadID)
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func renumberColumnCards(ctx context.Context, tx *sql.Tx, columnID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE cards c SET position = ranked.rn - 1
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY position, created_at) AS rn
			FROM cards WHERE column_id=$1
		) ranked
		WHERE c.id = ranked.id AND c.position <> ranked.rn - 1
	`, columnID)
	if err != nil {
		return fmt.Errorf("renumber cards: %w", err)
	}
	return nil
}

// MoveCard places the card in columnID at position and closes the gap in its previous
// column. Moving into a different column resets column_entered_at.
func (s *PostgresStore) MoveCard(ctx context.Context, cardID, columnID string, position int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move card: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var fromColumn string
	if err := tx.QueryRowContext(ctx, `SELECT column_id FROM cards WHERE id=$1 FOR UPDATE`, cardID).Scan(&fromColumn); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cards
		SET column_id=$2, position=$3, updated_at=NOW(),
			column_entered_at = CASE WHEN column_id = $2 THEN column_entered_at ELSE NOW() END
		WHERE id=$1
	`, cardID, columnID, position); err != nil {
		return fmt.Errorf("move card: %w", err)
	}
	if fromColumn != columnID {
		if err := renumberColumnCards(ctx, tx, fromColumn); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) StartTimer(ctx context.Context, cardID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cards SET timer_started_at=$2, updated_at=NOW() WHERE id=$1 AND timer_started_at IS NULL
	`, cardID, at)
	if err != nil {
		return fmt.Errorf("start timer: %w", err)
	}
	return nil
}

// SetCardPositions rewrites positions in columnID to the index of each id in cardIDs.
func (s *PostgresStore) SetCardPositions(ctx context.Context, columnID string, cardIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder cards: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, id := range cardIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE cards SET position=$3, updated_at=NOW() WHERE id=$1 AND column_id=$2
		`, id, columnID, i); err != nil {
			return fmt.Errorf("set card position: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteCard(ctx context.Context, cardID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete card: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var columnID string
	if err := tx.QueryRowContext(ctx, `DELETE FROM cards WHERE id=$1 RETURNING column_id`, cardID).Scan(&columnID); err != nil {
		return err
	}
	if err := renumberColumnCards(ctx, tx, columnID); err != nil {
		return err
	}
	return tx.Commit()
}

// AutoDeleteColumn is a column whose cards expire after a number of hours in it.
type AutoDeleteColumn struct {
	ColumnID   string
	BoardID    string
	AfterHours int
}

func (s *PostgresStore) ListAutoDeleteColumns(ctx context.Context) ([]AutoDeleteColumn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, auto_delete_after_hours
		FROM board_columns
		WHERE auto_delete_enabled AND auto_delete_after_hours > 0
	`)
	if err != nil {
		return nil, fmt.Errorf("list auto delete columns: %w", err)
	}
	defer rows.Close()

	items := make([]AutoDeleteColumn, 0)
	for rows.Next() {
		var item AutoDeleteColumn
		if err := rows.Scan(&item.ColumnID, &item.BoardID, &item.AfterHours); err != nil {
			return nil, fmt.Errorf("scan auto delete column: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auto delete columns: %w", err)
	}
	return items, nil
}

// ExpiredCards lists what one auto-delete pass removed. ObjectKeys are the attachment
// objects of the removed cards; their rows cascade away with the cards.
type ExpiredCards struct {
	CardIDs    []string
	ObjectKeys []string
}

// DeleteExpiredCards removes cards that entered columnID before cutoff.
func (s *PostgresStore) DeleteExpiredCards(ctx context.Context, columnID string, cutoff time.Time) (ExpiredCards, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ExpiredCards{}, fmt.Errorf("begin delete expired cards: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// the outer select still sees the attachment rows the cascade removes
	rows, err := tx.QueryContext(ctx, `
		WITH expired AS (
			DELETE FROM cards WHERE column_id=$1 AND column_entered_at < $2 RETURNING id
		)
		SELECT e.id, COALESCE(a.object_key, '')
		FROM expired e
		LEFT JOIN card_attachments a ON a.card_id = e.id
		ORDER BY e.id
	`, columnID, cutoff)
	if err != nil {
		return ExpiredCards{}, fmt.Errorf("delete expired cards: %w", err)
	}
	result := ExpiredCards{CardIDs: []string{}, ObjectKeys: []string{}}
	seen := make(map[string]bool)
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			rows.Close()
			return ExpiredCards{}, fmt.Errorf("scan expired card: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			result.CardIDs = append(result.CardIDs, id)
		}
		if key != "" {
			result.ObjectKeys = append(result.ObjectKeys, key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ExpiredCards{}, fmt.Errorf("iterate expired cards: %w", err)
	}
	if len(result.CardIDs) > 0 {
		if err := renumberColumnCards(ctx, tx, columnID); err != nil {
			return ExpiredCards{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ExpiredCards{}, fmt.Errorf("commit delete expired cards: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) ListAssignees(ctx context.Context, cardID string) ([]Assignee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT card_id, user_id, is_completed, completed_at
		FROM card_assignees WHERE card_id=$1 ORDER BY created_at, user_id
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list assignees: %w", err)
	}
	return scanAssignees(rows)
}

func (s *PostgresStore) ListAssigneesByBoard(ctx context.Context, boardID string) ([]Assignee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.card_id, a.user_id, a.is_completed, a.completed_at
		FROM card_assignees a
		JOIN cards c ON c.id = a.card_id
		WHERE c.board_id=$1
		ORDER BY a.created_at, a.user_id
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list board assignees: %w", err)
	}
	return scanAssignees(rows)
}

func scanAssignees(rows *sql.Rows) ([]Assignee, error) {
	defer rows.Close()
	items := make([]Assignee, 0)
	for rows.Next() {
		var item Assignee
		if err := rows.Scan(&item.CardID, &item.UserID, &item.IsCompleted, &item.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan assignee: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignees: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAssignee(ctx context.Context, cardID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO card_assignees (card_id, user_id) VALUES ($1, $2)
		ON CONFLICT (card_id, user_id) DO NOTHING
	`, cardID, userID)
	if err != nil {
		return fmt.Errorf("insert assignee: %w", err)
	}
	return nil
}

// DeleteAssignee never removes a row whose collaborator already completed.
func (s *PostgresStore) DeleteAssignee(ctx context.Context, cardID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM card_assignees WHERE card_id=$1 AND user_id=$2 AND is_completed = FALSE
	`, cardID, userID)
	if err != nil {
		return fmt.Errorf("delete assignee: %w", err)
	}
	return nil
}

// CompleteAssignee marks userID's part of the card done. It reports false when the user
// is not assigned to the card.
func (s *PostgresStore) CompleteAssignee(ctx context.Context, cardID, userID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE card_assignees SET is_completed=TRUE, completed_at=COALESCE(completed_at, $3)
		WHERE card_id=$1 AND user_id=$2
	`, cardID, userID, at)
	if err != nil {
		return false, fmt.Errorf("complete assignee: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete assignee rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO card_attachments (id, card_id, object_key, file_name, content_type, size_bytes, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.CardID, item.ObjectKey, item.FileName, item.ContentType, item.SizeBytes, item.UploadedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, cardID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_id, object_key, file_name, content_type, size_bytes, uploaded_by, created_at
		FROM card_attachments WHERE card_id=$1 ORDER BY created_at
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.CardID, &item.ObjectKey, &item.FileName, &item.ContentType,
			&item.SizeBytes, &item.UploadedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var item Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, card_id, object_key, file_name, content_type, size_bytes, uploaded_by, created_at
		FROM card_attachments WHERE id=$1
	`, attachmentID).Scan(&item.ID, &item.CardID, &item.ObjectKey, &item.FileName, &item.ContentType,
		&item.SizeBytes, &item.UploadedBy, &item.CreatedAt)
	if err != nil {
		return Attachment{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM card_attachments WHERE id=$1`, attachmentID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
