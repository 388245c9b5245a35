package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"vendaflow/api/internal/kanban"
	"vendaflow/api/internal/rbac"
	"vendaflow/api/internal/realtime"
	"vendaflow/api/internal/store"
	"vendaflow/api/internal/util"
)

type AssigneeView struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	IsCompleted bool       `json:"isCompleted"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type CardView struct {
	Card      kanban.Card    `json:"card"`
	Assignees []AssigneeView `json:"assignees"`
}

// CardInput creates or replaces a card's content. Kind is one of normal, lead or
// collaborative. Assignees nil on update keeps the current assignment.
type CardInput struct {
	ColumnID            string     `json:"columnId"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	DueDate             *time.Time `json:"dueDate"`
	EstimatedMinutes    *int       `json:"estimatedMinutes"`
	TimerStartColumnID  string     `json:"timerStartColumnId"`
	Kind                string     `json:"kind"`
	LeadID              string     `json:"leadId"`
	RequiresAllApproval bool       `json:"requiresAllApproval"`
	Assignees           *[]string  `json:"assignees"`
}

func (in CardInput) kind(assignees []string) (kanban.Kind, error) {
	switch strings.TrimSpace(in.Kind) {
	case "", "normal":
		return kanban.Normal{}, nil
	case "lead":
		if strings.TrimSpace(in.LeadID) == "" {
			return nil, validationError("leadId is required for lead cards")
		}
		return kanban.LeadLinked{LeadID: strings.TrimSpace(in.LeadID)}, nil
	case "collaborative":
		return kanban.Collaborative{Assignees: assignees, RequiresAllApproval: in.RequiresAllApproval}, nil
	default:
		return nil, validationError(fmt.Sprintf("unknown card kind %q", in.Kind))
	}
}

func (in CardInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return validationError("title is required")
	}
	if in.EstimatedMinutes != nil && *in.EstimatedMinutes <= 0 {
		return validationError("estimatedMinutes must be positive")
	}
	return nil
}

// boardCard loads a card and checks it belongs to the session's board.
func (s *Service) boardCard(ctx context.Context, session Session, cardID string) (store.Board, store.Card, error) {
	board, err := s.orgBoard(ctx, session)
	if err != nil {
		return store.Board{}, store.Card{}, err
	}
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Board{}, store.Card{}, errCardNotFound
		}
		return store.Board{}, store.Card{}, err
	}
	if card.BoardID != board.ID {
		return store.Board{}, store.Card{}, errCardNotFound
	}
	return board, card, nil
}

// checkMembers rejects user ids outside the session's organization.
func (s *Service) checkMembers(ctx context.Context, session Session, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	users, err := s.store.ListUsers(ctx, userIDs)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(users))
	for _, user := range users {
		if user.OrganizationID == session.OrganizationID {
			known[user.ID] = true
		}
	}
	for _, id := range userIDs {
		if !known[id] {
			return validationError(fmt.Sprintf("assignee %s is not a member of the organization", id))
		}
	}
	return nil
}

func (s *Service) CreateCard(ctx context.Context, session Session, input CardInput) (CardView, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return CardView{}, err
	}
	if err := input.validate(); err != nil {
		return CardView{}, err
	}
	board, col, err := s.boardColumn(ctx, session, input.ColumnID)
	if err != nil {
		return CardView{}, err
	}
	var desired []string
	if input.Assignees != nil {
		desired = *input.Assignees
	}
	kind, err := input.kind(desired)
	if err != nil {
		return CardView{}, err
	}
	if err := kanban.ValidateAssignees(kind, desired); err != nil {
		return CardView{}, validationError(err.Error())
	}
	if err := s.checkMembers(ctx, session, desired); err != nil {
		return CardView{}, err
	}
	if input.TimerStartColumnID != "" {
		if _, _, err := s.boardColumn(ctx, session, input.TimerStartColumnID); err != nil {
			return CardView{}, validationError("timerStartColumnId is not a column of this board")
		}
	}

	position, err := s.store.NextCardPosition(ctx, col.ID)
	if err != nil {
		return CardView{}, err
	}
	isCollaborative, requiresAll, leadID := kanban.EncodeKind(kind)
	card := store.Card{
		ID:                  util.NewID("card"),
		BoardID:             board.ID,
		ColumnID:            col.ID,
		Title:               strings.TrimSpace(input.Title),
		Description:         input.Description,
		DueDate:             input.DueDate,
		EstimatedMinutes:    input.EstimatedMinutes,
		TimerStartColumnID:  input.TimerStartColumnID,
		Position:            position,
		IsCollaborative:     isCollaborative,
		RequiresAllApproval: requiresAll,
		LeadID:              leadID,
		CreatedBy:           session.UserID,
	}
	card.TimerStartedAt = kanban.InitialTimer(toKanbanCard(card, nil), col.ID, s.now())
	if err := s.store.InsertCard(ctx, card); err != nil {
		return CardView{}, err
	}

	if _, err := kanban.SyncAssignees(ctx, s.backend, s.notifier, card.ID, session.UserID, desired); err != nil {
		log.Printf("cards: assign collaborators of %s: %v", card.ID, err)
		return CardView{}, errAssigneeSync
	}

	view, err := s.cardView(ctx, card.ID)
	if err != nil {
		return CardView{}, err
	}
	s.backend.publishCard(ctx, realtime.OpInsert, card, assigneeIDsFromView(view))
	s.backend.indexCard(card)
	return view, nil
}

var errAssigneeSync = domainError(http.StatusInternalServerError, "ASSIGNEE_SYNC_FAILED",
	"Não foi possível atualizar os responsáveis da tarefa.", nil)

func (s *Service) GetCard(ctx context.Context, session Session, cardID string) (CardView, error) {
	if _, _, err := s.boardCard(ctx, session, cardID); err != nil {
		return CardView{}, err
	}
	return s.cardView(ctx, cardID)
}

// UpdateCard replaces the card's content and, when Assignees is set, reconciles the
// assignee rows. Completed collaborators are kept even when left out of the new list.
func (s *Service) UpdateCard(ctx context.Context, session Session, cardID string, input CardInput) (CardView, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return CardView{}, err
	}
	if err := input.validate(); err != nil {
		return CardView{}, err
	}
	_, card, err := s.boardCard(ctx, session, cardID)
	if err != nil {
		return CardView{}, err
	}

	var desired []string
	if input.Assignees != nil {
		desired = *input.Assignees
	} else {
		current, err := s.store.ListAssignees(ctx, cardID)
		if err != nil {
			return CardView{}, err
		}
		desired = assigneeIDs(current)
	}
	kind, err := input.kind(desired)
	if err != nil {
		return CardView{}, err
	}
	if err := kanban.ValidateAssignees(kind, desired); err != nil {
		return CardView{}, validationError(err.Error())
	}
	if input.Assignees != nil {
		if err := s.checkMembers(ctx, session, desired); err != nil {
			return CardView{}, err
		}
	}
	if input.TimerStartColumnID != "" && input.TimerStartColumnID != card.TimerStartColumnID {
		if _, _, err := s.boardColumn(ctx, session, input.TimerStartColumnID); err != nil {
			return CardView{}, validationError("timerStartColumnId is not a column of this board")
		}
	}

	card.Title = strings.TrimSpace(input.Title)
	card.Description = input.Description
	card.DueDate = input.DueDate
	card.EstimatedMinutes = input.EstimatedMinutes
	card.TimerStartColumnID = input.TimerStartColumnID
	card.IsCollaborative, card.RequiresAllApproval, card.LeadID = kanban.EncodeKind(kind)
	if err := s.store.UpdateCardContent(ctx, card); err != nil {
		return CardView{}, err
	}

	if input.Assignees != nil {
		result, err := kanban.SyncAssignees(ctx, s.backend, s.notifier, cardID, session.UserID, desired)
		if err != nil {
			log.Printf("cards: sync assignees of %s: %v (added=%v removed=%v)", cardID, err, result.Added, result.Removed)
			return CardView{}, errAssigneeSync
		}
	}

	view, err := s.cardView(ctx, cardID)
	if err != nil {
		return CardView{}, err
	}
	s.backend.publishCard(ctx, realtime.OpUpdate, card, assigneeIDsFromView(view))
	s.backend.indexCard(card)
	return view, nil
}

func (s *Service) DeleteCard(ctx context.Context, session Session, cardID string) error {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return err
	}
	_, card, err := s.boardCard(ctx, session, cardID)
	if err != nil {
		return err
	}
	attachments, err := s.store.ListAttachments(ctx, cardID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteCard(ctx, cardID); err != nil {
		return err
	}
	if s.files != nil {
		for _, item := range attachments {
			if err := s.files.Remove(ctx, item.ObjectKey); err != nil {
				log.Printf("cards: remove attachment %s: %v", item.ObjectKey, err)
			}
		}
	}
	s.backend.publishCard(ctx, realtime.OpDelete, card, nil)
	if s.index != nil {
		s.index.DeleteCards(cardID)
	}
	return nil
}

type MoveResult struct {
	Outcome kanban.Outcome  `json:"outcome"`
	Card    *kanban.Card    `json:"card,omitempty"`
	Notices []kanban.Notice `json:"notices"`
}

// MoveCard drops the card on toColumnID through the same drag session the realtime
// endpoint uses, so the approval gate, the backward check and the timer rule apply
// identically. A rejected move returns CARD_MOVE_BLOCKED with the gate's counts.
func (s *Service) MoveCard(ctx context.Context, session Session, cardID, toColumnID string) (MoveResult, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return MoveResult{}, err
	}
	board, card, err := s.boardCard(ctx, session, cardID)
	if err != nil {
		return MoveResult{}, err
	}
	if _, _, err := s.boardColumn(ctx, session, toColumnID); err != nil {
		return MoveResult{}, err
	}
	if card.ColumnID == toColumnID {
		view := toKanbanCard(card, nil)
		return MoveResult{Outcome: kanban.OutcomeNoop, Card: &view, Notices: []kanban.Notice{}}, nil
	}

	columns, err := s.backend.LoadColumns(ctx, board.ID)
	if err != nil {
		return MoveResult{}, err
	}
	notices := make([]kanban.Notice, 0, 1)
	local := kanban.NewStore(kanban.Board{ID: board.ID, Columns: columns})
	drag := kanban.NewDragSession(board.ID, local, s.backend, func(n kanban.Notice) {
		notices = append(notices, n)
	})
	drag.DragStart(cardID)
	outcome := drag.DragEnd(ctx, cardID, toColumnID)

	switch outcome {
	case kanban.OutcomeCommitted:
		moved, _, _ := local.Snapshot().FindCard(cardID)
		return MoveResult{Outcome: outcome, Card: &moved, Notices: notices}, nil
	case kanban.OutcomeBlocked:
		return MoveResult{}, blockedError(notices)
	default:
		return MoveResult{}, domainError(http.StatusInternalServerError, "CARD_MOVE_FAILED", noticeMessage(notices), nil)
	}
}

func blockedError(notices []kanban.Notice) error {
	for _, n := range notices {
		if n.Kind == kanban.NoticeBlocked {
			return domainError(http.StatusConflict, "CARD_MOVE_BLOCKED", n.Message, map[string]any{
				"reason":    n.Reason,
				"completed": n.Completed,
				"total":     n.Total,
				"pending":   n.Pending,
				"notice":    n.Message,
			})
		}
	}
	return domainError(http.StatusConflict, "CARD_MOVE_BLOCKED", "Movimentação bloqueada.", nil)
}

func noticeMessage(notices []kanban.Notice) string {
	for _, n := range notices {
		if n.Message != "" {
			return n.Message
		}
	}
	return "Não foi possível mover a tarefa."
}

// ReorderCards persists a new order for every card in a column.
func (s *Service) ReorderCards(ctx context.Context, session Session, columnID string, cardIDs []string) ([]kanban.Card, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return nil, err
	}
	board, _, err := s.boardColumn(ctx, session, columnID)
	if err != nil {
		return nil, err
	}
	columns, err := s.backend.LoadColumns(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	local := kanban.NewStore(kanban.Board{ID: board.ID, Columns: columns})
	if err := local.Dispatch(kanban.ReorderCards(columnID, cardIDs)); err != nil {
		if errors.Is(err, kanban.ErrInvalidOrder) {
			return nil, validationError("cardIds must list every card of the column once")
		}
		return nil, err
	}
	if err := s.backend.SetCardPositions(ctx, columnID, cardIDs); err != nil {
		return nil, err
	}
	snapshot := local.Snapshot()
	return snapshot.Columns[snapshot.ColumnIndex(columnID)].Cards, nil
}

type GateView struct {
	Allowed   bool               `json:"allowed"`
	Reason    kanban.BlockReason `json:"reason,omitempty"`
	Completed int                `json:"completed"`
	Total     int                `json:"total"`
	Pending   []string           `json:"pending"`
	Notice    string             `json:"notice,omitempty"`
}

// GatePreview answers whether the card could move to toColumnID right now without
// moving it. An empty toColumnID checks only the approval gate.
func (s *Service) GatePreview(ctx context.Context, session Session, cardID, toColumnID string) (GateView, error) {
	board, card, err := s.boardCard(ctx, session, cardID)
	if err != nil {
		return GateView{}, err
	}
	assignees, err := s.store.ListAssignees(ctx, cardID)
	if err != nil {
		return GateView{}, err
	}
	kcard := toKanbanCard(card, assigneeIDs(assignees))
	gate := kanban.NewGate(s.backend, s.backend)

	var verdict kanban.Verdict
	if toColumnID == "" || toColumnID == card.ColumnID {
		verdict, err = gate.Check(ctx, kcard)
	} else {
		columns, lerr := s.backend.LoadColumns(ctx, board.ID)
		if lerr != nil {
			return GateView{}, lerr
		}
		verdict, err = gate.CheckMove(ctx, columns, kcard, card.ColumnID, toColumnID)
	}
	if err != nil {
		return GateView{}, err
	}
	pending := verdict.Pending
	if pending == nil {
		pending = []string{}
	}
	return GateView{
		Allowed:   verdict.Allowed,
		Reason:    verdict.Reason,
		Completed: verdict.Completed,
		Total:     verdict.Total,
		Pending:   pending,
		Notice:    verdict.Notice(),
	}, nil
}

// CompleteCard records that the session user finished their part of the card. When the
// last pending collaborator completes, the others are told the card is released.
func (s *Service) CompleteCard(ctx context.Context, session Session, cardID string) (CardView, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return CardView{}, err
	}
	_, card, err := s.boardCard(ctx, session, cardID)
	if err != nil {
		return CardView{}, err
	}
	before, err := s.store.ListAssignees(ctx, cardID)
	if err != nil {
		return CardView{}, err
	}
	wasPending := false
	for _, row := range before {
		if !row.IsCompleted {
			wasPending = true
			break
		}
	}

	ok, err := s.store.CompleteAssignee(ctx, cardID, session.UserID, s.now())
	if err != nil {
		return CardView{}, err
	}
	if !ok {
		return CardView{}, domainError(http.StatusForbidden, "NOT_ASSIGNED", "Você não é responsável por esta tarefa.", nil)
	}
	s.publish(ctx, realtime.NewChange(realtime.TableCardAssignees, realtime.OpUpdate, map[string]string{
		"card_id":  cardID,
		"user_id":  session.UserID,
		"board_id": card.BoardID,
	}, nil))

	view, err := s.cardView(ctx, cardID)
	if err != nil {
		return CardView{}, err
	}
	if _, gated := view.Card.Approval(); gated && wasPending {
		allDone := true
		for _, a := range view.Assignees {
			if !a.IsCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			s.notifier.NotifyApprovalCompleted(ctx, card, assigneeIDsFromView(view), session.UserID)
		}
	}
	return view, nil
}

func (s *Service) cardView(ctx context.Context, cardID string) (CardView, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return CardView{}, err
	}
	rows, err := s.store.ListAssignees(ctx, cardID)
	if err != nil {
		return CardView{}, err
	}
	ids := assigneeIDs(rows)
	names := map[string]string{}
	if len(ids) > 0 {
		users, err := s.store.ListUsers(ctx, ids)
		if err != nil {
			return CardView{}, err
		}
		for _, user := range users {
			names[user.ID] = user.DisplayName
		}
	}
	assignees := make([]AssigneeView, 0, len(rows))
	for _, row := range rows {
		assignees = append(assignees, AssigneeView{
			UserID:      row.UserID,
			DisplayName: names[row.UserID],
			IsCompleted: row.IsCompleted,
			CompletedAt: row.CompletedAt,
		})
	}
	return CardView{Card: toKanbanCard(card, ids), Assignees: assignees}, nil
}

func assigneeIDsFromView(view CardView) []string {
	ids := make([]string, 0, len(view.Assignees))
	for _, a := range view.Assignees {
		ids = append(ids, a.UserID)
	}
	return ids
}
