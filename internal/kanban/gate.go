package kanban

import (
	"context"
	"fmt"
	"strings"
)

// PendingPlaceholder names pending collaborators when their profiles cannot be read.
const PendingPlaceholder = "colaboradores"

type AssigneeReader interface {
	ListAssignees(ctx context.Context, cardID string) ([]Assignee, error)
}

type ProfileReader interface {
	ListProfiles(ctx context.Context, userIDs []string) ([]Profile, error)
}

type BlockReason string

const (
	BlockedByApproval BlockReason = "approval_pending"
	BlockedBackward   BlockReason = "backward_movement"
)

type Verdict struct {
	Allowed   bool
	Reason    BlockReason
	Completed int
	Total     int
	Pending   []string
}

// Notice is the user-facing explanation of a blocked move.
func (v Verdict) Notice() string {
	switch v.Reason {
	case BlockedByApproval:
		return fmt.Sprintf("Tarefa colaborativa aguardando confirmação de %s (%d/%d concluíram).",
			strings.Join(v.Pending, ", "), v.Completed, v.Total)
	case BlockedBackward:
		return "Esta coluna não permite mover tarefas para etapas anteriores."
	default:
		return ""
	}
}

type Gate struct {
	assignees AssigneeReader
	profiles  ProfileReader
}

func NewGate(assignees AssigneeReader, profiles ProfileReader) *Gate {
	return &Gate{assignees: assignees, profiles: profiles}
}

// Check answers whether card may leave its current column right now. Assignee rows are
// always read from the backend.
func (g *Gate) Check(ctx context.Context, card Card) (Verdict, error) {
	if _, gated := card.Approval(); !gated {
		return Verdict{Allowed: true}, nil
	}

	rows, err := g.assignees.ListAssignees(ctx, card.ID)
	if err != nil {
		return Verdict{}, fmt.Errorf("list assignees: %w", err)
	}
	verdict := Verdict{Allowed: true, Total: len(rows)}
	if len(rows) == 0 {
		return verdict, nil
	}

	var pending []string
	for _, row := range rows {
		if row.IsCompleted {
			verdict.Completed++
			continue
		}
		pending = append(pending, row.UserID)
	}
	if len(pending) == 0 {
		return verdict, nil
	}

	verdict.Allowed = false
	verdict.Reason = BlockedByApproval
	verdict.Pending = g.pendingNames(ctx, pending)
	return verdict, nil
}

func (g *Gate) pendingNames(ctx context.Context, userIDs []string) []string {
	if g.profiles == nil {
		return []string{PendingPlaceholder}
	}
	profiles, err := g.profiles.ListProfiles(ctx, userIDs)
	if err != nil {
		return []string{PendingPlaceholder}
	}
	names := make([]string, 0, len(profiles))
	for _, profile := range profiles {
		if name := strings.TrimSpace(profile.FullName); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return []string{PendingPlaceholder}
	}
	return names
}

// BackwardBlocked reports whether moving from one column to another is rejected by the
// source column's backward-movement flag. Only the cached column order is consulted.
func BackwardBlocked(columns []Column, fromColumnID, toColumnID string) bool {
	from, to := -1, -1
	for i, column := range columns {
		switch column.ID {
		case fromColumnID:
			from = i
		case toColumnID:
			to = i
		}
	}
	if from < 0 || to < 0 {
		return false
	}
	return columns[from].BlockBackwardMovement && to < from
}

// CheckMove runs the approval gate and then the backward check for a cross-column move.
func (g *Gate) CheckMove(ctx context.Context, columns []Column, card Card, fromColumnID, toColumnID string) (Verdict, error) {
	verdict, err := g.Check(ctx, card)
	if err != nil || !verdict.Allowed {
		return verdict, err
	}
	if BackwardBlocked(columns, fromColumnID, toColumnID) {
		return Verdict{Reason: BlockedBackward, Completed: verdict.Completed, Total: verdict.Total}, nil
	}
	return verdict, nil
}
