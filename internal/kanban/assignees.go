package kanban

import (
	"context"
	"errors"
	"fmt"
)

// MinCollaborators is the smallest assignee set a collaborative card may have.
const MinCollaborators = 2

var ErrTooFewCollaborators = errors.New("collaborative cards need at least two assignees")

type AssigneeWriter interface {
	AssigneeReader
	InsertAssignee(ctx context.Context, cardID, userID string) error
	DeleteAssignee(ctx context.Context, cardID, userID string) error
}

// AssignmentNotifier is told about every user newly added to a card.
type AssignmentNotifier interface {
	NotifyAssigned(ctx context.Context, cardID, userID, actorID string) error
}

type SyncResult struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Retained []string `json:"retained"`
}

// ValidateAssignees enforces the collaborator floor for collaborative cards.
func ValidateAssignees(kind Kind, desired []string) error {
	if _, ok := kind.(Collaborative); !ok {
		return nil
	}
	if len(dedupe(desired)) < MinCollaborators {
		return ErrTooFewCollaborators
	}
	return nil
}

// SyncAssignees reconciles the persisted assignee rows of a card with desired. Completed
// rows are never deleted. The steps are not atomic: on error the returned result holds
// what was applied so far.
func SyncAssignees(ctx context.Context, repo AssigneeWriter, notifier AssignmentNotifier, cardID, actorID string, desired []string) (SyncResult, error) {
	var result SyncResult
	current, err := repo.ListAssignees(ctx, cardID)
	if err != nil {
		return result, fmt.Errorf("list assignees: %w", err)
	}

	want := make(map[string]struct{}, len(desired))
	for _, id := range dedupe(desired) {
		want[id] = struct{}{}
	}
	have := make(map[string]Assignee, len(current))
	for _, row := range current {
		have[row.UserID] = row
	}

	for _, id := range dedupe(desired) {
		if _, ok := have[id]; ok {
			continue
		}
		if err := repo.InsertAssignee(ctx, cardID, id); err != nil {
			return result, fmt.Errorf("insert assignee %s: %w", id, err)
		}
		result.Added = append(result.Added, id)
		if notifier != nil && id != actorID {
			if err := notifier.NotifyAssigned(ctx, cardID, id, actorID); err != nil {
				return result, fmt.Errorf("notify assignee %s: %w", id, err)
			}
		}
	}

	for _, row := range current {
		if _, ok := want[row.UserID]; ok {
			continue
		}
		if row.IsCompleted {
			result.Retained = append(result.Retained, row.UserID)
			continue
		}
		if err := repo.DeleteAssignee(ctx, cardID, row.UserID); err != nil {
			return result, fmt.Errorf("delete assignee %s: %w", row.UserID, err)
		}
		result.Removed = append(result.Removed, row.UserID)
	}
	return result, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
