package kanban

import (
	"context"
	"fmt"
)

type BoardLoader interface {
	LoadColumns(ctx context.Context, boardID string) ([]Column, error)
}

// Reconcile discards local board state and replaces it with the backend's columns and
// cards. It is the only conflict-resolution path: whenever a local change is found to
// disagree with the backend, the board is reloaded wholesale.
func Reconcile(ctx context.Context, loader BoardLoader, boardID string, store *Store) error {
	columns, err := loader.LoadColumns(ctx, boardID)
	if err != nil {
		return fmt.Errorf("reload board %s: %w", boardID, err)
	}
	return store.Dispatch(SetColumns(columns))
}
