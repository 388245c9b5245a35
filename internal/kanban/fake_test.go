package kanban

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeBackend struct {
	mu        sync.Mutex
	board     Board
	assignees map[string][]Assignee
	names     map[string]string

	listAssigneesFn func(context.Context, string) ([]Assignee, error)
	listProfilesErr error
	moveErr         error

	loads     int
	moves     []string
	positions map[string][]string
	timers    map[string]time.Time
	inserted  []string
	deleted   []string
	notified  []string
}

func newFakeBackend(columns ...Column) *fakeBackend {
	return &fakeBackend{
		board:     Board{ID: "board-1", Columns: columns},
		assignees: map[string][]Assignee{},
		names:     map[string]string{},
		positions: map[string][]string{},
		timers:    map[string]time.Time{},
	}
}

func (f *fakeBackend) ListAssignees(ctx context.Context, cardID string) ([]Assignee, error) {
	if f.listAssigneesFn != nil {
		return f.listAssigneesFn(ctx, cardID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Assignee(nil), f.assignees[cardID]...), nil
}

func (f *fakeBackend) ListProfiles(_ context.Context, userIDs []string) ([]Profile, error) {
	if f.listProfilesErr != nil {
		return nil, f.listProfilesErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Profile
	for _, id := range userIDs {
		if name, ok := f.names[id]; ok {
			out = append(out, Profile{UserID: id, FullName: name})
		}
	}
	return out, nil
}

func (f *fakeBackend) LoadColumns(context.Context, string) ([]Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return f.board.clone().Columns, nil
}

func (f *fakeBackend) MoveCard(_ context.Context, cardID, columnID string, position int) error {
	if f.moveErr != nil {
		return f.moveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := Reduce(f.board, MoveCard(cardID, columnID))
	if err != nil {
		return err
	}
	f.board = next
	f.moves = append(f.moves, cardID+"->"+columnID)
	return nil
}

func (f *fakeBackend) StartTimer(_ context.Context, cardID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers[cardID] = at
	for ci := range f.board.Columns {
		for i := range f.board.Columns[ci].Cards {
			if f.board.Columns[ci].Cards[i].ID == cardID {
				f.board.Columns[ci].Cards[i].TimerStartedAt = &at
			}
		}
	}
	return nil
}

func (f *fakeBackend) SetCardPositions(_ context.Context, columnID string, cardIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := Reduce(f.board, ReorderCards(columnID, cardIDs))
	if err != nil {
		return err
	}
	f.board = next
	f.positions[columnID] = append([]string(nil), cardIDs...)
	return nil
}

func (f *fakeBackend) InsertAssignee(_ context.Context, cardID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignees[cardID] = append(f.assignees[cardID], Assignee{CardID: cardID, UserID: userID})
	f.inserted = append(f.inserted, userID)
	return nil
}

func (f *fakeBackend) DeleteAssignee(_ context.Context, cardID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.assignees[cardID][:0]
	for _, row := range f.assignees[cardID] {
		if row.UserID != userID {
			rows = append(rows, row)
		}
	}
	f.assignees[cardID] = rows
	f.deleted = append(f.deleted, userID)
	return nil
}

func (f *fakeBackend) NotifyAssigned(_ context.Context, cardID, userID, actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, userID)
	return nil
}

func (f *fakeBackend) complete(cardID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, row := range f.assignees[cardID] {
		if row.UserID == userID {
			f.assignees[cardID][i].IsCompleted = true
		}
	}
}

func (f *fakeBackend) columnOf(cardID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, idx, ok := f.board.FindCard(cardID)
	if !ok {
		return ""
	}
	return f.board.Columns[idx].ID
}

var errBackendDown = errors.New("backend unavailable")

func collaborativeCard(id, columnID string, assignees ...string) Card {
	return Card{
		ID:       id,
		ColumnID: columnID,
		Title:    id,
		Kind:     Collaborative{Assignees: assignees, RequiresAllApproval: true},
	}
}

func plainCard(id, columnID string, position int) Card {
	return Card{ID: id, ColumnID: columnID, Title: id, Position: position, Kind: Normal{}}
}

func column(id string, position int, cards ...Card) Column {
	for i := range cards {
		cards[i].ColumnID = id
		cards[i].Position = i
	}
	return Column{ID: id, BoardID: "board-1", Name: id, Position: position, Cards: cards}
}
