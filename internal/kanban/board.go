package kanban

import (
	"errors"
	"fmt"
	"sync"
)

type ActionType string

const (
	ActionMoveCard     ActionType = "MOVE_CARD"
	ActionReorderCards ActionType = "REORDER_CARDS"
	ActionSetColumns   ActionType = "SET_COLUMNS"
	ActionUpsertCard   ActionType = "UPSERT_CARD"
	ActionRemoveCard   ActionType = "REMOVE_CARD"
)

// Action is a single board mutation. Only the fields relevant to Type are read.
type Action struct {
	Type       ActionType
	CardID     string
	ToColumnID string
	ColumnID   string
	CardIDs    []string
	Columns    []Column
	Card       *Card
}

func MoveCard(cardID, toColumnID string) Action {
	return Action{Type: ActionMoveCard, CardID: cardID, ToColumnID: toColumnID}
}

func ReorderCards(columnID string, cardIDs []string) Action {
	return Action{Type: ActionReorderCards, ColumnID: columnID, CardIDs: cardIDs}
}

func SetColumns(columns []Column) Action {
	return Action{Type: ActionSetColumns, Columns: columns}
}

func UpsertCard(card Card) Action {
	return Action{Type: ActionUpsertCard, Card: &card}
}

func RemoveCard(cardID string) Action {
	return Action{Type: ActionRemoveCard, CardID: cardID}
}

var (
	ErrCardNotFound   = errors.New("card not found")
	ErrColumnNotFound = errors.New("column not found")
	ErrInvalidOrder   = errors.New("order does not match column cards")
)

// Board is an ordered list of columns, each holding its cards in position order.
type Board struct {
	ID      string
	Columns []Column
}

func (b Board) clone() Board {
	columns := make([]Column, len(b.Columns))
	for i, column := range b.Columns {
		column.Cards = append([]Card(nil), column.Cards...)
		columns[i] = column
	}
	return Board{ID: b.ID, Columns: columns}
}

func (b Board) ColumnIndex(columnID string) int {
	for i, column := range b.Columns {
		if column.ID == columnID {
			return i
		}
	}
	return -1
}

// FindCard returns the card and the index of the column holding it.
func (b Board) FindCard(cardID string) (Card, int, bool) {
	for i, column := range b.Columns {
		for _, card := range column.Cards {
			if card.ID == cardID {
				return card, i, true
			}
		}
	}
	return Card{}, -1, false
}

// ResolveColumn maps a drop target to a column: either a column id or the id of a card
// inside a column.
func (b Board) ResolveColumn(targetID string) (string, bool) {
	if idx := b.ColumnIndex(targetID); idx >= 0 {
		return targetID, true
	}
	if _, idx, ok := b.FindCard(targetID); ok {
		return b.Columns[idx].ID, true
	}
	return "", false
}

// Reduce applies an action to a copy of state and returns the new state.
func Reduce(state Board, action Action) (Board, error) {
	next := state.clone()
	switch action.Type {
	case ActionMoveCard:
		card, from, ok := next.FindCard(action.CardID)
		if !ok {
			return state, ErrCardNotFound
		}
		to := next.ColumnIndex(action.ToColumnID)
		if to < 0 {
			return state, ErrColumnNotFound
		}
		if from == to {
			return next, nil
		}
		next.Columns[from].Cards = removeCard(next.Columns[from].Cards, card.ID)
		card.ColumnID = action.ToColumnID
		card.Position = len(next.Columns[to].Cards)
		next.Columns[to].Cards = append(next.Columns[to].Cards, card)
		renumber(next.Columns[from].Cards)
		return next, nil

	case ActionReorderCards:
		idx := next.ColumnIndex(action.ColumnID)
		if idx < 0 {
			return state, ErrColumnNotFound
		}
		ordered, err := applyOrder(next.Columns[idx].Cards, action.CardIDs)
		if err != nil {
			return state, err
		}
		next.Columns[idx].Cards = ordered
		return next, nil

	case ActionSetColumns:
		replaced := Board{ID: next.ID, Columns: action.Columns}
		return replaced.clone(), nil

	case ActionUpsertCard:
		if action.Card == nil {
			return state, fmt.Errorf("upsert card: missing card")
		}
		incoming := *action.Card
		if _, from, ok := next.FindCard(incoming.ID); ok {
			next.Columns[from].Cards = removeCard(next.Columns[from].Cards, incoming.ID)
			renumber(next.Columns[from].Cards)
		}
		to := next.ColumnIndex(incoming.ColumnID)
		if to < 0 {
			// card moved to a column this board does not show
			return next, nil
		}
		next.Columns[to].Cards = insertAt(next.Columns[to].Cards, incoming)
		return next, nil

	case ActionRemoveCard:
		if _, from, ok := next.FindCard(action.CardID); ok {
			next.Columns[from].Cards = removeCard(next.Columns[from].Cards, action.CardID)
			renumber(next.Columns[from].Cards)
		}
		return next, nil
	}
	return state, fmt.Errorf("unknown action %q", action.Type)
}

func removeCard(cards []Card, cardID string) []Card {
	out := cards[:0]
	for _, card := range cards {
		if card.ID != cardID {
			out = append(out, card)
		}
	}
	return out
}

func insertAt(cards []Card, card Card) []Card {
	pos := card.Position
	if pos < 0 || pos > len(cards) {
		pos = len(cards)
	}
	cards = append(cards, Card{})
	copy(cards[pos+1:], cards[pos:])
	cards[pos] = card
	renumber(cards)
	return cards
}

func renumber(cards []Card) {
	for i := range cards {
		cards[i].Position = i
	}
}

func applyOrder(cards []Card, order []string) ([]Card, error) {
	if len(order) != len(cards) {
		return nil, ErrInvalidOrder
	}
	byID := make(map[string]Card, len(cards))
	for _, card := range cards {
		byID[card.ID] = card
	}
	ordered := make([]Card, 0, len(order))
	for i, id := range order {
		card, ok := byID[id]
		if !ok {
			return nil, ErrInvalidOrder
		}
		delete(byID, id)
		card.Position = i
		ordered = append(ordered, card)
	}
	return ordered, nil
}

// MoveWithin returns the ids of a column after moving cardID to the slot of overID.
func MoveWithin(column Column, cardID, overID string) []string {
	ids := make([]string, 0, len(column.Cards))
	from, to := -1, -1
	for i, card := range column.Cards {
		ids = append(ids, card.ID)
		if card.ID == cardID {
			from = i
		}
		if card.ID == overID {
			to = i
		}
	}
	if from < 0 || to < 0 || from == to {
		return ids
	}
	moved := ids[from]
	ids = append(ids[:from], ids[from+1:]...)
	ids = append(ids[:to], append([]string{moved}, ids[to:]...)...)
	return ids
}

// Store is the authoritative in-process board state. All mutations go through Dispatch.
type Store struct {
	mu    sync.RWMutex
	board Board
}

func NewStore(board Board) *Store {
	return &Store{board: board.clone()}
}

func (s *Store) Dispatch(action Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Reduce(s.board, action)
	if err != nil {
		return err
	}
	s.board = next
	return nil
}

// Snapshot returns a copy that callers may read freely.
func (s *Store) Snapshot() Board {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.board.clone()
}
