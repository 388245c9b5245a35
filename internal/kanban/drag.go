package kanban

import (
	"context"
	"log"
	"sync"
	"time"
)

type CardWriter interface {
	MoveCard(ctx context.Context, cardID, columnID string, position int) error
	StartTimer(ctx context.Context, cardID string, at time.Time) error
	SetCardPositions(ctx context.Context, columnID string, cardIDs []string) error
}

// Backend is everything a drag session reads from and writes to.
type Backend interface {
	AssigneeReader
	ProfileReader
	BoardLoader
	CardWriter
}

type NoticeKind string

const (
	NoticeBlocked      NoticeKind = "blocked"
	NoticeError        NoticeKind = "error"
	NoticeTimerStarted NoticeKind = "timer_started"
)

type Notice struct {
	Kind      NoticeKind  `json:"kind"`
	Reason    BlockReason `json:"reason,omitempty"`
	CardID    string      `json:"cardId"`
	Message   string      `json:"message"`
	Completed int         `json:"completed"`
	Total     int         `json:"total"`
	Pending   []string    `json:"pending,omitempty"`
}

type Outcome string

const (
	OutcomeNoop      Outcome = "noop"
	OutcomeMoved     Outcome = "moved"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeStale     Outcome = "stale"
	OutcomeCommitted Outcome = "committed"
	OutcomeReordered Outcome = "reordered"
	OutcomeReloaded  Outcome = "reloaded"
)

const (
	genericReadFailure  = "Não foi possível verificar a tarefa. O quadro foi recarregado."
	genericWriteFailure = "Não foi possível salvar a movimentação. Tente novamente."
	timerStartedMessage = "Cronômetro da tarefa iniciado."
)

// DragSession mediates one drag gesture at a time over a board store. Moves are applied
// optimistically while hovering and only persisted on drop.
//
// Each DragOver and DragEnd takes a new generation number; a hover check that completes
// after a newer one started is discarded.
type DragSession struct {
	boardID string
	store   *Store
	backend Backend
	gate    *Gate
	notify  func(Notice)
	now     func() time.Time

	mu         sync.Mutex
	active     string
	origin     string
	generation uint64
}

func NewDragSession(boardID string, store *Store, backend Backend, notify func(Notice)) *DragSession {
	if notify == nil {
		notify = func(Notice) {}
	}
	return &DragSession{
		boardID: boardID,
		store:   store,
		backend: backend,
		gate:    NewGate(backend, backend),
		notify:  notify,
		now:     time.Now,
	}
}

// Active returns the card currently being dragged.
func (d *DragSession) Active() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// DragStart records the dragged card and the column it was picked up from.
func (d *DragSession) DragStart(cardID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	snapshot := d.store.Snapshot()
	_, idx, ok := snapshot.FindCard(cardID)
	if !ok {
		return false
	}
	d.active = cardID
	d.origin = snapshot.Columns[idx].ID
	return true
}

func (d *DragSession) DragOver(ctx context.Context, cardID, overID string) Outcome {
	d.mu.Lock()
	snapshot := d.store.Snapshot()
	card, fromIdx, ok := snapshot.FindCard(cardID)
	if !ok {
		d.mu.Unlock()
		return OutcomeNoop
	}
	toColumn, ok := snapshot.ResolveColumn(overID)
	fromColumn := snapshot.Columns[fromIdx].ID
	if !ok || toColumn == fromColumn {
		d.mu.Unlock()
		return OutcomeNoop
	}
	origin := d.origin
	if origin == "" || d.active != cardID {
		origin = fromColumn
	}
	d.generation++
	gen := d.generation
	d.mu.Unlock()

	verdict := Verdict{Allowed: true}
	if toColumn != origin {
		var err error
		verdict, err = d.gate.CheckMove(ctx, snapshot.Columns, card, origin, toColumn)
		if err != nil {
			if !d.current(gen) {
				return OutcomeStale
			}
			log.Printf("kanban: drag over check for card %s failed: %v", cardID, err)
			d.notify(Notice{Kind: NoticeError, CardID: cardID, Message: genericReadFailure})
			d.reload(ctx)
			return OutcomeReloaded
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.generation {
		return OutcomeStale
	}
	if !verdict.Allowed {
		d.notify(blockedNotice(cardID, verdict))
		return OutcomeBlocked
	}
	if err := d.store.Dispatch(MoveCard(cardID, toColumn)); err != nil {
		return OutcomeNoop
	}
	return OutcomeMoved
}

func (d *DragSession) DragEnd(ctx context.Context, cardID, overID string) Outcome {
	d.mu.Lock()
	d.generation++
	origin := d.origin
	d.active, d.origin = "", ""
	snapshot := d.store.Snapshot()
	d.mu.Unlock()

	card, curIdx, ok := snapshot.FindCard(cardID)
	if !ok {
		return OutcomeNoop
	}
	current := snapshot.Columns[curIdx].ID
	if origin == "" {
		origin = current
	}

	toColumn, ok := snapshot.ResolveColumn(overID)
	if !ok {
		if current != origin {
			d.reload(ctx)
			return OutcomeReloaded
		}
		return OutcomeNoop
	}

	if toColumn == origin {
		if current != origin {
			d.reload(ctx)
			return OutcomeReloaded
		}
		return d.reorder(ctx, snapshot.Columns[curIdx], cardID, overID)
	}

	verdict, err := d.gate.CheckMove(ctx, snapshot.Columns, card, origin, toColumn)
	if err != nil {
		log.Printf("kanban: drop check for card %s failed: %v", cardID, err)
		d.notify(Notice{Kind: NoticeError, CardID: cardID, Message: genericReadFailure})
		d.reload(ctx)
		return OutcomeReloaded
	}
	if !verdict.Allowed {
		d.notify(blockedNotice(cardID, verdict))
		d.reload(ctx)
		return OutcomeBlocked
	}

	position := 0
	for _, other := range snapshot.Columns[snapshot.ColumnIndex(toColumn)].Cards {
		if other.ID != cardID {
			position++
		}
	}
	if err := d.backend.MoveCard(ctx, cardID, toColumn, position); err != nil {
		log.Printf("kanban: persist move of card %s failed: %v", cardID, err)
		d.notify(Notice{Kind: NoticeError, CardID: cardID, Message: genericWriteFailure})
		d.reload(ctx)
		return OutcomeReloaded
	}

	moved := card
	moved.ColumnID = toColumn
	moved.Position = position
	if ShouldStartTimer(card, toColumn) {
		startedAt := d.now()
		if err := d.backend.StartTimer(ctx, cardID, startedAt); err != nil {
			log.Printf("kanban: start timer for card %s failed: %v", cardID, err)
			d.notify(Notice{Kind: NoticeError, CardID: cardID, Message: genericWriteFailure})
		} else {
			moved.TimerStartedAt = &startedAt
			d.notify(Notice{Kind: NoticeTimerStarted, CardID: cardID, Message: timerStartedMessage})
		}
	}
	if err := d.store.Dispatch(UpsertCard(moved)); err != nil {
		d.reload(ctx)
		return OutcomeReloaded
	}
	return OutcomeCommitted
}

func (d *DragSession) reorder(ctx context.Context, column Column, cardID, overID string) Outcome {
	order := MoveWithin(column, cardID, overID)
	unchanged := true
	for i, card := range column.Cards {
		if order[i] != card.ID {
			unchanged = false
			break
		}
	}
	if unchanged {
		return OutcomeNoop
	}
	if err := d.backend.SetCardPositions(ctx, column.ID, order); err != nil {
		log.Printf("kanban: persist order of column %s failed: %v", column.ID, err)
		d.notify(Notice{Kind: NoticeError, CardID: cardID, Message: genericWriteFailure})
		d.reload(ctx)
		return OutcomeReloaded
	}
	if err := d.store.Dispatch(ReorderCards(column.ID, order)); err != nil {
		d.reload(ctx)
		return OutcomeReloaded
	}
	return OutcomeReordered
}

func (d *DragSession) current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gen == d.generation
}

func (d *DragSession) reload(ctx context.Context) {
	if err := Reconcile(ctx, d.backend, d.boardID, d.store); err != nil {
		log.Printf("kanban: %v", err)
	}
}

func blockedNotice(cardID string, verdict Verdict) Notice {
	return Notice{
		Kind:      NoticeBlocked,
		Reason:    verdict.Reason,
		CardID:    cardID,
		Message:   verdict.Notice(),
		Completed: verdict.Completed,
		Total:     verdict.Total,
		Pending:   verdict.Pending,
	}
}
