// Package scheduler runs the periodic background jobs of the API.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"vendaflow/api/internal/realtime"
	"vendaflow/api/internal/store"
)

type Scheduler struct {
	cron *cron.Cron
}

func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{cron: cron.New(cron.WithLocation(loc), cron.WithSeconds())}
}

// Every registers job to run at a fixed interval, rounded down to whole seconds.
func (s *Scheduler) Every(interval time.Duration, job func()) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	seconds := int(interval.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return s.cron.AddFunc(fmt.Sprintf("@every %ds", seconds), job)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

type ExpiredCardStore interface {
	ListAutoDeleteColumns(ctx context.Context) ([]store.AutoDeleteColumn, error)
	DeleteExpiredCards(ctx context.Context, columnID string, cutoff time.Time) (store.ExpiredCards, error)
}

type SearchRemover interface {
	DeleteCards(ids ...string)
}

// ObjectRemover deletes stored attachment objects.
type ObjectRemover interface {
	Remove(ctx context.Context, key string) error
}

// AutoDeleteSweeper removes cards that stayed in an auto-delete column longer than the
// column allows, counted from when the card entered it.
type AutoDeleteSweeper struct {
	store     ExpiredCardStore
	publisher realtime.Publisher
	search    SearchRemover
	objects   ObjectRemover
	now       func() time.Time
	timeout   time.Duration
}

func NewAutoDeleteSweeper(st ExpiredCardStore, publisher realtime.Publisher, search SearchRemover) *AutoDeleteSweeper {
	return &AutoDeleteSweeper{
		store:     st,
		publisher: publisher,
		search:    search,
		now:       time.Now,
		timeout:   time.Minute,
	}
}

// RemoveObjectsWith makes the sweeper delete the attachment objects of removed cards.
func (s *AutoDeleteSweeper) RemoveObjectsWith(objects ObjectRemover) *AutoDeleteSweeper {
	s.objects = objects
	return s
}

// Sweep runs one pass and returns how many cards were deleted. A failing column is
// logged and skipped.
func (s *AutoDeleteSweeper) Sweep(ctx context.Context) (int, error) {
	columns, err := s.store.ListAutoDeleteColumns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list auto delete columns: %w", err)
	}
	total := 0
	now := s.now()
	for _, col := range columns {
		if col.AfterHours <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(col.AfterHours) * time.Hour)
		expired, err := s.store.DeleteExpiredCards(ctx, col.ColumnID, cutoff)
		if err != nil {
			log.Printf("auto delete column %s: %v", col.ColumnID, err)
			continue
		}
		s.removeObjects(ctx, expired.ObjectKeys)
		deleted := expired.CardIDs
		if len(deleted) == 0 {
			continue
		}
		total += len(deleted)
		for _, cardID := range deleted {
			change := realtime.NewChange(realtime.TableCards, realtime.OpDelete, map[string]string{
				"id":        cardID,
				"board_id":  col.BoardID,
				"column_id": col.ColumnID,
			}, nil)
			if s.publisher != nil {
				if err := s.publisher.Publish(ctx, change); err != nil {
					log.Printf("auto delete publish %s: %v", cardID, err)
				}
			}
		}
		if s.search != nil {
			s.search.DeleteCards(deleted...)
		}
		log.Printf("auto delete column=%s removed=%d", col.ColumnID, len(deleted))
	}
	return total, nil
}

func (s *AutoDeleteSweeper) removeObjects(ctx context.Context, keys []string) {
	if s.objects == nil {
		return
	}
	for _, key := range keys {
		if err := s.objects.Remove(ctx, key); err != nil {
			log.Printf("auto delete object %s: %v", key, err)
		}
	}
}

// Job adapts Sweep to a cron callback.
func (s *AutoDeleteSweeper) Job() func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			log.Printf("auto delete sweep failed: %v", err)
		}
	}
}
