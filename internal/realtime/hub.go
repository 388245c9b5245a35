// Package realtime fans row-level change events out to subscribers. Subscriptions are
// explicit handles owned by the caller.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
)

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

const (
	TableCards         = "cards"
	TableColumns       = "board_columns"
	TableCardAssignees = "card_assignees"
	TableNotifications = "notifications"
	TableProfiles      = "users"
)

// Change is one row-level event. Keys carries the identifying columns of the row
// (for example id, board_id, user_id) and is what filters match against.
type Change struct {
	Table  string            `json:"table"`
	Op     Op                `json:"op"`
	Keys   map[string]string `json:"keys"`
	Record json.RawMessage   `json:"record,omitempty"`
}

// NewChange marshals record into a Change. Marshal failures leave Record empty.
func NewChange(table string, op Op, keys map[string]string, record any) Change {
	change := Change{Table: table, Op: op, Keys: keys}
	if record != nil {
		if raw, err := json.Marshal(record); err == nil {
			change.Record = raw
		} else {
			log.Printf("realtime: marshal %s record: %v", table, err)
		}
	}
	return change
}

// Filter matches changes whose Keys[Column] equals Value. The zero Filter matches all.
type Filter struct {
	Column string
	Value  string
}

// Topic selects changes by table and filter. An empty Table matches every table.
type Topic struct {
	Table  string
	Filter Filter
}

func (t Topic) matches(change Change) bool {
	if t.Table != "" && t.Table != change.Table {
		return false
	}
	if t.Filter.Column == "" {
		return true
	}
	return change.Keys[t.Filter.Column] == t.Filter.Value
}

// Publisher delivers a change to every interested subscriber.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

// Subscription is a live registration on a Hub. Close is idempotent; after it returns
// no further changes are delivered and C is closed.
type Subscription struct {
	id    uint64
	hub   *Hub
	topic Topic
	ch    chan Change
	once  sync.Once
}

func (s *Subscription) C() <-chan Change {
	return s.ch
}

func (s *Subscription) Topic() Topic {
	return s.topic
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
		close(s.ch)
	})
}

type Hub struct {
	mu     sync.RWMutex
	next   uint64
	subs   map[uint64]*Subscription
	buffer int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription), buffer: 64}
}

func (h *Hub) Subscribe(topic Topic) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	sub := &Subscription{id: h.next, hub: h, topic: topic, ch: make(chan Change, h.buffer)}
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers change to matching subscribers without blocking. A subscriber whose
// buffer is full misses the change.
func (h *Hub) Publish(_ context.Context, change Change) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.topic.matches(change) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			log.Printf("realtime: subscriber %d is full, dropped %s %s", sub.id, change.Op, change.Table)
		}
	}
	return nil
}
