package kanban

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSyncAssigneesRetainsCompletedRows(t *testing.T) {
	fb := newFakeBackend()
	fb.assignees["card-1"] = []Assignee{
		{CardID: "card-1", UserID: "u1", IsCompleted: true},
		{CardID: "card-1", UserID: "u2"},
		{CardID: "card-1", UserID: "u3"},
	}

	result, err := SyncAssignees(context.Background(), fb, fb, "card-1", "u1", []string{"u3", "u4"})
	if err != nil {
		t.Fatalf("SyncAssignees() error = %v", err)
	}

	if strings.Join(result.Added, ",") != "u4" {
		t.Fatalf("unexpected added %v", result.Added)
	}
	if strings.Join(result.Removed, ",") != "u2" {
		t.Fatalf("unexpected removed %v", result.Removed)
	}
	if strings.Join(result.Retained, ",") != "u1" {
		t.Fatalf("unexpected retained %v", result.Retained)
	}

	rows, _ := fb.ListAssignees(context.Background(), "card-1")
	present := map[string]bool{}
	for _, row := range rows {
		present[row.UserID] = true
	}
	if !present["u1"] {
		t.Fatal("completed assignee u1 was deleted")
	}
	if present["u2"] || !present["u3"] || !present["u4"] {
		t.Fatalf("unexpected rows after sync: %+v", rows)
	}
	for _, row := range rows {
		if row.UserID == "u4" && row.IsCompleted {
			t.Fatal("new assignee must start incomplete")
		}
	}
}

func TestSyncAssigneesNotifiesAddedUsersExceptActor(t *testing.T) {
	fb := newFakeBackend()
	result, err := SyncAssignees(context.Background(), fb, fb, "card-1", "actor", []string{"actor", "u2", "u2", "", "u3"})
	if err != nil {
		t.Fatalf("SyncAssignees() error = %v", err)
	}
	if strings.Join(result.Added, ",") != "actor,u2,u3" {
		t.Fatalf("unexpected added %v", result.Added)
	}
	if strings.Join(fb.notified, ",") != "u2,u3" {
		t.Fatalf("expected notifications for u2,u3, got %v", fb.notified)
	}
}

type failingDeletes struct {
	*fakeBackend
}

func (f failingDeletes) DeleteAssignee(context.Context, string, string) error {
	return errBackendDown
}

func TestSyncAssigneesReportsPartialProgress(t *testing.T) {
	fb := newFakeBackend()
	fb.assignees["card-1"] = []Assignee{{CardID: "card-1", UserID: "u1"}}

	result, err := SyncAssignees(context.Background(), failingDeletes{fb}, fb, "card-1", "actor", []string{"u2"})
	if !errors.Is(err, errBackendDown) {
		t.Fatalf("expected delete failure, got %v", err)
	}
	if strings.Join(result.Added, ",") != "u2" {
		t.Fatalf("expected insert to have been applied, got %v", result.Added)
	}
	if len(result.Removed) != 0 {
		t.Fatalf("expected nothing removed, got %v", result.Removed)
	}
}

func TestValidateAssignees(t *testing.T) {
	collab := Collaborative{RequiresAllApproval: true}
	if err := ValidateAssignees(collab, []string{"u1"}); !errors.Is(err, ErrTooFewCollaborators) {
		t.Fatalf("expected ErrTooFewCollaborators, got %v", err)
	}
	if err := ValidateAssignees(collab, []string{"u1", "u1"}); !errors.Is(err, ErrTooFewCollaborators) {
		t.Fatalf("duplicates must not count twice, got %v", err)
	}
	if err := ValidateAssignees(collab, []string{"u1", "u2"}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if err := ValidateAssignees(Normal{}, nil); err != nil {
		t.Fatalf("normal cards have no floor, got %v", err)
	}
}

func TestShouldStartTimer(t *testing.T) {
	started := time.Now()
	cases := []struct {
		name   string
		card   Card
		target string
		want   bool
	}{
		{name: "enters designated column", card: Card{TimerStartColumnID: "b"}, target: "b", want: true},
		{name: "other column", card: Card{TimerStartColumnID: "b"}, target: "c", want: false},
		{name: "already started", card: Card{TimerStartColumnID: "b", TimerStartedAt: &started}, target: "b", want: false},
		{name: "no designated column", card: Card{}, target: "b", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldStartTimer(tc.card, tc.target); got != tc.want {
				t.Fatalf("ShouldStartTimer() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInitialTimer(t *testing.T) {
	now := time.Now()
	minutes := 30
	if got := InitialTimer(Card{EstimatedMinutes: &minutes}, "a", now); got == nil || !got.Equal(now) {
		t.Fatalf("expected immediate start without designated column, got %v", got)
	}
	if got := InitialTimer(Card{EstimatedMinutes: &minutes, TimerStartColumnID: "b"}, "a", now); got != nil {
		t.Fatalf("expected deferred start, got %v", got)
	}
	if got := InitialTimer(Card{EstimatedMinutes: &minutes, TimerStartColumnID: "a"}, "a", now); got == nil {
		t.Fatal("expected start when created in designated column")
	}
	if got := InitialTimer(Card{}, "a", now); got != nil {
		t.Fatalf("expected no timer without estimate, got %v", got)
	}
}
