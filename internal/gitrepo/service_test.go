package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func snapshotOf(names ...string) Snapshot {
	cols := make([]ColumnConfig, 0, len(names))
	for i, name := range names {
		cols = append(cols, ColumnConfig{ID: fmt.Sprintf("col-%d", i), Name: name, Position: i})
	}
	return Snapshot{Columns: cols}
}

func TestBoardHistoryLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if _, err := svc.History("board-1", 10); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory before first commit, got %v", err)
	}

	first, changed, err := svc.CommitSnapshot("board-1", snapshotOf("A fazer", "Em progresso"), "Ana Souza", "Create columns")
	if err != nil || !changed {
		t.Fatalf("CommitSnapshot() changed=%v err=%v", changed, err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "board-1", ".git")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	same, changed, err := svc.CommitSnapshot("board-1", snapshotOf("A fazer", "Em progresso"), "Ana Souza", "No-op")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if changed || same.Hash != first.Hash {
		t.Fatalf("identical snapshot must not commit, got %+v changed=%v", same, changed)
	}

	updated := snapshotOf("A fazer", "Em progresso", "Concluído")
	updated.Columns[1].BlockBackwardMovement = true
	second, changed, err := svc.CommitSnapshot("board-1", updated, "Ana Souza", "Add completion column")
	if err != nil || !changed {
		t.Fatalf("CommitSnapshot() changed=%v err=%v", changed, err)
	}

	history, err := svc.History("board-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash || history[0].Author != "Ana Souza" {
		t.Fatalf("unexpected history %+v", history)
	}

	snapshot, info, err := svc.GetSnapshotByHash("board-1", first.Hash)
	if err != nil {
		t.Fatalf("GetSnapshotByHash() error = %v", err)
	}
	if info.Hash != first.Hash || len(snapshot.Columns) != 2 {
		t.Fatalf("unexpected snapshot %+v at %+v", snapshot, info)
	}

	limited, err := svc.History("board-1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected one entry with limit, got %d (%v)", len(limited), err)
	}
}

func TestDiffColumns(t *testing.T) {
	from := snapshotOf("A", "B", "C")
	to := snapshotOf("A", "B")
	to.Columns[1].IsCompletionStage = true
	to.Columns = append(to.Columns, ColumnConfig{ID: "col-9", Name: "Novo", Position: 2})

	changes := DiffColumns(from, to)
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %+v", changes)
	}
	want := []struct{ id, change string }{{"col-1", "updated"}, {"col-9", "added"}, {"col-2", "removed"}}
	for i, w := range want {
		if changes[i].ColumnID != w.id || changes[i].Change != w.change {
			t.Fatalf("change %d = %s/%s, want %s/%s", i, changes[i].ColumnID, changes[i].Change, w.id, w.change)
		}
	}
	if HasChanges(from, from) || !HasChanges(from, to) {
		t.Fatal("HasChanges disagrees with DiffColumns")
	}
	if HasChanges(Snapshot{}, Snapshot{Columns: []ColumnConfig{}}) {
		t.Fatal("nil and empty column lists are the same configuration")
	}
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	svc := New(t.TempDir())
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			names := make([]string, i+1)
			for j := range names {
				names[j] = fmt.Sprintf("col %d", j)
			}
			if _, _, err := svc.CommitSnapshot("board-1", snapshotOf(names...), "Bot", fmt.Sprintf("commit %d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent commit failed: %v", err)
	}

	history, err := svc.History("board-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 commits, got %d", len(history))
	}
}

func TestSanitizeEmail(t *testing.T) {
	if got := sanitizeEmail("Ana Souza-Lima"); got != "Ana.Souza.Lima" {
		t.Fatalf("unexpected %q", got)
	}
	if got := sanitizeEmail("ção"); got != "user" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
