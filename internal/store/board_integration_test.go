package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn, PoolConfig{MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func seedBoard(t *testing.T, s *PostgresStore) (Board, []Column) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateOrganization(ctx, Organization{ID: "org-1", Name: "Acme"}); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		if err := s.CreateUser(ctx, User{ID: id, OrganizationID: "org-1", Email: id + "@acme.test", DisplayName: id, Role: "seller"}); err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}
	board, err := s.InsertBoard(ctx, Board{ID: "board-1", OrganizationID: "org-1", CreatedBy: "u1"})
	if err != nil {
		t.Fatalf("insert board: %v", err)
	}
	columns := []Column{
		{ID: "todo", BoardID: board.ID, Name: "A fazer", Position: 0},
		{ID: "doing", BoardID: board.ID, Name: "Em progresso", Position: 1},
		{ID: "done", BoardID: board.ID, Name: "Concluído", Position: 2, IsCompletionStage: true},
	}
	for _, col := range columns {
		if err := s.InsertColumn(ctx, col); err != nil {
			t.Fatalf("insert column %s: %v", col.ID, err)
		}
	}
	return board, columns
}

func TestInsertBoardReturnsExistingOnConflict(t *testing.T) {
	s := openIntegrationStore(t)
	board, _ := seedBoard(t, s)

	again, err := s.InsertBoard(context.Background(), Board{ID: "board-2", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("insert board again: %v", err)
	}
	if again.ID != board.ID {
		t.Fatalf("expected existing board %s, got %s", board.ID, again.ID)
	}
}

func TestMoveCardKeepsSourcePositionsDense(t *testing.T) {
	s := openIntegrationStore(t)
	board, _ := seedBoard(t, s)
	ctx := context.Background()

	for i, id := range []string{"c1", "c2", "c3"} {
		if err := s.InsertCard(ctx, Card{ID: id, BoardID: board.ID, ColumnID: "todo", Title: id, Position: i}); err != nil {
			t.Fatalf("insert card %s: %v", id, err)
		}
	}

	if err := s.MoveCard(ctx, "c1", "doing", 0); err != nil {
		t.Fatalf("move card: %v", err)
	}

	cards, err := s.ListCardsByBoard(ctx, board.ID)
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	positions := map[string]int{}
	columns := map[string]string{}
	for _, card := range cards {
		positions[card.ID] = card.Position
		columns[card.ID] = card.ColumnID
	}
	if columns["c1"] != "doing" || positions["c1"] != 0 {
		t.Fatalf("unexpected moved card column=%s position=%d", columns["c1"], positions["c1"])
	}
	if positions["c2"] != 0 || positions["c3"] != 1 {
		t.Fatalf("expected dense source positions, got c2=%d c3=%d", positions["c2"], positions["c3"])
	}

	if err := s.SetCardPositions(ctx, "todo", []string{"c3", "c2"}); err != nil {
		t.Fatalf("set card positions: %v", err)
	}
	c3, err := s.GetCard(ctx, "c3")
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if c3.Position != 0 {
		t.Fatalf("expected c3 first after reorder, got %d", c3.Position)
	}
}

func TestDeleteAssigneeKeepsCompletedRows(t *testing.T) {
	s := openIntegrationStore(t)
	board, _ := seedBoard(t, s)
	ctx := context.Background()

	if err := s.InsertCard(ctx, Card{ID: "c1", BoardID: board.ID, ColumnID: "doing", Title: "Proposta", IsCollaborative: true, RequiresAllApproval: true}); err != nil {
		t.Fatalf("insert card: %v", err)
	}
	for _, id := range []string{"u1", "u2"} {
		if err := s.InsertAssignee(ctx, "c1", id); err != nil {
			t.Fatalf("insert assignee: %v", err)
		}
	}
	ok, err := s.CompleteAssignee(ctx, "c1", "u1", time.Now())
	if err != nil || !ok {
		t.Fatalf("complete assignee: ok=%v err=%v", ok, err)
	}

	if err := s.DeleteAssignee(ctx, "c1", "u1"); err != nil {
		t.Fatalf("delete assignee u1: %v", err)
	}
	if err := s.DeleteAssignee(ctx, "c1", "u2"); err != nil {
		t.Fatalf("delete assignee u2: %v", err)
	}

	rows, err := s.ListAssignees(ctx, "c1")
	if err != nil {
		t.Fatalf("list assignees: %v", err)
	}
	if len(rows) != 1 || rows[0].UserID != "u1" || !rows[0].IsCompleted || rows[0].CompletedAt == nil {
		t.Fatalf("expected only completed u1 to remain, got %+v", rows)
	}
}

func TestDeleteExpiredCardsUsesColumnEntry(t *testing.T) {
	s := openIntegrationStore(t)
	board, _ := seedBoard(t, s)
	ctx := context.Background()

	done, err := s.GetColumn(ctx, "done")
	if err != nil {
		t.Fatalf("get column: %v", err)
	}
	done.AutoDeleteEnabled = true
	done.AutoDeleteAfterHours = 24
	if err := s.UpdateColumn(ctx, done); err != nil {
		t.Fatalf("update column: %v", err)
	}
	for i, id := range []string{"old", "fresh"} {
		if err := s.InsertCard(ctx, Card{ID: id, BoardID: board.ID, ColumnID: "done", Title: id, Position: i}); err != nil {
			t.Fatalf("insert card: %v", err)
		}
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE cards SET column_entered_at = NOW() - INTERVAL '48 hours' WHERE id='old'`); err != nil {
		t.Fatalf("age card: %v", err)
	}
	for _, item := range []Attachment{
		{ID: "att-1", CardID: "old", ObjectKey: "cards/old/a.pdf", FileName: "a.pdf"},
		{ID: "att-2", CardID: "old", ObjectKey: "cards/old/b.pdf", FileName: "b.pdf"},
		{ID: "att-3", CardID: "fresh", ObjectKey: "cards/fresh/c.pdf", FileName: "c.pdf"},
	} {
		if err := s.InsertAttachment(ctx, item); err != nil {
			t.Fatalf("insert attachment: %v", err)
		}
	}

	columns, err := s.ListAutoDeleteColumns(ctx)
	if err != nil {
		t.Fatalf("list auto delete columns: %v", err)
	}
	if len(columns) != 1 || columns[0].ColumnID != "done" {
		t.Fatalf("unexpected auto delete columns %+v", columns)
	}

	expired, err := s.DeleteExpiredCards(ctx, "done", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete expired cards: %v", err)
	}
	if len(expired.CardIDs) != 1 || expired.CardIDs[0] != "old" {
		t.Fatalf("expected only old to be deleted, got %v", expired.CardIDs)
	}
	if len(expired.ObjectKeys) != 2 {
		t.Fatalf("expected the two objects of old, got %v", expired.ObjectKeys)
	}
	if left, err := s.ListAttachments(ctx, "fresh"); err != nil || len(left) != 1 {
		t.Fatalf("expected fresh attachment to stay, got %v %v", left, err)
	}
	fresh, err := s.GetCard(ctx, "fresh")
	if err != nil {
		t.Fatalf("get fresh card: %v", err)
	}
	if fresh.Position != 0 {
		t.Fatalf("expected fresh card renumbered to 0, got %d", fresh.Position)
	}
	if _, err := s.GetCard(ctx, "old"); !IsNotFound(err) {
		t.Fatalf("expected old card to be gone, got %v", err)
	}
}

func TestCreateUserDuplicateEmailConflicts(t *testing.T) {
	s := openIntegrationStore(t)
	seedBoard(t, s)

	err := s.CreateUser(context.Background(), User{ID: "u9", OrganizationID: "org-1", Email: "U1@acme.test", DisplayName: "Dup", Role: "seller"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestConsumeInviteIsSingleUse(t *testing.T) {
	s := openIntegrationStore(t)
	seedBoard(t, s)
	ctx := context.Background()
	now := time.Now()

	for _, invite := range []Invite{
		{TokenHash: "open", OrganizationID: "org-1", Role: "seller", ExpiresAt: now.Add(time.Hour)},
		{TokenHash: "bound", OrganizationID: "org-1", Role: "viewer", Email: "Vera@Acme.test", ExpiresAt: now.Add(time.Hour)},
		{TokenHash: "stale", OrganizationID: "org-1", Role: "seller", ExpiresAt: now.Add(-time.Hour)},
	} {
		if err := s.CreateInvite(ctx, invite); err != nil {
			t.Fatalf("create invite %s: %v", invite.TokenHash, err)
		}
	}

	invite, err := s.ConsumeInvite(ctx, "open", "nova@acme.test", now)
	if err != nil {
		t.Fatalf("consume invite: %v", err)
	}
	if invite.OrganizationID != "org-1" || invite.UsedAt == nil {
		t.Fatalf("unexpected invite %+v", invite)
	}
	if _, err := s.ConsumeInvite(ctx, "open", "nova@acme.test", now); !IsNotFound(err) {
		t.Fatalf("expected a used invite to be gone, got %v", err)
	}
	if _, err := s.ConsumeInvite(ctx, "stale", "nova@acme.test", now); !IsNotFound(err) {
		t.Fatalf("expected an expired invite to be rejected, got %v", err)
	}
	if _, err := s.ConsumeInvite(ctx, "bound", "other@acme.test", now); !IsNotFound(err) {
		t.Fatalf("expected an invite for another email to be rejected, got %v", err)
	}
	if _, err := s.ConsumeInvite(ctx, "bound", "vera@acme.test", now); err != nil {
		t.Fatalf("expected the addressed email to redeem, got %v", err)
	}
}
