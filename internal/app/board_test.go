package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"vendaflow/api/internal/gitrepo"
	"vendaflow/api/internal/kanban"
	"vendaflow/api/internal/realtime"
	"vendaflow/api/internal/store"
)

func TestColumnChangesAreRecordedInHistory(t *testing.T) {
	fx := newBoardFixture(t)
	fx.service.git = gitrepo.New(t.TempDir())
	server := NewHTTPServer(fx.service, "*")
	token := fx.token(t, fx.manager)

	rr, payload := doJSON(t, server.Handler(), http.MethodPost, "/api/columns", token,
		`{"name":"Negociação","blockBackwardMovement":true,"autoDelete":{"enabled":true,"afterHours":48}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	column, _ := payload["column"].(map[string]any)
	columnID, _ := column["id"].(string)

	rr, _ = doJSON(t, server.Handler(), http.MethodPut, "/api/columns/"+columnID, token, `{"name":"Fechamento"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload = doJSON(t, server.Handler(), http.MethodGet, "/api/columns/history", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	commits, _ := payload["commits"].([]any)
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	first, _ := commits[1].(map[string]any)
	hash, _ := first["hash"].(string)

	rr, payload = doJSON(t, server.Handler(), http.MethodGet, "/api/columns/history/"+hash, token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	changes, _ := payload["changes"].([]any)
	if len(changes) != 1 {
		t.Fatalf("expected the rename as the only change, got %v", changes)
	}
	change, _ := changes[0].(map[string]any)
	if change["change"] != "updated" {
		t.Fatalf("expected updated change, got %v", change)
	}
}

func TestLoadColumnsOrdersCardsAndReturnsCopies(t *testing.T) {
	fx := newBoardFixture(t)
	fx.addCard(store.Card{ID: "card-b", ColumnID: "col-todo", Title: "B", Position: 1})
	fx.addCard(store.Card{ID: "card-a", ColumnID: "col-todo", Title: "A", Position: 0})

	columns, err := fx.service.backend.LoadColumns(context.Background(), fx.boardID)
	if err != nil {
		t.Fatalf("load columns: %v", err)
	}
	if len(columns) != 3 || columns[0].ID != "col-todo" {
		t.Fatalf("unexpected columns %+v", columns)
	}
	if columns[0].Cards[0].ID != "card-a" || columns[0].Cards[1].ID != "card-b" {
		t.Fatalf("expected cards ordered by position, got %+v", columns[0].Cards)
	}
	if columns[1].Cards == nil {
		t.Fatalf("expected empty columns to carry an empty card list")
	}

	columns[0].Cards[0].Title = "changed"
	again, err := fx.service.backend.LoadColumns(context.Background(), fx.boardID)
	if err != nil {
		t.Fatalf("load columns: %v", err)
	}
	if again[0].Cards[0].Title != "A" {
		t.Fatalf("expected fresh copy, got %q", again[0].Cards[0].Title)
	}
}

func TestLoadColumnsAfterWriteDoesNotJoinEarlierLoad(t *testing.T) {
	fx := newBoardFixture(t)
	fx.addCard(store.Card{ID: "card-1", ColumnID: "col-todo", Title: "Contrato"})

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	fx.store.listAssigneesByBoardFn = func(ctx context.Context, _ string) ([]store.Assignee, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil, ctx.Err()
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := fx.service.backend.LoadColumns(firstCtx, fx.boardID)
		first <- err
	}()
	<-entered

	if err := fx.service.backend.MoveCard(context.Background(), "card-1", "col-done", 0); err != nil {
		t.Fatalf("move card: %v", err)
	}

	type result struct {
		columns []kanban.Column
		err     error
	}
	second := make(chan result, 1)
	go func() {
		columns, err := fx.service.backend.LoadColumns(context.Background(), fx.boardID)
		second <- result{columns, err}
	}()
	select {
	case got := <-second:
		if got.err != nil {
			t.Fatalf("load columns: %v", got.err)
		}
		if len(got.columns[2].Cards) != 1 || got.columns[2].Cards[0].ID != "card-1" {
			t.Fatalf("expected card-1 in col-done after the move, got %+v", got.columns)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("load after the move joined the earlier load")
	}

	cancelFirst()
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("expected the shared load to outlive its first caller, got %v", err)
	}
}

func TestDecodedKindFollowsStoredFlags(t *testing.T) {
	card := toKanbanCard(store.Card{ID: "c", IsCollaborative: true, RequiresAllApproval: true, LeadID: "lead-1"}, []string{"a", "b"})
	collab, ok := card.Approval()
	if !ok {
		t.Fatalf("expected gated collaborative card, got %T", card.Kind)
	}
	if len(collab.Assignees) != 2 {
		t.Fatalf("expected assignees carried on the kind, got %v", collab.Assignees)
	}

	lead := toKanbanCard(store.Card{ID: "c", LeadID: "lead-1"}, nil)
	if _, ok := lead.Kind.(kanban.LeadLinked); !ok {
		t.Fatalf("expected lead kind, got %T", lead.Kind)
	}
}

func TestNotifierFailsOnlyWhenRowInsertFails(t *testing.T) {
	fx := newBoardFixture(t)
	fx.addCard(store.Card{ID: "card-1", ColumnID: "col-todo", Title: "Proposta"})
	pub := fx.recordChanges()

	if err := fx.service.notifier.NotifyAssigned(context.Background(), "card-1", fx.helper.ID, fx.seller.ID); err != nil {
		t.Fatalf("notify: %v", err)
	}
	got := fx.store.notificationsFor(fx.helper.ID)
	if len(got) != 1 {
		t.Fatalf("expected one notification, got %d", len(got))
	}
	if !strings.Contains(got[0].Message, "Bruno") || !strings.Contains(got[0].Message, "Proposta") {
		t.Fatalf("expected actor and card title in message, got %q", got[0].Message)
	}
	tables := pub.tables()
	if len(tables) != 1 || tables[0] != realtime.TableNotifications+":INSERT" {
		t.Fatalf("expected one notifications insert, got %v", tables)
	}

	fx.store.insertNotificationFn = func(context.Context, store.Notification) error {
		return errors.New("disk full")
	}
	if err := fx.service.notifier.NotifyAssigned(context.Background(), "card-1", fx.helper.ID, fx.seller.ID); err == nil {
		t.Fatalf("expected insert failure to surface")
	}
}

func TestAssigneeSyncFailureReturnsError(t *testing.T) {
	fx := newBoardFixture(t)
	fx.store.insertNotificationFn = func(context.Context, store.Notification) error {
		return errors.New("insert failed")
	}
	server := NewHTTPServer(fx.service, "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodPost, "/api/cards", fx.token(t, fx.seller),
		`{"columnId":"col-todo","title":"Proposta","kind":"collaborative","assignees":["usr-seller","usr-helper"]}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["code"] != "ASSIGNEE_SYNC_FAILED" {
		t.Fatalf("expected ASSIGNEE_SYNC_FAILED, got %v", payload["code"])
	}
}

type wsClient struct {
	conn net.Conn
	r    io.Reader
}

func (c *wsClient) send(t *testing.T, msg clientMessage) {
	t.Helper()
	payload, _ := json.Marshal(msg)
	if err := wsutil.WriteClientText(c.conn, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next reads frames until one of the given type arrives.
func (c *wsClient) next(t *testing.T, msgType string) serverMessage {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	rw := struct {
		io.Reader
		io.Writer
	}{c.r, c.conn}
	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			t.Fatalf("read %s frame: %v", msgType, err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("parse frame %s: %v", data, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func dialRealtime(t *testing.T, server *httptest.Server, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/realtime?token=" + token
	conn, br, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	client := &wsClient{conn: conn, r: conn}
	if br != nil {
		client.r = br
	}
	return client
}

func TestRealtimeDragCommitsMove(t *testing.T) {
	fx := newBoardFixture(t)
	fx.addCard(store.Card{ID: "card-1", ColumnID: "col-todo", Title: "Contrato"})
	server := httptest.NewServer(NewHTTPServer(fx.service, "*").Handler())
	defer server.Close()

	client := dialRealtime(t, server, fx.token(t, fx.seller))
	initial := client.next(t, "board")
	if initial.Board == nil || len(initial.Board.Columns) != 3 {
		t.Fatalf("expected initial board with 3 columns, got %+v", initial.Board)
	}

	client.send(t, clientMessage{Type: "drag_start", CardID: "card-1"})
	client.send(t, clientMessage{Type: "drag_over", CardID: "card-1", OverID: "col-doing"})
	over := client.next(t, "outcome")
	if over.Outcome != kanban.OutcomeMoved {
		t.Fatalf("expected moved while hovering, got %s", over.Outcome)
	}
	if fx.store.cards["card-1"].ColumnID != "col-todo" {
		t.Fatalf("expected hover not to persist")
	}

	client.send(t, clientMessage{Type: "drag_end", CardID: "card-1", OverID: "col-doing"})
	end := client.next(t, "outcome")
	if end.Outcome != kanban.OutcomeCommitted {
		t.Fatalf("expected committed, got %s", end.Outcome)
	}
	if got := fx.store.cards["card-1"].ColumnID; got != "col-doing" {
		t.Fatalf("expected card persisted in col-doing, got %s", got)
	}
}

func TestRealtimeBlockedDropSendsNotice(t *testing.T) {
	fx := newBoardFixture(t)
	fx.addCard(store.Card{ID: "card-1", ColumnID: "col-todo", Title: "Proposta", IsCollaborative: true, RequiresAllApproval: true},
		store.Assignee{UserID: fx.seller.ID},
		store.Assignee{UserID: fx.helper.ID},
	)
	server := httptest.NewServer(NewHTTPServer(fx.service, "*").Handler())
	defer server.Close()

	client := dialRealtime(t, server, fx.token(t, fx.seller))
	client.next(t, "board")

	client.send(t, clientMessage{Type: "drag_start", CardID: "card-1"})
	client.send(t, clientMessage{Type: "drag_end", CardID: "card-1", OverID: "col-done"})
	notice := client.next(t, "notice")
	if notice.Notice == nil || notice.Notice.Kind != kanban.NoticeBlocked || notice.Notice.Total != 2 {
		t.Fatalf("expected blocked notice for 0/2, got %+v", notice.Notice)
	}
	end := client.next(t, "outcome")
	if end.Outcome != kanban.OutcomeBlocked {
		t.Fatalf("expected blocked, got %s", end.Outcome)
	}
	if fx.store.cards["card-1"].ColumnID != "col-todo" {
		t.Fatalf("expected card to stay put")
	}
}

func TestRealtimeRejectsMissingToken(t *testing.T) {
	fx := newBoardFixture(t)
	server := NewHTTPServer(fx.service, "*")

	rr, _ := doJSON(t, server.Handler(), http.MethodGet, "/api/realtime", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestRealtimeSubscriptionsCloseWithConnection(t *testing.T) {
	fx := newBoardFixture(t)
	server := httptest.NewServer(NewHTTPServer(fx.service, "*").Handler())
	defer server.Close()

	client := dialRealtime(t, server, fx.token(t, fx.seller))
	client.next(t, "board")
	if fx.service.Hub().Len() != 2 {
		t.Fatalf("expected board and inbox subscriptions, got %d", fx.service.Hub().Len())
	}
	_ = client.conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for fx.service.Hub().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscriptions to close, still %d", fx.service.Hub().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
