package app

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"vendaflow/api/internal/kanban"
	"vendaflow/api/internal/rbac"
	"vendaflow/api/internal/realtime"
)

type clientMessage struct {
	Type   string `json:"type"`
	CardID string `json:"cardId"`
	OverID string `json:"overId"`
}

type serverMessage struct {
	Type    string           `json:"type"`
	Outcome kanban.Outcome   `json:"outcome,omitempty"`
	Board   *BoardView       `json:"board,omitempty"`
	Notice  *kanban.Notice   `json:"notice,omitempty"`
	Change  *realtime.Change `json:"change,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// boardConn is one websocket client: its local board store, the drag session over it
// and the change subscriptions it owns.
type boardConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	boardID string
	store   *kanban.Store
	drag    *kanban.DragSession
	loader  kanban.BoardLoader

	// reloads triggered by a change skip loads that may predate it
	fresh kanban.BoardLoader
}

func (c *boardConn) send(msg serverMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, payload)
}

func (c *boardConn) sendBoard(msgType string, outcome kanban.Outcome) error {
	snapshot := c.store.Snapshot()
	return c.send(serverMessage{
		Type:    msgType,
		Outcome: outcome,
		Board:   &BoardView{ID: c.boardID, Columns: snapshot.Columns},
	})
}

func (s *HTTPServer) handleRealtime(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	board, err := s.service.orgBoard(r.Context(), session)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	columns, err := s.service.backend.LoadColumns(r.Context(), board.ID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	// the server's read and write timeouts stay armed on hijacked connections
	_ = conn.SetDeadline(time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &boardConn{
		conn:    conn,
		boardID: board.ID,
		store:   kanban.NewStore(kanban.Board{ID: board.ID, Columns: columns}),
		loader:  s.service.backend,
		fresh:   freshLoader{backend: s.service.backend},
	}
	client.drag = kanban.NewDragSession(board.ID, client.store, s.service.backend, func(n kanban.Notice) {
		notice := n
		if err := client.send(serverMessage{Type: "notice", Notice: &notice}); err != nil {
			log.Printf("realtime: send notice: %v", err)
		}
	})
	if s.service.require(session, rbac.ActionWrite) != nil {
		client.drag = nil
	}

	boardSub := s.service.hub.Subscribe(realtime.Topic{Filter: realtime.Filter{Column: "board_id", Value: board.ID}})
	defer boardSub.Close()
	inboxSub := s.service.hub.Subscribe(realtime.Topic{
		Table:  realtime.TableNotifications,
		Filter: realtime.Filter{Column: "user_id", Value: session.UserID},
	})
	defer inboxSub.Close()

	if err := client.sendBoard("board", ""); err != nil {
		return
	}

	go client.forward(ctx, boardSub, inboxSub)

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = client.send(serverMessage{Type: "error", Error: "invalid message"})
			continue
		}
		if err := client.handle(ctx, msg); err != nil {
			return
		}
	}
}

func (c *boardConn) handle(ctx context.Context, msg clientMessage) error {
	if msg.Type == "reload" {
		if err := kanban.Reconcile(ctx, c.loader, c.boardID, c.store); err != nil {
			log.Printf("realtime: reload board %s: %v", c.boardID, err)
			return c.send(serverMessage{Type: "error", Error: "reload failed"})
		}
		return c.sendBoard("outcome", kanban.OutcomeReloaded)
	}

	if c.drag == nil {
		return c.send(serverMessage{Type: "error", Error: "forbidden"})
	}

	switch msg.Type {
	case "drag_start":
		if !c.drag.DragStart(msg.CardID) {
			return c.send(serverMessage{Type: "outcome", Outcome: kanban.OutcomeNoop})
		}
		return nil
	case "drag_over":
		outcome := c.drag.DragOver(ctx, msg.CardID, msg.OverID)
		if outcome == kanban.OutcomeStale || outcome == kanban.OutcomeNoop {
			return c.send(serverMessage{Type: "outcome", Outcome: outcome})
		}
		return c.sendBoard("outcome", outcome)
	case "drag_end":
		return c.sendBoard("outcome", c.drag.DragEnd(ctx, msg.CardID, msg.OverID))
	default:
		return c.send(serverMessage{Type: "error", Error: "unknown message type"})
	}
}

// forward relays subscribed changes to the client. Board changes received while no drag
// is in flight reconcile the local store so the client always sees backend state.
func (c *boardConn) forward(ctx context.Context, boardSub, inboxSub *realtime.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-inboxSub.C():
			if !ok {
				return
			}
			if err := c.send(serverMessage{Type: "change", Change: &change}); err != nil {
				return
			}
		case change, ok := <-boardSub.C():
			if !ok {
				return
			}
			if err := c.send(serverMessage{Type: "change", Change: &change}); err != nil {
				return
			}
			if c.drag != nil && c.drag.Active() != "" {
				continue
			}
			if err := kanban.Reconcile(ctx, c.fresh, c.boardID, c.store); err != nil {
				log.Printf("realtime: reconcile board %s: %v", c.boardID, err)
				continue
			}
			if err := c.sendBoard("board", ""); err != nil {
				return
			}
		}
	}
}
