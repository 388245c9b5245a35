package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"vendaflow/api/internal/config"
	"vendaflow/api/internal/realtime"
	"vendaflow/api/internal/store"
)

// fakeStore keeps rows in memory. The Fn fields override single methods for tests that
// need a failure or want to observe a call.
type fakeStore struct {
	mu sync.Mutex

	orgs          map[string]store.Organization
	users         map[string]store.User
	boards        map[string]store.Board
	columns       map[string]store.Column
	cards         map[string]store.Card
	assignees     map[string][]store.Assignee
	notifications []store.Notification
	attachments   map[string]store.Attachment
	refresh       map[string]string
	revoked       map[string]bool
	invites       map[string]store.Invite

	moveCardFn             func(context.Context, string, string, int) error
	listAssigneesFn        func(context.Context, string) ([]store.Assignee, error)
	listAssigneesByBoardFn func(context.Context, string) ([]store.Assignee, error)
	insertNotificationFn   func(context.Context, store.Notification) error
	pingFn                 func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orgs:        map[string]store.Organization{},
		users:       map[string]store.User{},
		boards:      map[string]store.Board{},
		columns:     map[string]store.Column{},
		cards:       map[string]store.Card{},
		assignees:   map[string][]store.Assignee{},
		attachments: map[string]store.Attachment{},
		refresh:     map[string]string{},
		invites:     map[string]store.Invite{},
		revoked:     map[string]bool{},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.users[userID], nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) CreateOrganization(_ context.Context, org store.Organization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgs[org.ID] = org
	return nil
}

func (f *fakeStore) GetOrganization(_ context.Context, id string) (store.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.orgs[id]
	if !ok {
		return store.Organization{}, sql.ErrNoRows
	}
	return org, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return store.ErrConflict
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) CreateInvite(_ context.Context, invite store.Invite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.invites[invite.TokenHash]; ok {
		return store.ErrConflict
	}
	f.invites[invite.TokenHash] = invite
	return nil
}

func (f *fakeStore) ConsumeInvite(_ context.Context, tokenHash, email string, now time.Time) (store.Invite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invite, ok := f.invites[tokenHash]
	if !ok || invite.UsedAt != nil || !invite.ExpiresAt.After(now) {
		return store.Invite{}, sql.ErrNoRows
	}
	if invite.Email != "" && invite.Email != email {
		return store.Invite{}, sql.ErrNoRows
	}
	invite.UsedAt = &now
	f.invites[tokenHash] = invite
	return invite, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) ListUsers(_ context.Context, ids []string) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []store.User{}
	for _, id := range ids {
		if user, ok := f.users[id]; ok {
			items = append(items, user)
		}
	}
	return items, nil
}

func (f *fakeStore) ListOrganizationUsers(_ context.Context, orgID string) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []store.User{}
	for _, user := range f.users {
		if user.OrganizationID == orgID {
			items = append(items, user)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DisplayName < items[j].DisplayName })
	return items, nil
}

func (f *fakeStore) UpdatePushToken(_ context.Context, userID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PushToken = token
	f.users[userID] = user
	return nil
}

func (f *fakeStore) GetBoardByOrganization(_ context.Context, orgID string) (store.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, board := range f.boards {
		if board.OrganizationID == orgID {
			return board, nil
		}
	}
	return store.Board{}, sql.ErrNoRows
}

func (f *fakeStore) GetBoard(_ context.Context, id string) (store.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	board, ok := f.boards[id]
	if !ok {
		return store.Board{}, sql.ErrNoRows
	}
	return board, nil
}

func (f *fakeStore) InsertBoard(_ context.Context, board store.Board) (store.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.boards {
		if existing.OrganizationID == board.OrganizationID {
			return existing, nil
		}
	}
	f.boards[board.ID] = board
	return board, nil
}

func (f *fakeStore) ListColumns(_ context.Context, boardID string) ([]store.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []store.Column{}
	for _, col := range f.columns {
		if col.BoardID == boardID {
			items = append(items, col)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (f *fakeStore) GetColumn(_ context.Context, id string) (store.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.columns[id]
	if !ok {
		return store.Column{}, sql.ErrNoRows
	}
	return col, nil
}

func (f *fakeStore) NextColumnPosition(_ context.Context, boardID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := 0
	for _, col := range f.columns {
		if col.BoardID == boardID && col.Position >= next {
			next = col.Position + 1
		}
	}
	return next, nil
}

func (f *fakeStore) InsertColumn(_ context.Context, col store.Column) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.columns[col.ID] = col
	return nil
}

func (f *fakeStore) UpdateColumn(_ context.Context, col store.Column) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.columns[col.ID]; !ok {
		return sql.ErrNoRows
	}
	f.columns[col.ID] = col
	return nil
}

func (f *fakeStore) ColumnCardCount(_ context.Context, columnID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, card := range f.cards {
		if card.ColumnID == columnID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) DeleteColumn(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.columns[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.columns, id)
	return nil
}

func (f *fakeStore) SetColumnPositions(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range ids {
		col := f.columns[id]
		col.Position = i
		f.columns[id] = col
	}
	return nil
}

func (f *fakeStore) ListCardsByBoard(_ context.Context, boardID string) ([]store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []store.Card{}
	for _, card := range f.cards {
		if card.BoardID == boardID {
			items = append(items, card)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (f *fakeStore) ListCardsByIDs(_ context.Context, ids []string) ([]store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []store.Card{}
	for _, id := range ids {
		if card, ok := f.cards[id]; ok {
			items = append(items, card)
		}
	}
	return items, nil
}

func (f *fakeStore) GetCard(_ context.Context, id string) (store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[id]
	if !ok {
		return store.Card{}, sql.ErrNoRows
	}
	return card, nil
}

func (f *fakeStore) NextCardPosition(_ context.Context, columnID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := 0
	for _, card := range f.cards {
		if card.ColumnID == columnID && card.Position >= next {
			next = card.Position + 1
		}
	}
	return next, nil
}

func (f *fakeStore) InsertCard(_ context.Context, card store.Card) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[card.ID] = card
	return nil
}

func (f *fakeStore) UpdateCardContent(_ context.Context, card store.Card) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.cards[card.ID]
	if !ok {
		return sql.ErrNoRows
	}
	card.ColumnID = existing.ColumnID
	card.Position = existing.Position
	card.BoardID = existing.BoardID
	f.cards[card.ID] = card
	return nil
}

func (f *fakeStore) MoveCard(ctx context.Context, cardID, columnID string, position int) error {
	if f.moveCardFn != nil {
		return f.moveCardFn(ctx, cardID, columnID, position)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[cardID]
	if !ok {
		return sql.ErrNoRows
	}
	if card.ColumnID != columnID {
		card.ColumnEnteredAt = time.Now()
	}
	card.ColumnID = columnID
	card.Position = position
	f.cards[cardID] = card
	return nil
}

func (f *fakeStore) StartTimer(_ context.Context, cardID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[cardID]
	if !ok {
		return sql.ErrNoRows
	}
	if card.TimerStartedAt == nil {
		card.TimerStartedAt = &at
	}
	f.cards[cardID] = card
	return nil
}

func (f *fakeStore) SetCardPositions(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range ids {
		card := f.cards[id]
		card.Position = i
		f.cards[id] = card
	}
	return nil
}

func (f *fakeStore) DeleteCard(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cards[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.cards, id)
	delete(f.assignees, id)
	return nil
}

func (f *fakeStore) ListAssignees(ctx context.Context, cardID string) ([]store.Assignee, error) {
	if f.listAssigneesFn != nil {
		return f.listAssigneesFn(ctx, cardID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Assignee{}, f.assignees[cardID]...), nil
}

func (f *fakeStore) ListAssigneesByBoard(ctx context.Context, boardID string) ([]store.Assignee, error) {
	if f.listAssigneesByBoardFn != nil {
		return f.listAssigneesByBoardFn(ctx, boardID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []store.Assignee{}
	for cardID, rows := range f.assignees {
		if f.cards[cardID].BoardID == boardID {
			items = append(items, rows...)
		}
	}
	return items, nil
}

func (f *fakeStore) InsertAssignee(_ context.Context, cardID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.assignees[cardID] {
		if row.UserID == userID {
			return nil
		}
	}
	f.assignees[cardID] = append(f.assignees[cardID], store.Assignee{CardID: cardID, UserID: userID})
	return nil
}

func (f *fakeStore) DeleteAssignee(_ context.Context, cardID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.assignees[cardID]
	kept := rows[:0]
	for _, row := range rows {
		if row.UserID != userID {
			kept = append(kept, row)
		}
	}
	f.assignees[cardID] = kept
	return nil
}

func (f *fakeStore) CompleteAssignee(_ context.Context, cardID, userID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.assignees[cardID]
	for i, row := range rows {
		if row.UserID == userID {
			rows[i].IsCompleted = true
			rows[i].CompletedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertNotification(ctx context.Context, item store.Notification) error {
	if f.insertNotificationFn != nil {
		return f.insertNotificationFn(ctx, item)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = time.Now()
	f.notifications = append(f.notifications, item)
	return nil
}

func (f *fakeStore) ListNotifications(_ context.Context, userID string, limit int) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []store.Notification{}
	for i := len(f.notifications) - 1; i >= 0 && len(items) < limit; i-- {
		if f.notifications[i].UserID == userID {
			items = append(items, f.notifications[i])
		}
	}
	return items, nil
}

func (f *fakeStore) MarkNotificationRead(_ context.Context, id, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, item := range f.notifications {
		if item.ID == id && item.UserID == userID {
			now := time.Now()
			f.notifications[i].ReadAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertAttachment(_ context.Context, item store.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[item.ID] = item
	return nil
}

func (f *fakeStore) ListAttachments(_ context.Context, cardID string) ([]store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []store.Attachment{}
	for _, item := range f.attachments {
		if item.CardID == cardID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (f *fakeStore) GetAttachment(_ context.Context, id string) (store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.attachments[id]
	if !ok {
		return store.Attachment{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) DeleteAttachment(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attachments, id)
	return nil
}

func (f *fakeStore) notificationsFor(userID string) []store.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Notification
	for _, item := range f.notifications {
		if item.UserID == userID {
			items = append(items, item)
		}
	}
	return items
}

// boardFixture is one organization with a three column board: todo, doing and done.
type boardFixture struct {
	store   *fakeStore
	service *Service
	boardID string
	manager store.User
	seller  store.User
	helper  store.User
}

func newBoardFixture(t *testing.T) *boardFixture {
	t.Helper()
	fs := newFakeStore()
	fs.orgs["org-1"] = store.Organization{ID: "org-1", Name: "Acme"}
	fx := &boardFixture{
		store:   fs,
		boardID: "brd-1",
		manager: store.User{ID: "usr-manager", OrganizationID: "org-1", DisplayName: "Marina", Email: "marina@acme.test", Role: "manager"},
		seller:  store.User{ID: "usr-seller", OrganizationID: "org-1", DisplayName: "Bruno", Email: "bruno@acme.test", Role: "seller"},
		helper:  store.User{ID: "usr-helper", OrganizationID: "org-1", DisplayName: "Carla", Email: "carla@acme.test", Role: "seller"},
	}
	for _, user := range []store.User{fx.manager, fx.seller, fx.helper} {
		fs.users[user.ID] = user
	}
	fs.boards[fx.boardID] = store.Board{ID: fx.boardID, OrganizationID: "org-1", CreatedBy: fx.manager.ID}
	fs.columns["col-todo"] = store.Column{ID: "col-todo", BoardID: fx.boardID, Name: "A fazer", Position: 0}
	fs.columns["col-doing"] = store.Column{ID: "col-doing", BoardID: fx.boardID, Name: "Em progresso", Position: 1, BlockBackwardMovement: true}
	fs.columns["col-done"] = store.Column{ID: "col-done", BoardID: fx.boardID, Name: "Concluído", Position: 2, IsCompletionStage: true}

	fx.service = newService(config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
		InviteTTL:      time.Hour,
		MaxUploadBytes: 1 << 20,
		AppURL:         "http://app.test",
	}, fs)
	return fx
}

func (fx *boardFixture) addCard(card store.Card, assignees ...store.Assignee) {
	card.BoardID = fx.boardID
	fx.store.cards[card.ID] = card
	for _, row := range assignees {
		row.CardID = card.ID
		fx.store.assignees[card.ID] = append(fx.store.assignees[card.ID], row)
	}
}

func (fx *boardFixture) session(t *testing.T, user store.User) Session {
	t.Helper()
	session, err := fx.service.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session
}

func (fx *boardFixture) token(t *testing.T, user store.User) string {
	t.Helper()
	return fx.session(t, user).Token
}

// recordingPublisher captures every published change.
type recordingPublisher struct {
	mu      sync.Mutex
	changes []realtime.Change
}

func (p *recordingPublisher) Publish(_ context.Context, change realtime.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return nil
}

func (p *recordingPublisher) tables() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := make([]string, 0, len(p.changes))
	for _, change := range p.changes {
		items = append(items, change.Table+":"+string(change.Op))
	}
	return items
}

func (fx *boardFixture) recordChanges() *recordingPublisher {
	pub := &recordingPublisher{}
	fx.service.publisher = pub
	fx.service.wire()
	return pub
}
