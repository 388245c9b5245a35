package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vendaflow/api/internal/auth"
	"vendaflow/api/internal/authpw"
	"vendaflow/api/internal/config"
	"vendaflow/api/internal/email"
	"vendaflow/api/internal/export"
	"vendaflow/api/internal/gitrepo"
	"vendaflow/api/internal/push"
	"vendaflow/api/internal/rbac"
	"vendaflow/api/internal/realtime"
	"vendaflow/api/internal/search"
	"vendaflow/api/internal/storage"
	"vendaflow/api/internal/store"
	"vendaflow/api/internal/util"
)

type Session struct {
	Token          string
	RefreshToken   string
	UserID         string
	UserName       string
	Role           string
	OrganizationID string
	JTI            string
	ExpiresAt      time.Time
}

type dataStore interface {
	sessionStore
	Ping(ctx context.Context) error

	CreateOrganization(context.Context, store.Organization) error
	GetOrganization(context.Context, string) (store.Organization, error)
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateInvite(context.Context, store.Invite) error
	ConsumeInvite(context.Context, string, string, time.Time) (store.Invite, error)
	GetUserByID(context.Context, string) (store.User, error)
	ListUsers(context.Context, []string) ([]store.User, error)
	ListOrganizationUsers(context.Context, string) ([]store.User, error)
	UpdatePushToken(context.Context, string, string) error

	GetBoardByOrganization(context.Context, string) (store.Board, error)
	GetBoard(context.Context, string) (store.Board, error)
	InsertBoard(context.Context, store.Board) (store.Board, error)
	ListColumns(context.Context, string) ([]store.Column, error)
	GetColumn(context.Context, string) (store.Column, error)
	NextColumnPosition(context.Context, string) (int, error)
	InsertColumn(context.Context, store.Column) error
	UpdateColumn(context.Context, store.Column) error
	ColumnCardCount(context.Context, string) (int, error)
	DeleteColumn(context.Context, string) error
	SetColumnPositions(context.Context, string, []string) error

	ListCardsByBoard(context.Context, string) ([]store.Card, error)
	ListCardsByIDs(context.Context, []string) ([]store.Card, error)
	GetCard(context.Context, string) (store.Card, error)
	NextCardPosition(context.Context, string) (int, error)
	InsertCard(context.Context, store.Card) error
	UpdateCardContent(context.Context, store.Card) error
	MoveCard(context.Context, string, string, int) error
	StartTimer(context.Context, string, time.Time) error
	SetCardPositions(context.Context, string, []string) error
	DeleteCard(context.Context, string) error

	ListAssignees(context.Context, string) ([]store.Assignee, error)
	ListAssigneesByBoard(context.Context, string) ([]store.Assignee, error)
	InsertAssignee(context.Context, string, string) error
	DeleteAssignee(context.Context, string, string) error
	CompleteAssignee(context.Context, string, string, time.Time) (bool, error)

	InsertNotification(context.Context, store.Notification) error
	ListNotifications(context.Context, string, int) ([]store.Notification, error)
	MarkNotificationRead(context.Context, string, string) (bool, error)

	InsertAttachment(context.Context, store.Attachment) error
	ListAttachments(context.Context, string) ([]store.Attachment, error)
	GetAttachment(context.Context, string) (store.Attachment, error)
	DeleteAttachment(context.Context, string) error
}

// sessionStore holds refresh sessions and revoked access tokens. Postgres serves it by
// default; Redis replaces it when configured.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type historyService interface {
	CommitSnapshot(string, gitrepo.Snapshot, string, string) (store.CommitInfo, bool, error)
	History(string, int) ([]store.CommitInfo, error)
	GetSnapshotByHash(string, string) (gitrepo.Snapshot, store.CommitInfo, error)
}

type cardIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexCard(search.CardRecord)
	DeleteCards(...string)
}

type reportExporter interface {
	Export(context.Context, export.Report, export.Format) (*export.Result, error)
}

type objectStore interface {
	Put(context.Context, string, io.Reader, int64, string) (storage.Object, error)
	PresignedGet(context.Context, string, string, time.Duration) (string, error)
	Remove(context.Context, string) error
}

type pushSender interface {
	Send(context.Context, push.Message) error
}

type mailer interface {
	IsConfigured() bool
	SendTaskAssigned(string, email.TaskData) error
	SendApprovalCompleted(string, email.TaskData) error
	SendInvite(string, email.InviteData) error
}

// Deps are the optional collaborators of the service. Nil fields disable the feature
// they back.
type Deps struct {
	Sessions sessionStore
	Hub      *realtime.Hub
	// Publisher fans changes out across instances; defaults to Hub.
	Publisher realtime.Publisher
	History   *gitrepo.Service
	Search    *search.Service
	Exporter  *export.Service
	Files     *storage.MinIO
	Push      *push.Notifier
	Email     *email.Service
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	git       historyService
	hub       *realtime.Hub
	publisher realtime.Publisher
	index     cardIndex
	exporter  reportExporter
	files     objectStore
	passwords *authpw.Service
	notifier  *Notifier
	backend   *boardBackend
	now       func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, deps Deps) *Service {
	svc := newService(cfg, dataStore)
	if deps.Sessions != nil {
		svc.sessions = deps.Sessions
	}
	if deps.Hub != nil {
		svc.hub = deps.Hub
	}
	svc.publisher = svc.hub
	if deps.Publisher != nil {
		svc.publisher = deps.Publisher
	}
	if deps.History != nil {
		svc.git = deps.History
	}
	if deps.Search != nil {
		svc.index = deps.Search
	}
	if deps.Exporter != nil {
		svc.exporter = deps.Exporter
	}
	if deps.Files != nil {
		svc.files = deps.Files
	}
	if deps.Push != nil && deps.Push.Enabled() {
		svc.notifier.push = deps.Push
	}
	if deps.Email != nil && deps.Email.IsConfigured() {
		svc.notifier.mail = deps.Email
	}
	svc.wire()
	return svc
}

func newService(cfg config.Config, ds dataStore) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    ds,
		sessions: ds,
		hub:      realtime.NewHub(),
		now:      time.Now,
	}
	svc.notifier = &Notifier{store: ds, boardURL: strings.TrimRight(cfg.AppURL, "/") + "/quadro"}
	svc.passwords = authpw.NewService(ds)
	svc.publisher = svc.hub
	svc.wire()
	return svc
}

// wire points the helpers at the current publisher and index.
func (s *Service) wire() {
	s.notifier.publisher = s.publisher
	s.backend = &boardBackend{store: s.store, publisher: s.publisher, index: s.index}
}

func (s *Service) Hub() *realtime.Hub {
	return s.hub
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) require(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return errForbidden
	}
	return nil
}

type SignUpInput struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	DisplayName      string `json:"displayName"`
	OrganizationName string `json:"organizationName"`
	InviteToken      string `json:"inviteToken"`
}

func (s *Service) SignUp(ctx context.Context, input SignUpInput) (Session, error) {
	var invalid authpw.ValidationError
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Email:            input.Email,
		Password:         input.Password,
		DisplayName:      input.DisplayName,
		OrganizationName: input.OrganizationName,
		InviteToken:      input.InviteToken,
	})
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrInvalidInvite):
		return Session{}, domainError(http.StatusForbidden, "INVITE_INVALID", "Invite is invalid, used or expired", nil)
	case errors.As(err, &invalid):
		return Session{}, validationError(invalid.Error())
	case err != nil:
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, emailAddr, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	owner, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, owner.ID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Role:  user.Role,
		OrgID: user.OrganizationID,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:          token,
		RefreshToken:   refresh,
		UserID:         user.ID,
		UserName:       user.DisplayName,
		Role:           user.Role,
		OrganizationID: user.OrganizationID,
		JTI:            jti,
		ExpiresAt:      expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:          token,
		UserID:         user.ID,
		UserName:       user.DisplayName,
		Role:           user.Role,
		OrganizationID: user.OrganizationID,
		JTI:            claims.JTI,
		ExpiresAt:      time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.Printf("logout: revoke access token: %v", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Printf("logout: revoke refresh session: %v", err)
		}
	}
	return nil
}

func (s *Service) RegisterPushToken(ctx context.Context, session Session, token string) error {
	if err := s.store.UpdatePushToken(ctx, session.UserID, strings.TrimSpace(token)); err != nil {
		return fmt.Errorf("register push token: %w", err)
	}
	return nil
}

type MemberView struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (s *Service) Members(ctx context.Context, session Session) ([]MemberView, error) {
	users, err := s.store.ListOrganizationUsers(ctx, session.OrganizationID)
	if err != nil {
		return nil, err
	}
	items := make([]MemberView, 0, len(users))
	for _, user := range users {
		items = append(items, MemberView{
			ID:          user.ID,
			DisplayName: user.DisplayName,
			Email:       user.Email,
			Role:        user.Role,
			AvatarURL:   user.AvatarURL,
		})
	}
	return items, nil
}

type InviteInput struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type InviteView struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateInvite issues a single-use token that lets its holder sign up into the session's
// organization. The token is only returned here; the store keeps its hash.
func (s *Service) CreateInvite(ctx context.Context, session Session, input InviteInput) (InviteView, error) {
	if err := s.require(session, rbac.ActionConfigure); err != nil {
		return InviteView{}, err
	}
	roleName := strings.TrimSpace(input.Role)
	if roleName == "" {
		roleName = string(rbac.RoleSeller)
	}
	role := rbac.Role(roleName)
	if rbac.Normalize(roleName) != role {
		return InviteView{}, validationError("role must be admin, manager, seller or viewer")
	}
	if !rbac.CanGrant(rbac.Normalize(session.Role), role) {
		return InviteView{}, domainError(http.StatusForbidden, "ROLE_NOT_GRANTABLE", "You cannot invite members with this role", nil)
	}
	emailAddr := strings.ToLower(strings.TrimSpace(input.Email))
	if emailAddr != "" && !strings.Contains(emailAddr, "@") {
		return InviteView{}, validationError("email is invalid")
	}

	token := util.NewID("inv") + util.NewID("")
	expiresAt := s.now().Add(s.cfg.InviteTTL)
	if err := s.store.CreateInvite(ctx, store.Invite{
		TokenHash:      auth.HashToken(token),
		OrganizationID: session.OrganizationID,
		Role:           string(role),
		Email:          emailAddr,
		CreatedBy:      session.UserID,
		ExpiresAt:      expiresAt,
	}); err != nil {
		return InviteView{}, fmt.Errorf("create invite: %w", err)
	}

	view := InviteView{
		Token:     token,
		URL:       strings.TrimRight(s.cfg.AppURL, "/") + "/cadastro?convite=" + url.QueryEscape(token),
		Email:     emailAddr,
		Role:      string(role),
		ExpiresAt: expiresAt,
	}
	if emailAddr != "" && s.notifier.mail != nil {
		orgName := ""
		if org, err := s.store.GetOrganization(ctx, session.OrganizationID); err == nil {
			orgName = org.Name
		}
		data := email.InviteData{InviterName: session.UserName, OrganizationName: orgName, AcceptURL: view.URL}
		go func(m mailer) {
			if err := m.SendInvite(emailAddr, data); err != nil {
				log.Printf("invite: send email to %s: %v", emailAddr, err)
			}
		}(s.notifier.mail)
	}
	return view, nil
}

type NotificationView struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	CardID    string     `json:"cardId,omitempty"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (s *Service) Notifications(ctx context.Context, session Session, limit int) ([]NotificationView, error) {
	rows, err := s.store.ListNotifications(ctx, session.UserID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]NotificationView, 0, len(rows))
	for _, row := range rows {
		items = append(items, notificationView(row))
	}
	return items, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	ok, err := s.store.MarkNotificationRead(ctx, notificationID, session.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return domainError(http.StatusNotFound, "NOTIFICATION_NOT_FOUND", "Notification not found", nil)
	}
	return nil
}

func notificationView(row store.Notification) NotificationView {
	return NotificationView{
		ID:        row.ID,
		Type:      row.Type,
		Title:     row.Title,
		Message:   row.Message,
		CardID:    row.CardID,
		ReadAt:    row.ReadAt,
		CreatedAt: row.CreatedAt,
	}
}

// publish logs delivery failures; realtime is best effort.
func (s *Service) publish(ctx context.Context, change realtime.Change) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, change); err != nil {
		log.Printf("realtime: publish %s %s: %v", change.Op, change.Table, err)
	}
}
