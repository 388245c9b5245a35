// Package authpw provides email/password sign-up and sign-in scoped to organizations.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vendaflow/api/internal/auth"
	"vendaflow/api/internal/rbac"
	"vendaflow/api/internal/store"
	"vendaflow/api/internal/util"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidInvite      = errors.New("invite is invalid, used or expired")
)

// ValidationError reports input that was rejected before touching storage.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// Service provides email/password authentication
type Service struct {
	store UserStore
	now   func() time.Time
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	CreateOrganization(ctx context.Context, org store.Organization) error
	ConsumeInvite(ctx context.Context, tokenHash, email string, now time.Time) (store.Invite, error)
}

func NewService(store UserStore) *Service {
	return &Service{store: store, now: time.Now}
}

// SignUpRequest creates a new organization when OrganizationName is set. Otherwise the
// user joins the organization of InviteToken with the role the invite grants.
type SignUpRequest struct {
	Email            string
	Password         string
	DisplayName      string
	OrganizationName string
	InviteToken      string
}

// SignUp creates a new user account
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Email == "" || req.Password == "" || req.DisplayName == "" {
		return store.User{}, ValidationError("email, password, and display name are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, ValidationError("password must be at least 8 characters")
	}
	orgName := strings.TrimSpace(req.OrganizationName)
	inviteToken := strings.TrimSpace(req.InviteToken)
	if orgName == "" && inviteToken == "" {
		return store.User{}, ValidationError("organization name or invite token is required")
	}

	_, err := s.store.GetUserByEmail(ctx, req.Email)
	switch {
	case err == nil:
		return store.User{}, ErrEmailTaken
	case !store.IsNotFound(err):
		return store.User{}, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         string(rbac.RoleSeller),
	}

	if orgName != "" {
		org := store.Organization{ID: util.NewID("org"), Name: orgName}
		if err := s.store.CreateOrganization(ctx, org); err != nil {
			return store.User{}, fmt.Errorf("create organization: %w", err)
		}
		user.OrganizationID = org.ID
		user.Role = string(rbac.RoleAdmin)
	} else {
		invite, err := s.store.ConsumeInvite(ctx, auth.HashToken(inviteToken), req.Email, s.now())
		if err != nil {
			if store.IsNotFound(err) {
				return store.User{}, ErrInvalidInvite
			}
			return store.User{}, fmt.Errorf("consume invite: %w", err)
		}
		user.OrganizationID = invite.OrganizationID
		user.Role = string(rbac.Normalize(invite.Role))
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn authenticates a user
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	if email == "" || password == "" {
		return store.User{}, ValidationError("email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
