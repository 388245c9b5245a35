package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict is returned when an insert violates a unique constraint.
var ErrConflict = errors.New("conflict")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org Organization) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO organizations (id, name) VALUES ($1, $2)`, org.ID, org.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM organizations WHERE id=$1`, orgID).
		Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		return Organization{}, err
	}
	return org, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, organization_id, email, display_name, password_hash, role)
		VALUES ($1, $2, LOWER($3), $4, $5, $6)
	`, user.ID, user.OrganizationID, user.Email, user.DisplayName, user.PasswordHash, user.Role)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, organization_id, email, display_name, password_hash, role, avatar_url, push_token, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.OrganizationID,
		&user.Email,
		&user.DisplayName,
		&user.PasswordHash,
		&user.Role,
		&user.AvatarURL,
		&user.PushToken,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = LOWER($1)`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

// ListUsers returns the users among userIDs that exist, in no particular order.
func (s *PostgresStore) ListUsers(ctx context.Context, userIDs []string) ([]User, error) {
	if len(userIDs) == 0 {
		return []User{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0, len(userIDs))
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListOrganizationUsers(ctx context.Context, orgID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE organization_id=$1 ORDER BY display_name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list organization users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateInvite(ctx context.Context, invite Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_invites (token_hash, organization_id, role, email, created_by, expires_at)
		VALUES ($1, $2, $3, LOWER($4), $5, $6)
	`, invite.TokenHash, invite.OrganizationID, invite.Role, invite.Email, invite.CreatedBy, invite.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

// ConsumeInvite marks the invite used and returns it. Used, expired or unknown invites,
// and invites addressed to another email, return sql.ErrNoRows.
func (s *PostgresStore) ConsumeInvite(ctx context.Context, tokenHash, email string, now time.Time) (Invite, error) {
	var invite Invite
	err := s.db.QueryRowContext(ctx, `
		UPDATE organization_invites
		SET used_at = $2
		WHERE token_hash = $1
		  AND used_at IS NULL
		  AND expires_at > $2
		  AND (email = '' OR email = LOWER($3))
		RETURNING token_hash, organization_id, role, email, created_by, expires_at, used_at, created_at
	`, tokenHash, now, email).Scan(
		&invite.TokenHash,
		&invite.OrganizationID,
		&invite.Role,
		&invite.Email,
		&invite.CreatedBy,
		&invite.ExpiresAt,
		&invite.UsedAt,
		&invite.CreatedAt,
	)
	if err != nil {
		return Invite{}, err
	}
	return invite, nil
}

func (s *PostgresStore) UpdatePushToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET push_token=$2, updated_at=NOW() WHERE id=$1`, userID, token)
	if err != nil {
		return fmt.Errorf("update push token: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.organization_id, u.email, u.display_name, u.password_hash, u.role,
			u.avatar_url, u.push_token, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash)
	return scanUser(row)
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, card_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, item.ID, item.UserID, item.Type, item.Title, item.Message, item.CardID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, message, COALESCE(card_id, ''), read_at, created_at
		FROM notifications
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.UserID, &item.Type, &item.Title, &item.Message, &item.CardID, &item.ReadAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at=COALESCE(read_at, NOW())
		WHERE id=$1 AND user_id=$2
	`, notificationID, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}
