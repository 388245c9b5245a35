package store

import "time"

type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type User struct {
	ID             string
	OrganizationID string
	DisplayName    string
	Email          string
	PasswordHash   string
	Role           string
	AvatarURL      string
	PushToken      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Invite lets its holder join OrganizationID with Role. Only the token hash is stored;
// an invite with an Email can only be redeemed by that address.
type Invite struct {
	TokenHash      string
	OrganizationID string
	Role           string
	Email          string
	CreatedBy      string
	ExpiresAt      time.Time
	UsedAt         *time.Time
	CreatedAt      time.Time
}

type Board struct {
	ID             string
	OrganizationID string
	CreatedBy      string
	CreatedAt      time.Time
}

type Column struct {
	ID                    string
	BoardID               string
	Name                  string
	Position              int
	BlockBackwardMovement bool
	IsCompletionStage     bool
	AutoDeleteEnabled     bool
	AutoDeleteAfterHours  int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Card struct {
	ID                  string
	BoardID             string
	ColumnID            string
	Title               string
	Description         string
	DueDate             *time.Time
	EstimatedMinutes    *int
	TimerStartedAt      *time.Time
	TimerStartColumnID  string
	Position            int
	IsCollaborative     bool
	RequiresAllApproval bool
	LeadID              string
	CreatedBy           string
	ColumnEnteredAt     time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Assignee struct {
	CardID      string
	UserID      string
	IsCompleted bool
	CompletedAt *time.Time
}

type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	CardID    string
	ReadAt    *time.Time
	CreatedAt time.Time
}

type Attachment struct {
	ID          string
	CardID      string
	ObjectKey   string
	FileName    string
	ContentType string
	SizeBytes   int64
	UploadedBy  string
	CreatedAt   time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
