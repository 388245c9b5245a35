// Package kanban holds the board state, the collaborative approval gate and the
// drag session that moves cards between columns.
package kanban

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of card variants: Normal, LeadLinked or Collaborative.
type Kind interface {
	kind() string
}

type Normal struct{}

type LeadLinked struct {
	LeadID string
}

type Collaborative struct {
	Assignees           []string
	RequiresAllApproval bool
}

func (Normal) kind() string        { return "normal" }
func (LeadLinked) kind() string    { return "lead" }
func (Collaborative) kind() string { return "collaborative" }

// KindName returns the wire name of a card kind.
func KindName(k Kind) string {
	if k == nil {
		return Normal{}.kind()
	}
	return k.kind()
}

// DecodeKind builds the variant from the persisted flags. A collaborative flag wins over
// a lead reference.
func DecodeKind(isCollaborative, requiresAllApproval bool, leadID string, assignees []string) Kind {
	switch {
	case isCollaborative:
		return Collaborative{Assignees: assignees, RequiresAllApproval: requiresAllApproval}
	case leadID != "":
		return LeadLinked{LeadID: leadID}
	default:
		return Normal{}
	}
}

// EncodeKind is the inverse of DecodeKind.
func EncodeKind(k Kind) (isCollaborative, requiresAllApproval bool, leadID string) {
	switch v := k.(type) {
	case Collaborative:
		return true, v.RequiresAllApproval, ""
	case LeadLinked:
		return false, false, v.LeadID
	default:
		return false, false, ""
	}
}

type AutoDelete struct {
	Enabled    bool `json:"enabled"`
	AfterHours int  `json:"afterHours"`
}

type Column struct {
	ID                    string      `json:"id"`
	BoardID               string      `json:"boardId"`
	Name                  string      `json:"name"`
	Position              int         `json:"position"`
	BlockBackwardMovement bool        `json:"blockBackwardMovement"`
	IsCompletionStage     bool        `json:"isCompletionStage"`
	AutoDelete            *AutoDelete `json:"autoDelete,omitempty"`
	Cards                 []Card      `json:"cards"`
}

type Card struct {
	ID                 string     `json:"id"`
	ColumnID           string     `json:"columnId"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	DueDate            *time.Time `json:"dueDate,omitempty"`
	EstimatedMinutes   *int       `json:"estimatedMinutes,omitempty"`
	TimerStartedAt     *time.Time `json:"timerStartedAt,omitempty"`
	TimerStartColumnID string     `json:"timerStartColumnId,omitempty"`
	Position           int        `json:"position"`
	Kind               Kind       `json:"-"`
}

func (c Card) MarshalJSON() ([]byte, error) {
	type plain Card
	payload := struct {
		plain
		Kind                string   `json:"kind"`
		LeadID              string   `json:"leadId,omitempty"`
		RequiresAllApproval bool     `json:"requiresAllApproval"`
		Assignees           []string `json:"assignees,omitempty"`
	}{plain: plain(c), Kind: KindName(c.Kind)}
	switch v := c.Kind.(type) {
	case Collaborative:
		payload.RequiresAllApproval = v.RequiresAllApproval
		payload.Assignees = v.Assignees
	case LeadLinked:
		payload.LeadID = v.LeadID
	}
	return json.Marshal(payload)
}

// Approval returns the collaborative variant when the card requires unanimous approval.
func (c Card) Approval() (Collaborative, bool) {
	collab, ok := c.Kind.(Collaborative)
	if !ok || !collab.RequiresAllApproval {
		return Collaborative{}, false
	}
	return collab, true
}

type Assignee struct {
	CardID      string
	UserID      string
	IsCompleted bool
	CompletedAt *time.Time
}

type Profile struct {
	UserID   string
	FullName string
}
