package kanban

import "time"

// ShouldStartTimer reports whether entering targetColumnID starts the card's timer.
func ShouldStartTimer(card Card, targetColumnID string) bool {
	return card.TimerStartColumnID != "" && card.TimerStartColumnID == targetColumnID && card.TimerStartedAt == nil
}

// InitialTimer returns the timer start for a new card created in columnID.
func InitialTimer(card Card, columnID string, now time.Time) *time.Time {
	if card.EstimatedMinutes == nil {
		return nil
	}
	if card.TimerStartColumnID == "" || card.TimerStartColumnID == columnID {
		return &now
	}
	return nil
}
