package app

import (
	"context"
	"fmt"
	"log"

	"vendaflow/api/internal/email"
	"vendaflow/api/internal/push"
	"vendaflow/api/internal/realtime"
	"vendaflow/api/internal/store"
	"vendaflow/api/internal/util"
)

const (
	notificationTaskAssigned      = "task_assigned"
	notificationApprovalCompleted = "approval_completed"
)

// Notifier records a notification row for the recipient and then delivers it over the
// realtime feed, push and email. Only the row insert can fail the call.
type Notifier struct {
	store     dataStore
	publisher realtime.Publisher
	push      pushSender
	mail      mailer
	boardURL  string
}

// NotifyAssigned tells userID that actorID added them to the card.
func (n *Notifier) NotifyAssigned(ctx context.Context, cardID, userID, actorID string) error {
	card, err := n.store.GetCard(ctx, cardID)
	if err != nil {
		return fmt.Errorf("load card: %w", err)
	}
	recipient, err := n.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load assignee: %w", err)
	}
	actorName := "Alguém"
	if actor, err := n.store.GetUserByID(ctx, actorID); err == nil {
		actorName = actor.DisplayName
	}

	item := store.Notification{
		ID:      util.NewID("ntf"),
		UserID:  userID,
		Type:    notificationTaskAssigned,
		Title:   "Nova tarefa atribuída",
		Message: fmt.Sprintf("%s atribuiu a tarefa \"%s\" a você.", actorName, card.Title),
		CardID:  cardID,
	}
	data := email.TaskData{UserName: recipient.DisplayName, ActorName: actorName, CardTitle: card.Title, BoardURL: n.boardURL}
	return n.deliver(ctx, recipient, item, func(m mailer) error {
		return m.SendTaskAssigned(recipient.Email, data)
	})
}

// NotifyApprovalCompleted tells every collaborator except the actor that the card may
// now leave its column.
func (n *Notifier) NotifyApprovalCompleted(ctx context.Context, card store.Card, userIDs []string, actorID string) {
	recipients := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id != actorID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return
	}
	users, err := n.store.ListUsers(ctx, recipients)
	if err != nil {
		log.Printf("notify: load collaborators of card %s: %v", card.ID, err)
		return
	}
	for _, user := range users {
		recipient := user
		item := store.Notification{
			ID:      util.NewID("ntf"),
			UserID:  recipient.ID,
			Type:    notificationApprovalCompleted,
			Title:   "Tarefa liberada",
			Message: fmt.Sprintf("Todos os colaboradores concluíram a tarefa \"%s\".", card.Title),
			CardID:  card.ID,
		}
		data := email.TaskData{UserName: recipient.DisplayName, CardTitle: card.Title, BoardURL: n.boardURL}
		err := n.deliver(ctx, recipient, item, func(m mailer) error {
			return m.SendApprovalCompleted(recipient.Email, data)
		})
		if err != nil {
			log.Printf("notify: approval of card %s for %s: %v", card.ID, recipient.ID, err)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, recipient store.User, item store.Notification, sendEmail func(mailer) error) error {
	if err := n.store.InsertNotification(ctx, item); err != nil {
		return err
	}

	if n.publisher != nil {
		change := realtime.NewChange(realtime.TableNotifications, realtime.OpInsert, map[string]string{
			"id":      item.ID,
			"user_id": item.UserID,
		}, notificationView(item))
		if err := n.publisher.Publish(ctx, change); err != nil {
			log.Printf("notify: publish notification %s: %v", item.ID, err)
		}
	}

	if n.push != nil && recipient.PushToken != "" {
		err := n.push.Send(ctx, push.Message{
			Token: recipient.PushToken,
			Title: item.Title,
			Body:  item.Message,
			Data:  map[string]string{"type": item.Type, "cardId": item.CardID},
		})
		if err != nil {
			log.Printf("notify: push to %s: %v", recipient.ID, err)
		}
	}

	if n.mail != nil && recipient.Email != "" {
		go func(m mailer) {
			if err := sendEmail(m); err != nil {
				log.Printf("notify: email to %s: %v", recipient.ID, err)
			}
		}(n.mail)
	}
	return nil
}
