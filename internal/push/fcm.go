// Package push delivers mobile push notifications through Firebase Cloud Messaging.
package push

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

type sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Notifier is a no-op when no service account is configured.
type Notifier struct {
	client sender
}

// NewNotifier returns a disabled notifier when credentialsFile is empty or Firebase
// cannot be initialized.
func NewNotifier(ctx context.Context, credentialsFile string) *Notifier {
	if credentialsFile == "" {
		log.Printf("push notifications disabled: no firebase credentials configured")
		return &Notifier{}
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		log.Printf("push notifications disabled: init firebase app: %v", err)
		return &Notifier{}
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		log.Printf("push notifications disabled: messaging client: %v", err)
		return &Notifier{}
	}
	log.Printf("push notifications enabled")
	return &Notifier{client: client}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.client != nil
}

// Send delivers msg. Messages without a device token are skipped.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	if !n.Enabled() || msg.Token == "" {
		return nil
	}
	payload := &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
	}
	if len(msg.Data) > 0 {
		payload.Data = msg.Data
	}
	if _, err := n.client.Send(ctx, payload); err != nil {
		return fmt.Errorf("send push notification: %w", err)
	}
	return nil
}
