package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMSender sends through Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender builds a messaging client from a service-account file.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (s *FCMSender) Send(ctx context.Context, token string, msg Message) Result {
	id, err := s.client.Send(ctx, &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
	})
	if err != nil {
		return classify(err)
	}
	return Result{Outcome: Success, MessageID: id}
}

// classify maps FCM errors onto outcomes. Unregistered and malformed tokens
// will never succeed; everything else may on a later attempt.
func classify(err error) Result {
	switch {
	case messaging.IsUnregistered(err),
		messaging.IsInvalidArgument(err),
		messaging.IsSenderIDMismatch(err):
		return Invalid(err)
	default:
		return Failed(err)
	}
}
