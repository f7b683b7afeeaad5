package notify

import (
	"context"
	"fmt"

	"baatcheet/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
	"gopkg.in/op/go-logging.v1"
)

// fcmBatchLimit is the multicast token limit of the FCM API.
const fcmBatchLimit = 500

const (
	hintTitle = "New message"
	hintBody  = "Tap to open"
)

// FCMTransport sends hints through Firebase Cloud Messaging.
type FCMTransport struct {
	client *messaging.Client
}

// NewFCMTransport initializes a messaging client from a service account file.
func NewFCMTransport(ctx context.Context, credentialsFile string) (*FCMTransport, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return &FCMTransport{client: client}, nil
}

// BuildMulticast returns the hint for roomID. It carries no message content.
func BuildMulticast(roomID string, tokens []string) *messaging.MulticastMessage {
	return &messaging.MulticastMessage{
		Tokens: tokens,
		Data: map[string]string{
			"type":   "message",
			"roomId": roomID,
		},
		Notification: &messaging.Notification{
			Title: hintTitle,
			Body:  hintBody,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "messages",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
		},
	}
}

// SendMulticast implements Transport.
func (t *FCMTransport) SendMulticast(ctx context.Context, roomID string, tokens []string) (BatchResult, error) {
	var result BatchResult
	for start := 0; start < len(tokens); start += fcmBatchLimit {
		chunk := tokens[start:min(start+fcmBatchLimit, len(tokens))]

		resp, err := t.client.SendEachForMulticast(ctx, BuildMulticast(roomID, chunk))
		if err != nil {
			result.Failed += len(chunk)
			return result, fmt.Errorf("%w: fcm multicast: %v", models.ErrTransport, err)
		}
		for i, r := range resp.Responses {
			switch {
			case r.Success:
				result.Sent++
			case messaging.IsUnregistered(r.Error) || messaging.IsInvalidArgument(r.Error):
				result.Invalid = append(result.Invalid, chunk[i])
			default:
				result.Failed++
			}
		}
	}
	return result, nil
}

// LogTransport stands in when push is disabled and only logs what would be
// sent.
type LogTransport struct {
	Log *logging.Logger
}

// SendMulticast implements Transport.
func (t LogTransport) SendMulticast(_ context.Context, roomID string, tokens []string) (BatchResult, error) {
	t.Log.Debugf("Push disabled, skipping hint for room %s to %d tokens", roomID, len(tokens))
	return BatchResult{}, nil
}
