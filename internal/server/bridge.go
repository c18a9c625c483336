package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/creditpath/realtime/internal/protocol"
	"github.com/creditpath/realtime/internal/relay"
)

// CollabBroadcaster connects the collaboration engine's fan-out to the
// hub. Events reach local subscribers directly and are republished on
// the document's relay channel for the other instances; events without
// a document fall back to the category channel.
type CollabBroadcaster struct {
	Hub    *Hub
	Relay  *relay.Relay
	Logger *zap.Logger
}

func (b *CollabBroadcaster) Send(env *protocol.Envelope) error {
	b.Hub.DeliverRemote(env)

	if b.Relay == nil {
		return nil
	}
	docID, _ := env.Data["documentId"].(string)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		if docID != "" {
			err = b.Relay.PublishDocumentEvent(ctx, docID, env)
		} else {
			err = b.Relay.PublishCategory(ctx, env.Category, env)
		}
		if err != nil && b.Logger != nil {
			b.Logger.Warn("relay publish failed",
				zap.String("document_id", docID),
				zap.String("category", env.Category),
				zap.Error(err))
		}
	}()
	return nil
}

// CollabNotifier delivers engine notifications as notification-category
// envelopes targeted at the recipient, locally and across instances.
// Subscription filters on userId route them to the right client.
type CollabNotifier struct {
	Hub   *Hub
	Relay *relay.Relay
}

func (n *CollabNotifier) Notify(ctx context.Context, userID, title, body string, data map[string]interface{}) error {
	payload := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload["title"] = title
	payload["body"] = body

	env := protocol.NewEnvelope(protocol.CategoryNotification, payload)
	env.UserID = userID

	n.Hub.DeliverRemote(env)
	if n.Relay != nil {
		return n.Relay.PublishCategory(ctx, protocol.CategoryNotification, env)
	}
	return nil
}
