package mcp

import (
	"context"
	"log/slog"

	"github.com/rendis/credvault/internal/streaming"
	"github.com/rendis/credvault/pkg/schema"
)

// ForwardEvents pushes credential lifecycle events from hub to every
// connected MCP client until ctx is cancelled. Delivery is best-effort.
func (s *VaultServer) ForwardEvents(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{
			schema.EventCredentialsStored,
			schema.EventCredentialsDeleted,
			schema.EventCredentialsRefreshed,
			schema.EventCredentialsRotated,
		},
	})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				s.mcpServer.SendNotificationToAllClients("notifications/message", eventPayload(e))
				s.logger.DebugContext(ctx, "forwarded credential event",
					slog.String("event_type", e.EventType),
					slog.String("provider_id", e.ProviderID),
				)
			}
		}
	}()
	return nil
}

func eventPayload(e streaming.Event) map[string]any {
	return map[string]any{
		"level":  "info",
		"logger": "credvault",
		"data": map[string]any{
			"event_type":  e.EventType,
			"provider_id": e.ProviderID,
			"actor_id":    e.ActorID,
			"timestamp":   e.Timestamp,
			"payload":     e.Payload,
		},
	}
}
