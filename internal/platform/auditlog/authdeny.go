package auditlog

import (
	"context"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/platform/auth"
)

// AuthDeny adapts a Recorder into the auth middleware's audit hook.
func AuthDeny(rec Recorder, service string) auth.AuditFunc {
	return func(ctx context.Context, event auth.DenyEvent) error {
		actor := "anonymous"
		if strings.TrimSpace(event.Subject) != "" {
			actor = strings.TrimSpace(event.Subject)
		}
		return rec.Record(ctx, Event{
			OccurredAt:   event.Time,
			Actor:        actor,
			Action:       "auth." + strings.TrimSpace(event.Reason),
			ResourceType: "http",
			ResourceID:   event.Method + " " + event.Path,
			RequestID:    event.RequestID,
			Payload: map[string]any{
				"service": service,
				"status":  event.Status,
				"reason":  event.Reason,
				"error":   event.Error,
				"roles":   event.Roles,
			},
		})
	}
}
