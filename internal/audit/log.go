// Package audit emits structured audit events. Emission is best-effort:
// a failed audit write must never block a ledger operation, so callers
// invoke Best and move on.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"moneygate.org/internal/obs"
)

type ctxKey string

const actorKey ctxKey = "audit_actor"

// WithActor attaches the acting user to the context for audit logging.
func WithActor(ctx context.Context, actorID string) context.Context {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, actorID)
}

// actorFromContext extracts the audit actor id from context if present.
func actorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with the actor context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if actor := actorFromContext(ctx); actor != "" {
		entry["actor_id"] = actor
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Best logs the event and swallows failures. Ledger operations call this.
func Best(ctx context.Context, event string, fields map[string]any) {
	if err := LogEvent(ctx, event, fields); err != nil {
		obs.LogEvent("audit.write_failed", map[string]any{"event": event, "error": err.Error()})
	}
}
