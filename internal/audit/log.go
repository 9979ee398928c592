package audit

import (
	"context"
	"errors"
	"strings"

	"clubkit.org/internal/auth"
	"clubkit.org/internal/membership"
	"clubkit.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	l := obs.Logger().Info().Str("type", "audit").Str("event", event)
	if rid := requestIDFromContext(ctx); rid != "" {
		l = l.Str("request_id", rid)
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		l = l.Str("user_id", p.UserID).Str("tenant_id", p.TenantID)
	}
	l.Interface("fields", copied).Send()
	return nil
}

// Notifier records every committed membership event in the audit log.
type Notifier struct{}

func (Notifier) Notify(ctx context.Context, evt membership.Event) {
	_ = LogEvent(ctx, evt.Type, map[string]any{
		"tenant_id":  evt.TenantID,
		"key":        evt.Record.Key,
		"member_key": evt.Record.MemberKey,
		"org_key":    evt.Record.OrgKey,
		"category":   evt.Record.Category,
		"date_entry": evt.Record.DateOfEntry.String(),
		"date_exit":  evt.Record.DateOfExit.String(),
		"version":    evt.Record.Version,
		"actor":      evt.Actor,
	})
}
