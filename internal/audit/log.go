package audit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	"attendly.org/internal/auth"
	"attendly.org/internal/obs"
)

type requestIDKey struct{}

// Audit event names, "<subject>.<action>".
const (
	EventCheckin            = "checkin.scan"
	EventParticipantCreated = "participant.create"
	EventEventCreated       = "event.create"
	EventEventUpdated       = "event.update"
	EventEventDeleted       = "event.delete"
	EventEventDeactivated   = "event.deactivate"
	EventUserRegistered     = "user.register"
	EventLoginFailed        = "user.login_failed"
)

// ErrEventName is returned for an empty or undotted event name.
var ErrEventName = errors.New("audit: event name must look like subject.action")

// Entry is one line of the audit trail.
type Entry struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	ActorID   string         `json:"user_id,omitempty"`
	ActorRole string         `json:"actor_role,omitempty"`
	Fields    map[string]any `json:"fields"`
}

var now = time.Now

// WithRequestID attaches the request identifier to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// Build assembles the entry LogEvent would write, without writing it.
func Build(ctx context.Context, event string, fields map[string]any) (Entry, error) {
	event = strings.TrimSpace(event)
	if i := strings.IndexByte(event, '.'); i <= 0 || i == len(event)-1 {
		return Entry{}, ErrEventName
	}
	e := Entry{
		TS:        now().UTC().Format(time.RFC3339Nano),
		Type:      "audit",
		Event:     event,
		RequestID: requestID(ctx),
		Fields:    make(map[string]any, len(fields)),
	}
	if ctx != nil {
		if p, ok := auth.PrincipalFromContext(ctx); ok {
			e.ActorID = p.UserID
			e.ActorRole = "user"
			if p.IsAdmin {
				e.ActorRole = "admin"
			}
		}
	}
	maps.Copy(e.Fields, fields)
	return e, nil
}

// LogEvent writes an audit entry for event to the shared JSON logger.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	e, err := Build(ctx, event, fields)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
