package eventbus

import (
	"fmt"
	"strings"
)

// AuditEvent is the payload of the audit.log queue.
type AuditEvent struct {
	UserID     string         `json:"userId,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resourceId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
}

func (AuditEvent) Kind() Kind { return KindAudit }

func (a AuditEvent) Validate() error {
	return requireFields(KindAudit, "action", a.Action, "resource", a.Resource)
}

// UserEventType enumerates user lifecycle events.
type UserEventType string

const (
	UserCreated         UserEventType = "user.created"
	UserUpdated         UserEventType = "user.updated"
	UserDeleted         UserEventType = "user.deleted"
	UserLoggedIn        UserEventType = "user.login"
	UserLoggedOut       UserEventType = "user.logout"
	UserPasswordChanged UserEventType = "user.password_changed"
)

// UserEvent is the payload of the user.events queue.
type UserEvent struct {
	Type    UserEventType  `json:"type"`
	UserID  string         `json:"userId"`
	Email   string         `json:"email,omitempty"`
	Changes map[string]any `json:"changes,omitempty"`
}

func (UserEvent) Kind() Kind { return KindUser }

func (u UserEvent) Validate() error {
	switch u.Type {
	case UserCreated, UserUpdated, UserDeleted, UserLoggedIn, UserLoggedOut, UserPasswordChanged:
	default:
		return fmt.Errorf("%w: unknown user event type %q", ErrInvalidEnvelope, u.Type)
	}
	return requireFields(KindUser, "userId", u.UserID)
}

// APIKeyEventType enumerates API key events.
type APIKeyEventType string

const (
	APIKeyCreated APIKeyEventType = "api_key.created"
	APIKeyRevoked APIKeyEventType = "api_key.revoked"
	APIKeyUsed    APIKeyEventType = "api_key.used"
)

// APIKeyEvent is the payload of the api_key.events queue.
type APIKeyEvent struct {
	Type   APIKeyEventType `json:"type"`
	KeyID  string          `json:"keyId"`
	UserID string          `json:"userId,omitempty"`
	Name   string          `json:"name,omitempty"`
	Scopes []string        `json:"scopes,omitempty"`
}

func (APIKeyEvent) Kind() Kind { return KindAPIKey }

func (k APIKeyEvent) Validate() error {
	switch k.Type {
	case APIKeyCreated, APIKeyRevoked, APIKeyUsed:
	default:
		return fmt.Errorf("%w: unknown api key event type %q", ErrInvalidEnvelope, k.Type)
	}
	return requireFields(KindAPIKey, "keyId", k.KeyID)
}

// RBACEventType enumerates role and permission changes.
type RBACEventType string

const (
	RoleCreated       RBACEventType = "role.created"
	RoleUpdated       RBACEventType = "role.updated"
	RoleDeleted       RBACEventType = "role.deleted"
	RoleAssigned      RBACEventType = "role.assigned"
	RoleUnassigned    RBACEventType = "role.unassigned"
	PermissionGranted RBACEventType = "permission.granted"
	PermissionRevoked RBACEventType = "permission.revoked"
)

// RBACEvent is the payload of the rbac.events queue.
type RBACEvent struct {
	Type       RBACEventType  `json:"type"`
	RoleID     string         `json:"roleId"`
	UserID     string         `json:"userId,omitempty"`
	Permission string         `json:"permission,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
}

func (RBACEvent) Kind() Kind { return KindRBAC }

func (r RBACEvent) Validate() error {
	switch r.Type {
	case RoleCreated, RoleUpdated, RoleDeleted, RoleAssigned, RoleUnassigned, PermissionGranted, PermissionRevoked:
	default:
		return fmt.Errorf("%w: unknown rbac event type %q", ErrInvalidEnvelope, r.Type)
	}
	if err := requireFields(KindRBAC, "roleId", r.RoleID); err != nil {
		return err
	}
	if (r.Type == RoleAssigned || r.Type == RoleUnassigned) && r.UserID == "" {
		return fmt.Errorf("%w: rbac %s requires userId", ErrInvalidEnvelope, r.Type)
	}
	return nil
}

// AnalyticsEvent is the payload of the analytics.events queue.
type AnalyticsEvent struct {
	Name       string         `json:"name"`
	UserID     string         `json:"userId,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (AnalyticsEvent) Kind() Kind { return KindAnalytics }

func (a AnalyticsEvent) Validate() error {
	return requireFields(KindAnalytics, "name", a.Name)
}

// requireFields takes name/value pairs and reports the first blank value.
func requireFields(kind Kind, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s payload missing required field %s", ErrInvalidEnvelope, kind, pairs[i])
		}
	}
	return nil
}
