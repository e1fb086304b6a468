// Package ctxkeys defines typed context keys shared by HTTP middleware and
// handlers.
package ctxkeys

import "context"

// Key is a typed context key to prevent collisions.
type Key string

// Auth context keys
const (
	KeyUserID      Key = "user_id"
	KeyWorkspaceID Key = "workspace_id"
	KeyEmail       Key = "email"
	KeyRole        Key = "role"
	KeyAuthType    Key = "auth_type"
)

// Request context keys
const (
	KeyRequestID Key = "request_id"
)

func stringValue(ctx context.Context, key Key) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetUserID extracts user_id from context.
func GetUserID(ctx context.Context) string { return stringValue(ctx, KeyUserID) }

// GetWorkspaceID extracts workspace_id from context.
func GetWorkspaceID(ctx context.Context) string { return stringValue(ctx, KeyWorkspaceID) }

// GetRole extracts role from context.
func GetRole(ctx context.Context) string { return stringValue(ctx, KeyRole) }

// GetRequestID extracts request_id from context.
func GetRequestID(ctx context.Context) string { return stringValue(ctx, KeyRequestID) }

// WithRequestID stores the request id for code that only sees a context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, KeyRequestID, id)
}
