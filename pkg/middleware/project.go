// Package middleware provides shared context helpers for the dispatcher's
// HTTP layer.
//
// It lives in pkg/ (not internal/) so that embedding services can read the
// request's project scope from their own middleware.
package middleware

import "context"

type contextKey string

const projectKey contextKey = "project"

// GetProject extracts the project id from the context.
// Returns "" if the request is not project scoped.
func GetProject(ctx context.Context) string {
	if v, ok := ctx.Value(projectKey).(string); ok {
		return v
	}
	return ""
}

// SetProject stores the project id in the context.
func SetProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey, projectID)
}
