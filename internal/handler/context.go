package handler

import (
	"context"

	"github.com/quillchat/metering/internal/domain"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const subjectContextKey contextKey = "subject"

// ContextWithSubject stores the resolved billing subject in the request
// context. Called by the subject-resolution middleware.
func ContextWithSubject(ctx context.Context, subject domain.Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey, subject)
}

// SubjectFromContext retrieves the billing subject resolved for this
// request. Returns nil when resolution middleware did not run.
func SubjectFromContext(ctx context.Context) domain.Subject {
	subject, ok := ctx.Value(subjectContextKey).(domain.Subject)
	if !ok {
		return nil
	}
	return subject
}
