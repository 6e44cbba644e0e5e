// Package runctx carries per-run identity through the pipeline.
//
// A [RunContext] names the run and the correlation identifiers every event
// must carry (request, session, principal, tenant). The scheduler attaches it
// to the [context.Context] it hands each stage, so that event emission and
// provider gateway calls pick the identifiers up without explicit plumbing.
// The value is immutable once attached.
package runctx

import "context"

// RunContext identifies one pipeline run and its correlation identifiers.
type RunContext struct {
	// RunID is the globally unique pipeline run identifier.
	RunID string

	// RequestID is the client-supplied request correlation identifier.
	RequestID string

	// SessionID groups runs belonging to one conversation.
	SessionID string

	// PrincipalID is the resolved acting principal. Authentication happens
	// upstream; the kernel only carries the result.
	PrincipalID string

	// TenantID is the principal's organisation.
	TenantID string

	// Service is the logical service tag ("chat", "voice").
	Service string
}

type ctxKey struct{}

// With returns a copy of ctx carrying rc.
func With(ctx context.Context, rc RunContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From extracts the [RunContext] from ctx. The second return is false when
// ctx carries none; callers on emit paths treat that as a programming error
// and drop the event rather than persisting it unattributed.
func From(ctx context.Context) (RunContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(RunContext)
	return rc, ok
}
