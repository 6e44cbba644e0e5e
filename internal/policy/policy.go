// Package policy implements the guardrails registry consulted at fixed
// checkpoints in a run: before LLM dispatch, before executing an
// agent-requested action, and before persisting an agent-produced artifact.
//
// Policies return allow or block decisions; forced-decision overrides exist
// for tests and operational kill switches. Every evaluation emits a
// "policy.decision" event; blocks additionally emit "policy.blocked" (or
// "policy.escalation.denied" for action denial) durably so the event is in
// the log before the caller drops the gated item.
package policy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voxline/voxline/internal/event"
)

// Checkpoint tags the point in a run at which a policy is consulted.
type Checkpoint string

const (
	// PreLLM is consulted before dispatching an LLM generation.
	PreLLM Checkpoint = "pre_llm"

	// PreAction is consulted before executing an agent-requested action.
	PreAction Checkpoint = "pre_action"

	// PrePersist is consulted before persisting an agent-produced artifact.
	PrePersist Checkpoint = "pre_persist"
)

// Decision is a policy outcome.
type Decision string

const (
	Allow Decision = "allow"
	Block Decision = "block"
)

// Input carries the evaluation context: who is asking, on behalf of which
// tenant, and a small excerpt of the content under consideration.
type Input struct {
	RunID       string
	PrincipalID string
	TenantID    string
	Service     string

	// Intent describes what the caller is about to do ("generate",
	// "execute_action", "persist_artifact", or a finer-grained tag).
	Intent string

	// Excerpt is a short sample of the input under consideration. Policies
	// must not assume it is complete.
	Excerpt string
}

// Policy evaluates one checkpoint. Implementations must be safe for
// concurrent use.
type Policy interface {
	// Name identifies the policy in decision events.
	Name() string

	// Evaluate returns the decision and a human-readable reason.
	Evaluate(ctx context.Context, cp Checkpoint, in Input) (Decision, string)
}

// Func adapts a function to the [Policy] interface.
type Func struct {
	PolicyName string
	Fn         func(ctx context.Context, cp Checkpoint, in Input) (Decision, string)
}

// Name implements [Policy].
func (f Func) Name() string { return f.PolicyName }

// Evaluate implements [Policy].
func (f Func) Evaluate(ctx context.Context, cp Checkpoint, in Input) (Decision, string) {
	return f.Fn(ctx, cp, in)
}

// Registry holds named policies keyed by checkpoint. Safe for concurrent use.
type Registry struct {
	sink *event.Sink
	log  *slog.Logger

	mu        sync.RWMutex
	policies  map[Checkpoint][]Policy
	overrides map[Checkpoint]Decision
}

// Option is a functional option for Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistry creates an empty registry emitting decisions to sink.
func NewRegistry(sink *event.Sink, opts ...Option) *Registry {
	r := &Registry{
		sink:      sink,
		log:       slog.Default(),
		policies:  map[Checkpoint][]Policy{},
		overrides: map[Checkpoint]Decision{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a policy at a checkpoint. Policies run in registration order;
// the first block wins.
func (r *Registry) Register(cp Checkpoint, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[cp] = append(r.policies[cp], p)
}

// Override forces every evaluation at a checkpoint to the given decision
// until [Registry.ClearOverride]. Used by tests and as a kill switch.
func (r *Registry) Override(cp Checkpoint, d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[cp] = d
	r.log.Warn("policy override set", "checkpoint", string(cp), "decision", string(d))
}

// ClearOverride removes a forced decision.
func (r *Registry) ClearOverride(cp Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, cp)
}

// Evaluate runs the checkpoint's policies and returns the combined decision.
// An empty checkpoint (no policies, no override) allows.
func (r *Registry) Evaluate(ctx context.Context, cp Checkpoint, in Input) (Decision, string) {
	decision, reason, policyName := r.decide(ctx, cp, in)

	r.sink.Emit(ctx, event.TypePolicyDecision, map[string]any{
		"checkpoint": string(cp),
		"decision":   string(decision),
		"reason":     reason,
		"policy":     policyName,
		"intent":     in.Intent,
	})

	if decision == Block {
		typ := event.TypePolicyBlocked
		if cp == PreAction {
			typ = event.TypePolicyEscalationDenied
		}
		// Durable: the block must be in the log before the caller drops the
		// gated item.
		if err := r.sink.EmitDurable(ctx, typ, map[string]any{
			"checkpoint": string(cp),
			"reason":     reason,
			"policy":     policyName,
			"intent":     in.Intent,
		}); err != nil {
			r.log.Error("failed to persist policy block event",
				"checkpoint", string(cp), "error", err)
		}
	}

	return decision, reason
}

// decide resolves the override or walks the policy chain.
func (r *Registry) decide(ctx context.Context, cp Checkpoint, in Input) (Decision, string, string) {
	r.mu.RLock()
	forced, hasOverride := r.overrides[cp]
	chain := r.policies[cp]
	r.mu.RUnlock()

	if hasOverride {
		return forced, "forced by override", "override"
	}

	for _, p := range chain {
		decision, reason := p.Evaluate(ctx, cp, in)
		if decision == Block {
			return Block, reason, p.Name()
		}
	}
	return Allow, "", ""
}
