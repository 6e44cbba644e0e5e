// Package applier validates and applies the agent's produced plan: the
// assistant message, requested actions, and artifacts. Actions are gated at
// the pre_action checkpoint, artifacts at pre_persist; size caps are enforced
// before any artifact is considered. Accepted artifacts are persisted
// atomically and associated with the run.
package applier

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/policy"
	"github.com/voxline/voxline/internal/runctx"
	"github.com/voxline/voxline/internal/storage"
)

const (
	defaultMaxArtifacts            = 16
	defaultMaxArtifactPayloadBytes = 256 * 1024
)

// Action is one side effect the agent requested.
type Action struct {
	// Name identifies the action ("create_ticket", "send_email").
	Name string

	// Args is the action's structured argument payload.
	Args map[string]any
}

// ArtifactInput is one artifact the agent produced, before validation.
type ArtifactInput struct {
	Kind    string
	Name    string
	Payload []byte
}

// Plan is the agent's full output for one turn.
type Plan struct {
	// AssistantMessage is the conversational reply. Persisted by the caller,
	// not the applier.
	AssistantMessage string

	Actions   []Action
	Artifacts []ArtifactInput
}

// Caps bounds what a single plan may persist. Violating either cap drops all
// artifacts from the plan.
type Caps struct {
	// MaxArtifacts bounds the artifact count per plan. Default: 16.
	MaxArtifacts int

	// MaxArtifactPayloadBytes bounds a single artifact payload. Default: 256 KiB.
	MaxArtifactPayloadBytes int
}

func (c Caps) withDefaults() Caps {
	if c.MaxArtifacts <= 0 {
		c.MaxArtifacts = defaultMaxArtifacts
	}
	if c.MaxArtifactPayloadBytes <= 0 {
		c.MaxArtifactPayloadBytes = defaultMaxArtifactPayloadBytes
	}
	return c
}

// Result summarizes what the applier accepted and dropped.
type Result struct {
	// AcceptedActions passed the pre_action checkpoint, in plan order.
	AcceptedActions []Action

	// PersistedArtifacts is the number of artifact rows written.
	PersistedArtifacts int

	// DeniedActions counts actions dropped at pre_action.
	DeniedActions int

	// RejectedArtifacts counts artifacts dropped by caps or pre_persist.
	RejectedArtifacts int
}

// Applier applies agent plans under policy and cap enforcement.
// Safe for concurrent use.
type Applier struct {
	store    storage.InteractionStore
	policies *policy.Registry
	sink     *event.Sink
	caps     Caps
	log      *slog.Logger
}

// Option is a functional option for Applier.
type Option func(*Applier)

// WithCaps overrides the artifact caps.
func WithCaps(caps Caps) Option {
	return func(a *Applier) {
		a.caps = caps.withDefaults()
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Applier) {
		a.log = log
	}
}

// New creates an Applier persisting through store and consulting policies.
func New(store storage.InteractionStore, policies *policy.Registry, sink *event.Sink, opts ...Option) *Applier {
	a := &Applier{
		store:    store,
		policies: policies,
		sink:     sink,
		caps:     Caps{}.withDefaults(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply processes one plan. Each action is evaluated at pre_action and
// dropped on block. Artifacts first pass the caps (a violation drops all of
// them and emits agent_output.artifacts.rejected durably), then each survivor
// is evaluated at pre_persist. Accepted artifacts are persisted in one
// transaction. The run identity is taken from the ambient context.
func (a *Applier) Apply(ctx context.Context, plan Plan) (*Result, error) {
	rc, ok := runctx.From(ctx)
	if !ok || rc.RunID == "" {
		return nil, fault.New(fault.KindValidation, "applier: no ambient run context")
	}

	res := &Result{}

	for _, action := range plan.Actions {
		decision, _ := a.policies.Evaluate(ctx, policy.PreAction, policy.Input{
			RunID:       rc.RunID,
			PrincipalID: rc.PrincipalID,
			TenantID:    rc.TenantID,
			Service:     rc.Service,
			Intent:      "execute_action",
			Excerpt:     action.Name,
		})
		if decision == policy.Block {
			res.DeniedActions++
			continue
		}
		res.AcceptedActions = append(res.AcceptedActions, action)
	}

	accepted, rejected := a.filterArtifacts(ctx, rc, plan.Artifacts)
	res.RejectedArtifacts = rejected

	if len(accepted) == 0 {
		return res, nil
	}

	rows := make([]storage.Artifact, 0, len(accepted))
	for _, art := range accepted {
		rows = append(rows, storage.Artifact{
			ID:      uuid.NewString(),
			RunID:   rc.RunID,
			Kind:    art.Kind,
			Name:    art.Name,
			Payload: art.Payload,
		})
	}
	if err := a.store.ApplyOutput(ctx, nil, rows); err != nil {
		return nil, fault.Wrap(fault.KindPipeline, err, "applier: persist artifacts for run %s", rc.RunID)
	}
	res.PersistedArtifacts = len(rows)
	return res, nil
}

// filterArtifacts applies the caps and the pre_persist checkpoint. A cap
// violation drops the whole batch.
func (a *Applier) filterArtifacts(ctx context.Context, rc runctx.RunContext, artifacts []ArtifactInput) (accepted []ArtifactInput, rejected int) {
	if len(artifacts) == 0 {
		return nil, 0
	}

	if len(artifacts) > a.caps.MaxArtifacts {
		a.rejectAll(ctx, "max_artifacts", len(artifacts))
		return nil, len(artifacts)
	}
	for _, art := range artifacts {
		if len(art.Payload) > a.caps.MaxArtifactPayloadBytes {
			a.rejectAll(ctx, "max_artifact_payload_bytes", len(artifacts))
			return nil, len(artifacts)
		}
	}

	for _, art := range artifacts {
		decision, _ := a.policies.Evaluate(ctx, policy.PrePersist, policy.Input{
			RunID:       rc.RunID,
			PrincipalID: rc.PrincipalID,
			TenantID:    rc.TenantID,
			Service:     rc.Service,
			Intent:      "persist_artifact",
			Excerpt:     art.Name,
		})
		if decision == policy.Block {
			rejected++
			continue
		}
		accepted = append(accepted, art)
	}
	if rejected > 0 {
		a.rejectAll(ctx, "policy", rejected)
	}
	return accepted, rejected
}

// rejectAll emits the artifact rejection event durably so the drop is in the
// log before the caller moves on.
func (a *Applier) rejectAll(ctx context.Context, reason string, count int) {
	if err := a.sink.EmitDurable(ctx, event.TypeArtifactsRejected, map[string]any{
		"reason": reason,
		"count":  count,
	}); err != nil {
		a.log.Error("failed to persist artifact rejection event",
			"reason", reason, "error", err)
	}
}
