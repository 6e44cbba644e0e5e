package stages

import (
	"context"

	"github.com/voxline/voxline/internal/pipeline"
)

// Mode parameter defaults. The accurate tier trades latency for a larger
// completion budget and a lower temperature.
const (
	fastTemperature = 0.7
	fastMaxTokens   = 512

	accurateTemperature = 0.3
	accurateMaxTokens   = 1024
)

// router selects the run's model tier parameters from the snapshot's mode and
// quality settings. Downstream stages read its outputs instead of the
// snapshot so a topology can override routing without touching them.
type router struct {
	ports *pipeline.Ports
}

func newRouter(ports *pipeline.Ports) (pipeline.Stage, error) {
	return &router{ports: ports}, nil
}

func (r *router) Name() string { return StageRouter }

func (r *router) Execute(ctx context.Context, sc *pipeline.StageContext) pipeline.Output {
	snap := sc.Snapshot

	temperature := fastTemperature
	maxTokens := fastMaxTokens
	if snap.Mode == "accurate" {
		temperature = accurateTemperature
		maxTokens = accurateMaxTokens
	}
	if snap.QualityMode == "high" {
		maxTokens = accurateMaxTokens
	}

	return pipeline.OK(map[string]any{
		"provider":        r.ports.Models.LLMProvider,
		"model":           r.ports.Models.LLMModel,
		"temperature":     temperature,
		"max_tokens":      maxTokens,
		"skip_assessment": snap.Mode != "accurate",
	})
}
