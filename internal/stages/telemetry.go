package stages

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/pipeline"
)

// telemetry records the run's latency signals from the upstream outputs. It
// is unconditional: it runs on blocked and degraded runs too, and never fails
// the run. With no metrics instance bound it is a no-op.
//
// Token and cost counters are not recorded here. The run controller folds the
// run's provider call records, which already carry the stream's usage, into
// the run row and adds them to the usage counters once per run.
type telemetry struct {
	ports *pipeline.Ports
}

func newTelemetry(ports *pipeline.Ports) (pipeline.Stage, error) {
	return &telemetry{ports: ports}, nil
}

func (t *telemetry) Name() string { return StageTelemetry }

func (t *telemetry) Execute(ctx context.Context, sc *pipeline.StageContext) pipeline.Output {
	m := t.ports.Metrics
	if m == nil {
		return pipeline.OK(nil)
	}

	recorded := map[string]any{}

	if ttft := intResult(sc, StageLLMStream, "time_to_first_token_ms"); ttft > 0 {
		m.TimeToFirstToken.Record(ctx, float64(ttft)/1000,
			metric.WithAttributes(
				observe.Attr("topology", sc.Snapshot.Topology),
			),
		)
		recorded["time_to_first_token_ms"] = ttft
	}
	if ttfa := intResult(sc, StageSynthesize, "time_to_first_audio_ms"); ttfa > 0 {
		m.TimeToFirstAudio.Record(ctx, float64(ttfa)/1000,
			metric.WithAttributes(
				observe.Attr("topology", sc.Snapshot.Topology),
			),
		)
		recorded["time_to_first_audio_ms"] = ttfa
	}

	return pipeline.OK(recorded)
}
