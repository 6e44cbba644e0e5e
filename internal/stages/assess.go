package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxline/voxline/internal/applier"
	"github.com/voxline/voxline/internal/gateway"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/pkg/provider/llm"
)

const assessSystemPrompt = `You are a response quality assessor. Given a user
request and an assistant reply, respond with a JSON object of the form
{"score": <0.0-1.0>, "issues": ["..."]} and nothing else.`

// assessMaxTokens bounds the assessment completion.
const assessMaxTokens = 256

// assess runs a second, non-streamed LLM pass that scores the assistant's
// reply. The score is persisted as a run artifact. Assessment is best effort:
// a provider failure degrades the run rather than failing it.
type assess struct {
	ports *pipeline.Ports
}

func newAssess(ports *pipeline.Ports) (pipeline.Stage, error) {
	return &assess{ports: ports}, nil
}

func (a *assess) Name() string { return StageAssess }

func (a *assess) Execute(ctx context.Context, sc *pipeline.StageContext) pipeline.Output {
	if sc.Canceled(ctx) {
		return pipeline.Skip(pipeline.ReasonCanceled)
	}

	reply := sc.StringResult(StageLLMStream, "content")
	if reply == "" {
		return pipeline.Skip("no reply to assess")
	}

	prompt := fmt.Sprintf("User request:\n%s\n\nAssistant reply:\n%s",
		inputText(sc), reply)

	var result *llm.Result
	call := gateway.Call{
		Operation: gateway.OpLLMGenerate,
		Provider:  sc.StringResult(StageRouter, "provider"),
		Model:     sc.StringResult(StageRouter, "model"),
	}
	err := gateway.Retry(ctx, a.ports.Retry, func(ctx context.Context) error {
		return a.ports.Gateway.Invoke(ctx, call, func(ctx context.Context) (gateway.Usage, error) {
			var ierr error
			result, ierr = a.ports.LLM.Generate(ctx, llm.Request{
				Model:        call.Model,
				SystemPrompt: assessSystemPrompt,
				Messages:     []llm.Message{{Role: "user", Content: prompt}},
				MaxTokens:    assessMaxTokens,
			})
			if ierr != nil {
				return gateway.Usage{}, ierr
			}
			return gateway.Usage{
				TokensIn:     result.TokensIn,
				TokensOut:    result.TokensOut,
				CachedTokens: result.CachedTokens,
			}, ierr
		})
	})
	if err != nil {
		return pipeline.Degraded(map[string]any{"assessed": false}, err)
	}
	if sc.Canceled(ctx) {
		return pipeline.Skip(pipeline.ReasonCanceled)
	}

	score, issues := parseAssessment(result.Content)

	if a.ports.Applier != nil {
		payload, _ := json.Marshal(map[string]any{
			"score":  score,
			"issues": issues,
		})
		if _, aerr := a.ports.Applier.Apply(ctx, applier.Plan{
			Artifacts: []applier.ArtifactInput{{
				Kind:    "assessment",
				Name:    "response_quality",
				Payload: payload,
			}},
		}); aerr != nil {
			return pipeline.Degraded(map[string]any{
				"assessed": true,
				"score":    score,
			}, aerr)
		}
	}

	return pipeline.OK(map[string]any{
		"assessed": true,
		"score":    score,
		"issues":   issues,
	})
}

// parseAssessment extracts the score and issue list from the model's reply.
// Unparseable output yields a zero score with the raw text as the sole issue.
func parseAssessment(content string) (float64, []string) {
	content = strings.TrimSpace(content)
	// Models wrap JSON in code fences often enough to strip them here.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var parsed struct {
		Score  float64  `json:"score"`
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		return 0, []string{content}
	}
	return parsed.Score, parsed.Issues
}
