package app

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/pkg/provider/llm"
	"github.com/voxline/voxline/pkg/provider/llm/anyllm"
	llmopenai "github.com/voxline/voxline/pkg/provider/llm/openai"
	"github.com/voxline/voxline/pkg/provider/stt"
	sttopenai "github.com/voxline/voxline/pkg/provider/stt/openai"
	"github.com/voxline/voxline/pkg/provider/tts"
	ttsopenai "github.com/voxline/voxline/pkg/provider/tts/openai"
)

// anyLLMProviders are the LLM backends served through any-llm-go rather than
// the native OpenAI client.
var anyLLMProviders = []string{"anthropic", "gemini", "ollama", "mistral", "groq", "deepseek", "llamacpp", "llamafile"}

// DefaultRegistry returns a provider registry with every built-in factory
// registered.
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Client, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, opts...)
	})
	for _, name := range anyLLMProviders {
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Client, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, opts...)
		})
	}

	reg.RegisterSTT("openai", func(e config.ProviderEntry) (stt.Client, error) {
		var opts []sttopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, sttopenai.WithModel(e.Model))
		}
		return sttopenai.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(e config.ProviderEntry) (tts.Client, error) {
		var opts []ttsopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, ttsopenai.WithModel(e.Model))
		}
		return ttsopenai.New(e.APIKey, opts...)
	})

	return reg
}

// BuildProviders instantiates every configured provider through the registry.
// An empty provider name leaves the slot nil; topologies skip the stages that
// need it.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	p := &Providers{}
	var err error

	if e := cfg.Providers.LLM; e.Name != "" {
		if p.LLM, err = reg.CreateLLM(e); err != nil {
			return nil, fmt.Errorf("app: create llm provider: %w", err)
		}
	}
	if e := cfg.Providers.STT; e.Name != "" {
		if p.STT, err = reg.CreateSTT(e); err != nil {
			return nil, fmt.Errorf("app: create stt provider: %w", err)
		}
	}
	if e := cfg.Providers.TTS; e.Name != "" {
		if p.TTS, err = reg.CreateTTS(e); err != nil {
			return nil, fmt.Errorf("app: create tts provider: %w", err)
		}
	}
	return p, nil
}
