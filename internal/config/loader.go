package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "ollama", "mistral", "groq", "deepseek", "llamacpp", "llamafile"},
	"stt": {"openai"},
	"tts": {"openai"},
}

// knownTopologies lists the topology names the pipeline registry ships with.
var knownTopologies = []string{"chat_fast", "chat_accurate", "voice_fast", "voice_accurate"}

// knownCheckpoints lists the policy checkpoint names an override may target.
var knownCheckpoints = []string{"pre_llm", "pre_action", "pre_persist"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} references are expanded from the environment before decoding, so
// secrets can stay out of the file. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation, warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required; every topology generates a response"))
	}
	if cfg.Providers.STT.Name == "" || cfg.Providers.TTS.Name == "" {
		slog.Warn("no STT or TTS provider configured; voice topologies will skip audio stages")
	}

	// Database availability
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; falling back to the in-memory store")
	}
	if cfg.Database.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("database.max_conns %d must not be negative", cfg.Database.MaxConns))
	}

	// Pipeline
	if t := cfg.Pipeline.DefaultTopology; t != "" && !slices.Contains(knownTopologies, t) {
		errs = append(errs, fmt.Errorf("pipeline.default_topology %q is unknown; valid values: %v", t, knownTopologies))
	}
	for name, d := range cfg.Pipeline.Deadlines {
		if !slices.Contains(knownTopologies, name) {
			errs = append(errs, fmt.Errorf("pipeline.deadlines has unknown topology %q; valid values: %v", name, knownTopologies))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.deadlines[%s] must be positive", name))
		}
	}
	if cfg.Pipeline.StageTimeout < 0 {
		errs = append(errs, errors.New("pipeline.stage_timeout must not be negative"))
	}
	if cfg.Pipeline.DefaultDeadline < 0 {
		errs = append(errs, errors.New("pipeline.default_deadline must not be negative"))
	}

	// Stream
	if cfg.Stream.FrameCapacity < 0 {
		errs = append(errs, fmt.Errorf("stream.frame_capacity %d must not be negative", cfg.Stream.FrameCapacity))
	}

	// Policy
	if cfg.Policy.MaxArtifacts < 0 {
		errs = append(errs, errors.New("policy.max_artifacts must not be negative"))
	}
	if cfg.Policy.MaxArtifactPayloadBytes < 0 {
		errs = append(errs, errors.New("policy.max_artifact_payload_bytes must not be negative"))
	}
	for cp, decision := range cfg.Policy.Overrides {
		if !slices.Contains(knownCheckpoints, cp) {
			errs = append(errs, fmt.Errorf("policy.overrides has unknown checkpoint %q; valid values: %v", cp, knownCheckpoints))
		}
		if decision != "allow" && decision != "block" {
			errs = append(errs, fmt.Errorf("policy.overrides[%s] %q is invalid; valid values: allow, block", cp, decision))
		}
	}

	// Retry
	if cfg.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	if cfg.Retry.InitialDelay < 0 || cfg.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
