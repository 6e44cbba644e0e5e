package config_test

import (
	"strings"
	"testing"

	"github.com/voxline/voxline/internal/config"
)

func TestValidate_MissingLLMProvider(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing LLM provider, got nil")
	}
	if !strings.Contains(err.Error(), "providers.llm.name") {
		t.Errorf("error should mention providers.llm.name, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
providers:
  llm:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_IncompleteTLS(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/voxline/tls.crt
providers:
  llm:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS without key file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_UnknownTopology(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
pipeline:
  default_topology: chat_turbo
  deadlines:
    voice_slow: 10s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown topologies, got nil")
	}
	if !strings.Contains(err.Error(), "chat_turbo") {
		t.Errorf("error should mention default topology, got: %v", err)
	}
	if !strings.Contains(err.Error(), "voice_slow") {
		t.Errorf("error should mention deadline topology, got: %v", err)
	}
}

func TestValidate_InvalidPolicyOverride(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
policy:
  overrides:
    pre_llm: maybe
    mid_llm: block
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid policy overrides, got nil")
	}
	if !strings.Contains(err.Error(), "maybe") {
		t.Errorf("error should mention the invalid decision, got: %v", err)
	}
	if !strings.Contains(err.Error(), "mid_llm") {
		t.Errorf("error should mention the unknown checkpoint, got: %v", err)
	}
}

func TestValidate_NegativeValues(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
database:
  max_conns: -1
stream:
  frame_capacity: -5
retry:
  max_attempts: -2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative values, got nil")
	}
	for _, want := range []string{"max_conns", "frame_capacity", "max_attempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
pipeline:
  default_topology: chat_turbo
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined errors, got nil")
	}
	for _, want := range []string{"log_level", "chat_turbo", "providers.llm.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}
