// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llm provides minimal text completion backends for the classifier.
// Each backend returns the raw model text; callers own parsing and
// validation.
package llm

import (
	"context"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Provider constants for backend selection.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Backend completes one system + user prompt pair.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
	Model() string
}

// Request is a single-turn completion request.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	SchemaName   string // Optional: requests structured output when supported
	Schema       any
	MaxTokens    int
}

// Config holds backend configuration.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// New selects a backend based on cfg.Provider. OpenAI is the default.
func New(cfg Config) (Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	switch cfg.Provider {
	case "", ProviderOpenAI:
		return newOpenAIBackend(cfg), nil
	case ProviderAnthropic:
		return newAnthropicBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// GenerateSchema reflects a closed JSON schema from T.
func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}
