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

// Package classifier wraps the external text classification call. It owns
// prompt construction, strict schema validation of the model output, the
// fallback on unusable output and category post-processing.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	sjs "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bcem/intake/internal/llm"
	"github.com/bcem/intake/internal/models"
)

const (
	// EmptyBurstPlaceholder stands in for a burst that carries no text.
	EmptyBurstPlaceholder = "Documento adjunto sin texto"

	// AttachmentPrefix is prepended when any burst message has an attachment.
	AttachmentPrefix = "[El cliente ha adjuntado un documento/imagen junto con este mensaje]\n"

	// FallbackSummary accompanies the default category on unusable output.
	FallbackSummary = "Consulta general"

	schemaName = "classification"
	schemaURL  = "https://intake.local/schemas/classification.json"
)

// Result is the outcome of one classification.
type Result struct {
	Categories []string
	Summary    string
	Fallback   bool // true when the model output was not used
}

// output is the shape the model must return.
type output struct {
	Categories []string `json:"categories" jsonschema:"minItems=1"`
	Summary    string   `json:"summary"`
}

// Gateway classifies burst texts through an llm.Backend.
type Gateway struct {
	backend         llm.Backend
	defaultCategory string
	systemPrompt    string
	maxTokens       int
	schema          any
	validator       *sjs.Schema
}

// New builds a gateway. The system prompt lists every recipient category.
func New(backend llm.Backend, recipients []models.Recipient, defaultCategory string, maxTokens int) (*Gateway, error) {
	schema := llm.GenerateSchema[output]()
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal output schema: %w", err)
	}

	compiled, err := compileSchema(raw)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		backend:         backend,
		defaultCategory: defaultCategory,
		systemPrompt:    buildPrompt(recipients, defaultCategory),
		maxTokens:       maxTokens,
		schema:          schema,
		validator:       compiled,
	}, nil
}

func compileSchema(raw []byte) (*sjs.Schema, error) {
	doc, err := sjs.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode output schema: %w", err)
	}
	c := sjs.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add output schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	return compiled, nil
}

// BuildInput joins burst texts in arrival order, skipping empty ones.
func BuildInput(texts []string) string {
	var parts []string
	for _, t := range texts {
		if t != "" {
			parts = append(parts, t)
		}
	}
	joined := strings.Join(parts, "\n")
	if joined == "" {
		return EmptyBurstPlaceholder
	}
	return joined
}

// Classify runs one classification. It never fails: any backend error or
// unusable output yields the default category with FallbackSummary.
func (g *Gateway) Classify(ctx context.Context, text string, hasAttachment bool) Result {
	if hasAttachment {
		text = AttachmentPrefix + text
	}

	raw, err := g.backend.Complete(ctx, llm.Request{
		SystemPrompt: g.systemPrompt,
		UserPrompt:   text,
		SchemaName:   schemaName,
		Schema:       g.schema,
		MaxTokens:    g.maxTokens,
	})
	if err != nil {
		slog.WarnContext(ctx, "classifier call failed, using default category", "error", err)
		return g.fallback()
	}

	out, err := g.parse(raw)
	if err != nil {
		slog.WarnContext(ctx, "classifier output rejected, using default category",
			"error", err,
			"output", truncate(raw, 200),
		)
		return g.fallback()
	}

	categories := g.postProcess(out.Categories)
	if len(categories) == 0 {
		slog.WarnContext(ctx, "classifier returned only blank categories, using default category")
		return g.fallback()
	}

	summary := strings.TrimSpace(out.Summary)
	if summary == "" {
		summary = FallbackSummary
	}
	return Result{Categories: categories, Summary: summary}
}

func (g *Gateway) parse(raw string) (*output, error) {
	raw = stripCodeFence(raw)

	inst, err := sjs.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := g.validator.Validate(inst); err != nil {
		return nil, fmt.Errorf("schema violation: %w", err)
	}

	var out output
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return &out, nil
}

// postProcess trims and dedups categories, keeping first-seen order, and
// drops the default category when a specific one is present.
func (g *Gateway) postProcess(categories []string) []string {
	seen := make(map[string]bool, len(categories))
	var out []string
	hasSpecific := false
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
		if c != g.defaultCategory {
			hasSpecific = true
		}
	}
	if !hasSpecific {
		return out
	}

	filtered := out[:0]
	for _, c := range out {
		if c != g.defaultCategory {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func (g *Gateway) fallback() Result {
	return Result{
		Categories: []string{g.defaultCategory},
		Summary:    FallbackSummary,
		Fallback:   true,
	}
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
