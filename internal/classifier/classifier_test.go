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

package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/intake/internal/llm"
	"github.com/bcem/intake/internal/models"
)

type fakeBackend struct {
	out   string
	err   error
	calls []llm.Request
}

func (f *fakeBackend) Complete(_ context.Context, req llm.Request) (string, error) {
	f.calls = append(f.calls, req)
	return f.out, f.err
}

func (f *fakeBackend) Model() string { return "fake" }

var testRecipients = []models.Recipient{
	{Category: "fiscal", Description: "impuestos, IVA, IRPF", Name: "Ana", Email: "ana@example.com"},
	{Category: "laboral", Description: "nóminas, contratos, despidos", Name: "Luis", Email: "luis@example.com"},
}

func newGateway(t *testing.T, b llm.Backend) *Gateway {
	t.Helper()
	g, err := New(b, testRecipients, "recepcion", 150)
	require.NoError(t, err)
	return g
}

func TestBuildInput(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		want  string
	}{
		{name: "joins in order", texts: []string{"hola", "quiero pagar el IVA"}, want: "hola\nquiero pagar el IVA"},
		{name: "skips empty", texts: []string{"", "nómina", ""}, want: "nómina"},
		{name: "attachments only", texts: []string{"", ""}, want: EmptyBurstPlaceholder},
		{name: "no messages", texts: nil, want: EmptyBurstPlaceholder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildInput(tt.texts))
		})
	}
}

func TestClassify_PostProcessing(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    []string
		summary string
	}{
		{
			name:    "default dropped when specific present",
			output:  `{"categories":["recepcion","fiscal"],"summary":"Pago de IVA"}`,
			want:    []string{"fiscal"},
			summary: "Pago de IVA",
		},
		{
			name:    "default alone kept",
			output:  `{"categories":["recepcion"],"summary":"Horario de oficina"}`,
			want:    []string{"recepcion"},
			summary: "Horario de oficina",
		},
		{
			name:    "duplicates collapsed in first-seen order",
			output:  `{"categories":["laboral","fiscal","laboral"],"summary":"Nómina e IVA"}`,
			want:    []string{"laboral", "fiscal"},
			summary: "Nómina e IVA",
		},
		{
			name:    "fenced output accepted",
			output:  "```json\n{\"categories\":[\"fiscal\"],\"summary\":\"IRPF\"}\n```",
			want:    []string{"fiscal"},
			summary: "IRPF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t, &fakeBackend{out: tt.output})
			res := g.Classify(context.Background(), "texto", false)
			assert.Equal(t, tt.want, res.Categories)
			assert.Equal(t, tt.summary, res.Summary)
			assert.False(t, res.Fallback)
		})
	}
}

func TestClassify_Fallback(t *testing.T) {
	tests := []struct {
		name string
		out  string
		err  error
	}{
		{name: "invalid JSON", out: `categorias: fiscal`},
		{name: "empty categories", out: `{"categories":[],"summary":"nada"}`},
		{name: "missing summary", out: `{"categories":["fiscal"]}`},
		{name: "wrong types", out: `{"categories":"fiscal","summary":1}`},
		{name: "extra properties", out: `{"categories":["fiscal"],"summary":"x","confidence":0.9}`},
		{name: "blank categories", out: `{"categories":["  "],"summary":"x"}`},
		{name: "backend error", err: errors.New("timeout")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t, &fakeBackend{out: tt.out, err: tt.err})
			res := g.Classify(context.Background(), "texto", false)
			assert.Equal(t, []string{"recepcion"}, res.Categories)
			assert.Equal(t, FallbackSummary, res.Summary)
			assert.True(t, res.Fallback)
		})
	}
}

func TestClassify_AttachmentPrefix(t *testing.T) {
	b := &fakeBackend{out: `{"categories":["fiscal"],"summary":"Factura"}`}
	g := newGateway(t, b)

	g.Classify(context.Background(), "la factura", true)
	g.Classify(context.Background(), "sin adjunto", false)

	require.Len(t, b.calls, 2)
	assert.Equal(t, AttachmentPrefix+"la factura", b.calls[0].UserPrompt)
	assert.Equal(t, "sin adjunto", b.calls[1].UserPrompt)
	assert.Equal(t, "classification", b.calls[0].SchemaName)
	assert.NotNil(t, b.calls[0].Schema)
}

func TestPrompt_ListsCategories(t *testing.T) {
	b := &fakeBackend{out: `{"categories":["fiscal"],"summary":"x"}`}
	g := newGateway(t, b)
	g.Classify(context.Background(), "x", false)

	prompt := b.calls[0].SystemPrompt
	assert.Contains(t, prompt, "- fiscal: impuestos, IVA, IRPF")
	assert.Contains(t, prompt, "- laboral: nóminas, contratos, despidos")
	assert.Contains(t, prompt, "- recepcion:")
}
