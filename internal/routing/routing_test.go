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

package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bcem/intake/internal/models"
)

func TestResolve(t *testing.T) {
	r := New([]models.Recipient{
		{Category: "fiscal", Name: "Ana", Email: "ana@example.com"},
		{Category: "laboral", Name: "Luis", Email: "luis@example.com"},
		{Category: "contabilidad", Name: "Ana", Email: "ana@example.com"},
	}, models.Recipient{Category: "recepcion", Name: "Recepción", Email: "recepcion@example.com"})

	tests := []struct {
		name       string
		categories []string
		want       []string
	}{
		{name: "single match", categories: []string{"fiscal"}, want: []string{"ana@example.com"}},
		{name: "multiple in order", categories: []string{"laboral", "fiscal"}, want: []string{"luis@example.com", "ana@example.com"}},
		{name: "same recipient collapsed", categories: []string{"fiscal", "contabilidad"}, want: []string{"ana@example.com"}},
		{name: "unmatched goes to fallback", categories: []string{"mercantil"}, want: []string{"recepcion@example.com"}},
		{name: "default category", categories: []string{"recepcion"}, want: []string{"recepcion@example.com"}},
		{name: "unmatched and fallback collapsed", categories: []string{"mercantil", "recepcion"}, want: []string{"recepcion@example.com"}},
		{name: "empty input", categories: nil, want: []string{"recepcion@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, a := range r.Resolve(tt.categories) {
				got = append(got, a.Email)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_AssignmentFields(t *testing.T) {
	r := New([]models.Recipient{{Category: "fiscal", Name: "Ana", Email: "ana@example.com"}},
		models.Recipient{Category: "recepcion", Name: "Recepción", Email: "recepcion@example.com"})

	got := r.Resolve([]string{"fiscal", "mercantil"})
	assert.Equal(t, []models.Assignment{
		{Category: "fiscal", Name: "Ana", Email: "ana@example.com"},
		{Category: "recepcion", Name: "Recepción", Email: "recepcion@example.com"},
	}, got)
}

func TestCategories(t *testing.T) {
	r := New([]models.Recipient{
		{Category: "fiscal", Name: "Ana", Email: "ana@example.com"},
		{Category: "laboral", Name: "Luis", Email: "luis@example.com"},
	}, models.Recipient{Category: "recepcion", Name: "Recepción", Email: "recepcion@example.com"})

	tests := []struct {
		name       string
		categories []string
		want       []string
	}{
		{name: "configured kept", categories: []string{"laboral", "fiscal"}, want: []string{"laboral", "fiscal"}},
		{name: "unknown becomes fallback", categories: []string{"hallucinated"}, want: []string{"recepcion"}},
		{name: "unknown next to configured", categories: []string{"fiscal", "mercantil", "otro"}, want: []string{"fiscal", "recepcion"}},
		{name: "default category", categories: []string{"recepcion"}, want: []string{"recepcion"}},
		{name: "duplicates collapsed", categories: []string{"fiscal", "fiscal"}, want: []string{"fiscal"}},
		{name: "empty input", categories: nil, want: []string{"recepcion"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Categories(tt.categories))
		})
	}
}
