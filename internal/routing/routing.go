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

// Package routing resolves classified categories to configured recipients.
package routing

import "github.com/bcem/intake/internal/models"

// Router maps categories to recipients.
type Router struct {
	byCategory map[string]models.Recipient
	fallback   models.Recipient
}

// New builds a Router. fallback receives every category without a
// configured recipient.
func New(recipients []models.Recipient, fallback models.Recipient) *Router {
	byCategory := make(map[string]models.Recipient, len(recipients))
	for _, r := range recipients {
		byCategory[r.Category] = r
	}
	return &Router{byCategory: byCategory, fallback: fallback}
}

// Categories maps classified categories onto routable ones. Categories
// without a configured recipient become the fallback's category; the result
// is deduplicated, keeps classifier order and is never empty.
func (r *Router) Categories(categories []string) []string {
	seen := make(map[string]bool, len(categories))
	var out []string
	for _, c := range categories {
		if _, ok := r.byCategory[c]; !ok {
			c = r.fallback.Category
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	if len(out) == 0 {
		out = append(out, r.fallback.Category)
	}
	return out
}

// Resolve returns one assignment per distinct recipient email, in category
// order. Unmatched categories are assigned to the fallback recipient under
// the fallback's own category.
func (r *Router) Resolve(categories []string) []models.Assignment {
	seen := make(map[string]bool, len(categories))
	var out []models.Assignment
	for _, c := range categories {
		rec, ok := r.byCategory[c]
		if !ok {
			rec = r.fallback
		}
		if seen[rec.Email] {
			continue
		}
		seen[rec.Email] = true
		out = append(out, models.Assignment{
			Category: rec.Category,
			Name:     rec.Name,
			Email:    rec.Email,
		})
	}
	if len(out) == 0 {
		out = append(out, models.Assignment{
			Category: r.fallback.Category,
			Name:     r.fallback.Name,
			Email:    r.fallback.Email,
		})
	}
	return out
}
