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

package processor

import "fmt"

const (
	genericAck = "Hemos recibido tu consulta. Un asesor te contactará en breve."
	areaAck    = "Hemos recibido tu consulta sobre el área %s. Un asesor te contactará en breve."
)

// AckText shapes the acknowledgment: exactly one specific category names
// that area, anything else gets the generic text.
func AckText(categories []string, defaultCategory string) string {
	var specific []string
	seen := map[string]bool{}
	for _, c := range categories {
		if c == defaultCategory || seen[c] {
			continue
		}
		seen[c] = true
		specific = append(specific, c)
	}
	if len(specific) == 1 {
		return fmt.Sprintf(areaAck, specific[0])
	}
	return genericAck
}
