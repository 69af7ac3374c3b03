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
	"fmt"
	"strings"

	"github.com/bcem/intake/internal/models"
)

func buildPrompt(recipients []models.Recipient, defaultCategory string) string {
	var lines []string
	for _, r := range recipients {
		lines = append(lines, fmt.Sprintf("- %s: %s", r.Category, r.Description))
	}
	lines = append(lines, fmt.Sprintf("- %s: saludos, horarios, dirección o teléfono de la oficina y cualquier consulta sin tema profesional", defaultCategory))

	var specific []string
	for _, r := range recipients {
		specific = append(specific, r.Category)
	}

	return fmt.Sprintf(`Eres el sistema de clasificación de una gestoría. Dado un mensaje de un cliente
(en castellano o catalán), identifica TODOS los temas presentes.

Categorías disponibles:
%s

REGLAS DE CLASIFICACIÓN:
1. Identifica TODAS las categorías que apliquen al mensaje
2. Si el mensaje menciona varios temas, incluye todas las categorías correspondientes
3. Usa "%s" SOLO para:
   - Mensajes puramente sobre horarios, dirección, teléfono de la oficina
   - Saludos sin contenido profesional ("hola", "buenos días")
   - Preguntas sobre empleados específicos ("está María?")
4. Si hay contenido profesional (%s) junto con preguntas de recepción, NO incluyas %s

Responde SOLO con un JSON: {"categories": ["..."], "summary": "..."}
- categories: array con una o más categorías
- summary: frase de máximo 15 palabras describiendo la consulta principal`,
		strings.Join(lines, "\n"),
		defaultCategory,
		strings.Join(specific, "/"),
		defaultCategory,
	)
}
