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

package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/bcem/intake/internal/models"
)

// Burst is the classified group of messages a notification describes.
type Burst struct {
	Messages   []models.Message // arrival order, at least one
	Categories []string
	Summary    string
}

type section struct {
	Index      int
	Text       string
	Attachment string
	OnlyMedia  bool
}

type badge struct {
	Name       string
	Background htmltemplate.CSS
	Color      htmltemplate.CSS
}

type view struct {
	Display     string
	Phone       string
	Date        string
	Time        string
	Categories  string
	Badges      []badge
	Summary     string
	Count       string
	Sections    []section
	Numbered    bool
	Attachments int
}

var badgeStyles = map[string][2]string{
	"fiscal":       {"#e3f2fd", "#1565c0"},
	"laboral":      {"#fff3e0", "#ef6c00"},
	"contabilidad": {"#e8f5e9", "#2e7d32"},
	"recepcion":    {"#fce4ec", "#c2185b"},
}

var (
	weekdays = [...]string{"Domingo", "Lunes", "Martes", "Miércoles", "Jueves", "Viernes", "Sábado"}
	months   = [...]string{"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre"}
)

// Subject formats "[CATEGORIES] display: summary".
func Subject(b Burst) string {
	return fmt.Sprintf("[%s] %s: %s",
		strings.ToUpper(strings.Join(b.Categories, ", ")),
		b.Messages[0].DisplayName(),
		b.Summary,
	)
}

// Build renders the consolidated notification of b for one recipient.
// Media files that no longer exist on disk are listed but not attached.
func Build(to string, b Burst, loc *time.Location) (Notification, error) {
	if len(b.Messages) == 0 {
		return Notification{}, fmt.Errorf("build notification: empty burst")
	}
	if loc == nil {
		loc = time.Local
	}

	first := b.Messages[0]
	created := first.CreatedAt.In(loc)

	v := view{
		Display:    first.DisplayName(),
		Phone:      first.Sender,
		Date:       fmt.Sprintf("%s, %d de %s de %d", weekdays[created.Weekday()], created.Day(), months[created.Month()-1], created.Year()),
		Time:       created.Format("15:04"),
		Categories: strings.Join(b.Categories, ", "),
		Summary:    b.Summary,
		Numbered:   len(b.Messages) > 1,
	}
	if len(b.Messages) == 1 {
		v.Count = "1 mensaje"
	} else {
		v.Count = fmt.Sprintf("%d mensajes agrupados", len(b.Messages))
	}
	for _, c := range b.Categories {
		style, ok := badgeStyles[c]
		if !ok {
			style = [2]string{"#e0e0e0", "#333"}
		}
		v.Badges = append(v.Badges, badge{Name: c, Background: htmltemplate.CSS(style[0]), Color: htmltemplate.CSS(style[1])})
	}

	var attachments []string
	for _, m := range b.Messages {
		s := section{Index: len(v.Sections) + 1, Text: m.TextOrEmpty()}
		if m.HasMedia() {
			path := *m.MediaPath
			s.Attachment = filepath.Base(path)
			if _, err := os.Stat(path); err == nil {
				attachments = append(attachments, path)
			}
		}
		if s.Text == "" && s.Attachment == "" {
			continue
		}
		s.OnlyMedia = s.Text == ""
		v.Sections = append(v.Sections, s)
	}
	v.Attachments = len(attachments)

	var text, html bytes.Buffer
	if err := textTmpl.Execute(&text, v); err != nil {
		return Notification{}, fmt.Errorf("render text body: %w", err)
	}
	if err := htmlTmpl.Execute(&html, v); err != nil {
		return Notification{}, fmt.Errorf("render html body: %w", err)
	}

	return Notification{
		To:          to,
		Subject:     Subject(b),
		TextBody:    strings.TrimSpace(text.String()),
		HTMLBody:    strings.TrimSpace(html.String()),
		Attachments: attachments,
	}, nil
}

var textTmpl = template.Must(template.New("text").Parse(`
Nueva consulta recibida por WhatsApp
=====================================

Cliente: {{.Display}}
Teléfono: {{.Phone}}
Fecha: {{.Date}} {{.Time}}
Categoría: {{.Categories}}
Resumen: {{.Summary}}
{{.Count}}

Mensaje(s):
{{range $i, $s := .Sections}}{{if $i}}

---

{{end}}{{if $s.OnlyMedia}}📎 {{$s.Attachment}}{{else}}{{$s.Text}}{{if $s.Attachment}}
📎 {{$s.Attachment}}{{end}}{{end}}{{else}}(Sin contenido){{end}}
{{if .Attachments}}
Adjuntos: {{.Attachments}} archivo(s)
{{end}}
---
Enviado automáticamente por WhatsApp Intake
`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Funcs(htmltemplate.FuncMap{
	"lines": func(s string) []string { return strings.Split(s, "\n") },
}).Parse(`
<div style="font-family: Arial, sans-serif; max-width: 600px;">
  <h2 style="color: #25D366;">Nueva consulta por WhatsApp</h2>
  <table style="border-collapse: collapse; width: 100%; margin-bottom: 20px;">
    <tr><td style="padding: 8px; border: 1px solid #ddd; background: #f9f9f9;"><strong>Fecha</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Date}}</td></tr>
    <tr><td style="padding: 8px; border: 1px solid #ddd; background: #f9f9f9;"><strong>Hora</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Time}}</td></tr>
    <tr><td style="padding: 8px; border: 1px solid #ddd; background: #f9f9f9;"><strong>Cliente</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Display}}</td></tr>
    <tr><td style="padding: 8px; border: 1px solid #ddd; background: #f9f9f9;"><strong>Teléfono</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Phone}}</td></tr>
    <tr><td style="padding: 8px; border: 1px solid #ddd; background: #f9f9f9;"><strong>Categoría</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{range .Badges}}<span style="background: {{.Background}}; color: {{.Color}}; padding: 4px 10px; border-radius: 4px; font-weight: bold; font-size: 13px; display: inline-block; margin-right: 8px; margin-bottom: 4px;">{{.Name}}</span>{{end}}</td></tr>
    <tr><td style="padding: 8px; border: 1px solid #ddd; background: #f9f9f9;"><strong>Resumen</strong></td><td style="padding: 8px; border: 1px solid #ddd;"><em>{{.Summary}}</em></td></tr>
    <tr><td style="padding: 8px; border: 1px solid #ddd; background: #f9f9f9;"><strong>Mensajes</strong></td><td style="padding: 8px; border: 1px solid #ddd;">{{.Count}}</td></tr>
  </table>
  {{range .Sections}}
  <div style="background: {{if .OnlyMedia}}#e8f5e9{{else}}#f5f5f5{{end}}; padding: 15px; border-left: 4px solid {{if .OnlyMedia}}#4CAF50{{else}}#25D366{{end}}; margin-bottom: 10px;">
    {{if $.Numbered}}<small style="color: #666;">Mensaje {{.Index}}:</small><br>{{end}}
    {{if .OnlyMedia}}📎 {{.Attachment}}{{else}}{{range $i, $l := lines .Text}}{{if $i}}<br>{{end}}{{$l}}{{end}}{{if .Attachment}}<br><span style="color: #4CAF50;">📎 {{.Attachment}}</span>{{end}}{{end}}
  </div>
  {{else}}
  <p><em>(Sin contenido)</em></p>
  {{end}}
  {{if .Attachments}}<p>📎 <strong>{{.Attachments}} archivo(s) adjunto(s)</strong></p>{{end}}
  <hr style="border: none; border-top: 1px solid #ddd; margin: 20px 0;">
  <p style="color: #666; font-size: 12px;">Enviado automáticamente por WhatsApp Intake</p>
</div>
`))
