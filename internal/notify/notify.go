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

// Package notify delivers consolidated burst notifications to recipients
// over SMTP.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"

	"gopkg.in/gomail.v2"
)

// Notification is one outbound email.
type Notification struct {
	To          string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []string // local file paths
}

// SMTPConfig holds the outbound mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPNotifier sends notifications through one SMTP relay.
type SMTPNotifier struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPNotifier creates a notifier. Port 465 uses implicit TLS; other
// ports upgrade with STARTTLS when the server offers it.
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}

	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &SMTPNotifier{dialer: d, from: from}
}

// Send delivers n. The SMTP exchange itself is not cancellable; ctx only
// bounds how long the caller waits for it.
func (s *SMTPNotifier) Send(ctx context.Context, n Notification) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", n.To)
	m.SetHeader("Subject", n.Subject)
	m.SetBody("text/plain", n.TextBody)
	if n.HTMLBody != "" {
		m.AddAlternative("text/html", n.HTMLBody)
	}
	for _, path := range n.Attachments {
		m.Attach(path, gomail.Rename(filepath.Base(path)))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.dialer.DialAndSend(m)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("send notification to %s: %w", n.To, err)
		}
		slog.InfoContext(ctx, "notification sent", "to", n.To, "attachments", len(n.Attachments))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send notification to %s: %w", n.To, ctx.Err())
	}
}
