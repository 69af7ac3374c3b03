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

package testutil

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
)

// Mail is one message accepted by the in-memory SMTP server.
type Mail struct {
	From string
	To   []string
	Data []byte
}

// SMTPServer is an unauthenticated in-memory SMTP server for tests.
type SMTPServer struct {
	Host string
	Port int

	mu       sync.Mutex
	messages []Mail
	rejectTo map[string]bool
}

// NewSMTPServer starts a server on a random local port and stops it when the
// test ends.
func NewSMTPServer(t *testing.T) *SMTPServer {
	t.Helper()

	srv := &SMTPServer{rejectTo: map[string]bool{}}
	s := smtp.NewServer(srv)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	srv.Host = addr.IP.String()
	srv.Port = addr.Port

	go s.Serve(listener)
	t.Cleanup(func() { s.Close() })
	return srv
}

// RejectRecipient makes RCPT TO fail for addr.
func (s *SMTPServer) RejectRecipient(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectTo[addr] = true
}

// Messages returns a copy of every accepted message.
func (s *SMTPServer) Messages() []Mail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Mail(nil), s.messages...)
}

// NewSession implements smtp.Backend.
func (s *SMTPServer) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &smtpSession{server: s}, nil
}

type smtpSession struct {
	server *SMTPServer
	from   string
	to     []string
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.server.mu.Lock()
	rejected := s.server.rejectTo[to]
	s.server.mu.Unlock()
	if rejected {
		return &smtp.SMTPError{Code: 550, Message: "mailbox unavailable"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	s.server.messages = append(s.server.messages, Mail{From: s.from, To: s.to, Data: data})
	return nil
}

func (s *smtpSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *smtpSession) Logout() error {
	return nil
}
