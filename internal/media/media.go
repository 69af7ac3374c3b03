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

// Package media stores downloaded chat attachments on local disk.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExtension is used for content types without a known mapping.
const DefaultExtension = ".bin"

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",

	"application/pdf":          ".pdf",
	"application/msword":       ".doc",
	"application/vnd.ms-excel": ".xls",
	"text/plain":               ".txt",
	"text/csv":                 ".csv",

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ".xlsx",

	"audio/ogg":  ".ogg",
	"audio/mpeg": ".mp3",
	"audio/mp4":  ".m4a",
	"audio/aac":  ".aac",
	"audio/amr":  ".amr",
	"video/mp4":  ".mp4",
	"video/3gpp": ".3gp",
}

// Extension maps a reported content type to a file extension. Parameters
// such as "; codecs=opus" are ignored.
func Extension(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	base = strings.ToLower(strings.TrimSpace(base))
	if ext, ok := extensions[base]; ok {
		return ext
	}
	return DefaultExtension
}

// Store writes attachments under a single directory.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns where the attachment of platformID with contentType lives.
func (s *Store) Path(platformID, contentType string) string {
	return filepath.Join(s.dir, sanitize(platformID)+Extension(contentType))
}

// Save writes data for platformID and returns the stored path. The file is
// written to a temporary name first so a partial download is never visible.
func (s *Store) Save(platformID, contentType string, data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	path := s.Path(platformID, contentType)
	tmp, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close media: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename media: %w", err)
	}
	return path, nil
}

func sanitize(platformID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '=':
			return r
		}
		return '_'
	}, platformID)
}
