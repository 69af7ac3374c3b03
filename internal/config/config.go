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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bcem/intake/internal/models"
)

// DefaultCategory is the catch-all category used when no specific topic
// applies or the classifier output is unusable.
const DefaultCategory = "recepcion"

// WhatsAppConfig holds the Cloud API credentials.
type WhatsAppConfig struct {
	PhoneNumberID string
	AccessToken   string
	VerifyToken   string
	GraphBaseURL  string
	MarkRead      bool
}

// ClassifierConfig selects and configures the text-classification backend.
type ClassifierConfig struct {
	Provider        string // "openai" or "anthropic"
	APIKey          string
	BaseURL         string
	Model           string
	MaxTokens       int
	DefaultCategory string
}

// SMTPConfig holds the outbound notification transport settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Configured reports whether enough SMTP settings exist to send mail.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Username != "" && c.Password != ""
}

// BurstConfig tunes burst aggregation and the deferred sweep.
type BurstConfig struct {
	ContextWindow  time.Duration
	SweepInterval  time.Duration
	BatchTimeout   time.Duration
	MaxConcurrency int
}

// Config holds all configuration for the intake service.
type Config struct {
	Env      string
	LogLevel string

	// Servers
	Port       int
	HealthPort int

	// Postgres
	DatabaseURL string
	DBMaxConns  int32

	// Redis
	RedisURL   string
	SeenTTL    time.Duration
	EventsList string

	SnowflakeNode int64
	MediaDir      string

	WhatsApp   WhatsAppConfig
	Classifier ClassifierConfig
	SMTP       SMTPConfig
	Burst      BurstConfig

	Recipients []models.Recipient
	Fallback   models.Recipient
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	Server   struct {
		Port       int `yaml:"port"`
		HealthPort int `yaml:"health_port"`
	} `yaml:"server"`
	Database struct {
		URL      string `yaml:"url"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"database"`
	Redis struct {
		URL     string `yaml:"url"`
		SeenTTL string `yaml:"seen_ttl"`
		Events  string `yaml:"events_list"`
	} `yaml:"redis"`
	WhatsApp struct {
		PhoneNumberID string `yaml:"phone_number_id"`
		AccessToken   string `yaml:"access_token"`
		VerifyToken   string `yaml:"verify_token"`
		GraphBaseURL  string `yaml:"graph_base_url"`
		MarkRead      bool   `yaml:"mark_read"`
	} `yaml:"whatsapp"`
	Classifier struct {
		Provider        string `yaml:"provider"`
		APIKey          string `yaml:"api_key"`
		BaseURL         string `yaml:"base_url"`
		Model           string `yaml:"model"`
		MaxTokens       int    `yaml:"max_tokens"`
		DefaultCategory string `yaml:"default_category"`
	} `yaml:"classifier"`
	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`
	Burst struct {
		ContextWindow  string `yaml:"context_window"`
		SweepInterval  string `yaml:"sweep_interval"`
		BatchTimeout   string `yaml:"batch_timeout"`
		MaxConcurrency int    `yaml:"max_concurrency"`
	} `yaml:"burst"`
	Media struct {
		Dir string `yaml:"dir"`
	} `yaml:"media"`
	SnowflakeNode int64              `yaml:"snowflake_node"`
	Recipients    []models.Recipient `yaml:"recipients"`
	Fallback      models.Recipient   `yaml:"fallback"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables. In development a local .env file is loaded first.
func Load() (*Config, error) {
	if envOrDefault("INTAKE_ENV", "development") == "development" {
		_ = godotenv.Load()
	}
	return LoadFile(envOrDefault("CONFIG_PATH", "config.yaml"))
}

// LoadFile reads configuration from the given YAML file.
func LoadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Env:         firstNonEmpty(os.Getenv("INTAKE_ENV"), raw.Env, "development"),
		LogLevel:    firstNonEmpty(os.Getenv("LOG_LEVEL"), raw.LogLevel, "info"),
		Port:        envOrDefaultInt("PORT", firstPositive(raw.Server.Port, 3000)),
		HealthPort:  envOrDefaultInt("HEALTH_PORT", firstPositive(raw.Server.HealthPort, 8080)),
		DatabaseURL: firstNonEmpty(os.Getenv("DATABASE_URL"), raw.Database.URL),
		DBMaxConns:  int32(firstPositive(int(raw.Database.MaxConns), 10)),
		RedisURL:    firstNonEmpty(os.Getenv("REDIS_URL"), raw.Redis.URL, "redis://localhost:6379/0"),
		SeenTTL:     parseDuration(raw.Redis.SeenTTL, 24*time.Hour),
		EventsList:  firstNonEmpty(raw.Redis.Events, "intake:bursts"),

		SnowflakeNode: raw.SnowflakeNode,
		MediaDir:      firstNonEmpty(os.Getenv("MEDIA_DIR"), raw.Media.Dir, "media"),

		WhatsApp: WhatsAppConfig{
			PhoneNumberID: firstNonEmpty(os.Getenv("WA_PHONE_NUMBER_ID"), raw.WhatsApp.PhoneNumberID),
			AccessToken:   firstNonEmpty(os.Getenv("WA_ACCESS_TOKEN"), raw.WhatsApp.AccessToken),
			VerifyToken:   firstNonEmpty(os.Getenv("WA_VERIFY_TOKEN"), raw.WhatsApp.VerifyToken),
			GraphBaseURL:  firstNonEmpty(raw.WhatsApp.GraphBaseURL, "https://graph.facebook.com/v21.0"),
			MarkRead:      raw.WhatsApp.MarkRead,
		},
		Classifier: ClassifierConfig{
			Provider:        firstNonEmpty(raw.Classifier.Provider, "openai"),
			APIKey:          firstNonEmpty(os.Getenv("CLASSIFIER_API_KEY"), raw.Classifier.APIKey),
			BaseURL:         raw.Classifier.BaseURL,
			Model:           raw.Classifier.Model,
			MaxTokens:       firstPositive(raw.Classifier.MaxTokens, 150),
			DefaultCategory: firstNonEmpty(raw.Classifier.DefaultCategory, DefaultCategory),
		},
		SMTP: SMTPConfig{
			Host:     firstNonEmpty(os.Getenv("SMTP_HOST"), raw.SMTP.Host),
			Port:     envOrDefaultInt("SMTP_PORT", firstPositive(raw.SMTP.Port, 587)),
			Username: firstNonEmpty(os.Getenv("SMTP_USER"), raw.SMTP.Username),
			Password: firstNonEmpty(os.Getenv("SMTP_PASSWORD"), raw.SMTP.Password),
		},
		Burst: BurstConfig{
			ContextWindow:  parseDuration(raw.Burst.ContextWindow, 15*time.Second),
			SweepInterval:  parseDuration(raw.Burst.SweepInterval, 10*time.Second),
			BatchTimeout:   parseDuration(raw.Burst.BatchTimeout, 2*time.Minute),
			MaxConcurrency: firstPositive(raw.Burst.MaxConcurrency, 4),
		},
		Recipients: raw.Recipients,
		Fallback:   raw.Fallback,
	}
	cfg.SMTP.From = firstNonEmpty(os.Getenv("EMAIL_FROM"), raw.SMTP.From, cfg.SMTP.Username)

	if cfg.Fallback.Category == "" {
		cfg.Fallback.Category = cfg.Classifier.DefaultCategory
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "database.url")
	}
	if c.WhatsApp.PhoneNumberID == "" {
		missing = append(missing, "whatsapp.phone_number_id")
	}
	if c.WhatsApp.AccessToken == "" {
		missing = append(missing, "whatsapp.access_token")
	}
	if c.WhatsApp.VerifyToken == "" {
		missing = append(missing, "whatsapp.verify_token")
	}
	if c.Fallback.Email == "" {
		missing = append(missing, "fallback.email")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if c.Classifier.Provider != "openai" && c.Classifier.Provider != "anthropic" {
		return fmt.Errorf("unknown classifier provider %q", c.Classifier.Provider)
	}

	seen := make(map[string]bool, len(c.Recipients))
	for i, r := range c.Recipients {
		if r.Category == "" || r.Email == "" {
			return fmt.Errorf("recipient %d: category and email are required", i)
		}
		if seen[r.Category] {
			return fmt.Errorf("recipient %d: duplicate category %q", i, r.Category)
		}
		if r.Category == c.Classifier.DefaultCategory {
			return fmt.Errorf("recipient %d: category %q is reserved for the fallback recipient", i, r.Category)
		}
		seen[r.Category] = true
	}

	if c.Burst.ContextWindow <= 0 || c.Burst.SweepInterval <= 0 {
		return fmt.Errorf("burst context_window and sweep_interval must be positive")
	}

	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
