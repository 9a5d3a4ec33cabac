// Package config loads the judger configuration from config.toml, with a
// first-run template generator so operators edit a real file instead of
// reading docs.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// ErrTemplateWritten means no config existed and a template was generated.
// The caller should exit cleanly so the operator can edit it.
var ErrTemplateWritten = errors.New("config template written")

type Config struct {
	BrokerURL    string `toml:"broker_url"`
	Queue        string `toml:"queue"`
	DataDir      string `toml:"data_dir"`
	WebAPIURL    string `toml:"web_api_url"`
	JudgerUUID   string `toml:"judger_uuid"`
	DockerImage  string `toml:"docker_image"`
	LoggingLevel string `toml:"logging_level"`
	// prefetched but not yet running tasks held locally; the broker
	// client's internal buffering needs at least 2
	PrefetchCount int `toml:"prefetch_count"`
	// concurrently executing judging pipelines
	MaxTasksSametime int `toml:"max_tasks_sametime"`
}

func defaults() *Config {
	return &Config{
		BrokerURL:        "redis://127.0.0.1:6379",
		Queue:            "celery",
		DataDir:          "testdata",
		WebAPIURL:        "http://127.0.0.1:8080/",
		JudgerUUID:       uuid.NewString(),
		DockerImage:      "python",
		LoggingLevel:     "info",
		PrefetchCount:    2,
		MaxTasksSametime: 1,
	}
}

// Load reads the config file at path. When the file does not exist, a
// template with fresh defaults is written there and ErrTemplateWritten is
// returned. Environment variables JUDGER_BROKER_URL, JUDGER_WEB_API_URL and
// JUDGER_UUID override the file; a .env file is honored when present.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeTemplate(path); err != nil {
			return nil, fmt.Errorf("failed to write config template: %w", err)
		}
		return nil, ErrTemplateWritten
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	_ = godotenv.Load()
	if v := os.Getenv("JUDGER_BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv("JUDGER_WEB_API_URL"); v != "" {
		cfg.WebAPIURL = v
	}
	if v := os.Getenv("JUDGER_UUID"); v != "" {
		cfg.JudgerUUID = v
	}
	if v := os.Getenv("JUDGER_MAX_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTasksSametime = n
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.PrefetchCount < 2 {
		return fmt.Errorf("prefetch_count must be at least 2, got %d", c.PrefetchCount)
	}
	if c.MaxTasksSametime < 1 {
		return fmt.Errorf("max_tasks_sametime must be at least 1, got %d", c.MaxTasksSametime)
	}
	if !strings.HasSuffix(c.WebAPIURL, "/") {
		return fmt.Errorf("web_api_url must end with a slash: %q", c.WebAPIURL)
	}
	if _, err := url.Parse(c.WebAPIURL); err != nil {
		return fmt.Errorf("invalid web_api_url: %w", err)
	}
	if c.JudgerUUID == "" {
		return errors.New("judger_uuid must not be empty")
	}
	return nil
}

func writeTemplate(path string) error {
	data, err := toml.Marshal(defaults())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
