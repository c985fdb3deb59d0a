package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config models opsboard.yml. It is stored per shop in the database and
// seeded from the embedded default template.
type Config struct {
	Shop struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"shop"`
	Board struct {
		PageSize int `yaml:"page_size"`
	} `yaml:"board"`
	Notifications []NotificationTarget `yaml:"notifications"`
}

// NotificationTarget is one webhook receiver for history entries, e.g. the
// Telegram bridge that only wants alert-category entries.
type NotificationTarget struct {
	Name       string   `yaml:"name"`
	URL        string   `yaml:"url"`
	Categories []string `yaml:"categories"`
	Enabled    *bool    `yaml:"enabled,omitempty"`
}

var knownCategories = map[string]bool{
	"sales": true, "tech": true, "after_sale": true, "alert": true, "info": true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Shop.ID == "" {
		return fmt.Errorf("config.shop.id is required")
	}
	if c.Shop.Kind != "service-shop" {
		return fmt.Errorf("config.shop.kind must be 'service-shop'")
	}
	if c.Board.PageSize < 0 {
		return fmt.Errorf("config.board.page_size must not be negative")
	}
	for i, target := range c.Notifications {
		if target.Name == "" {
			return fmt.Errorf("notifications[%d].name is required", i)
		}
		for _, cat := range target.Categories {
			if !knownCategories[cat] {
				return fmt.Errorf("notification %s references unknown category %s", target.Name, cat)
			}
		}
	}
	return nil
}

// PageSize returns the configured board page size or the default.
func (c *Config) PageSize() int {
	if c.Board.PageSize > 0 {
		return c.Board.PageSize
	}
	return 50
}

// GenerateDefault returns default config YAML.
func GenerateDefault(shopID string) string {
	return fmt.Sprintf(defaultTemplate, shopID)
}

// Default returns the default Config struct for a shop.
func Default(shopID string) *Config {
	var cfg Config
	cfg.Shop.ID = shopID
	cfg.Shop.Kind = "service-shop"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, shopID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `shop:
  id: %s
  kind: service-shop

board:
  page_size: 50

notifications:
  - name: telegram-bridge
    url: ""
    categories: [alert]
    enabled: false
`
