package config

import "time"

// ProvidersConfig is the ordered provider catalog. Order is registration order
// and breaks ranking ties.
type ProvidersConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	BaseURL       string            `yaml:"base_url"`
	APIKey        string            `yaml:"api_key"`
	APIVersion    string            `yaml:"api_version,omitempty"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Timeout       time.Duration     `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	Disabled      bool              `yaml:"disabled,omitempty"`
	Scores        ScoresConfig      `yaml:"scores"`
	Models        []ModelConfig     `yaml:"models"`
}

// ScoresConfig holds the operator-supplied ranking scores, each 0-10.
type ScoresConfig struct {
	Quality     float64 `yaml:"quality"`
	Speed       float64 `yaml:"speed"`
	Reliability float64 `yaml:"reliability"`
}

// HasCredentials reports whether an API key is configured. Local providers of
// type "local" need none.
func (p ProviderConfig) HasCredentials() bool {
	return p.APIKey != "" || p.Type == "local"
}
