package config

type ModelConfig struct {
	ID            string      `yaml:"id"`
	ContextWindow int         `yaml:"context_window"`
	Default       bool        `yaml:"default,omitempty"`
	Limits        QuotaLimits `yaml:"limits"`
}

// QuotaLimits are the upstream quota dimensions of one model. Zero means unlimited.
type QuotaLimits struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
	RPD int `yaml:"rpd"`
}
