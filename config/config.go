// Package config loads and validates the layered configuration the
// pipeline core consumes: hard-coded defaults, overridden by a YAML file,
// overridden by selected environment variables.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"neuravox/core"
)

// Processing holds the silence-segmentation and encode parameters (§4.10).
type Processing struct {
	SilenceThreshold   float64 `yaml:"silence_threshold"`
	MinSilenceDuration float64 `yaml:"min_silence_duration"`
	MinChunkDuration   float64 `yaml:"min_chunk_duration"`
	SampleRate         int     `yaml:"sample_rate"`
	OutputFormat       string  `yaml:"output_format"`
	Normalize          bool    `yaml:"normalize"`
}

// SearchIndex holds the optional C11 transcript search index settings.
type SearchIndex struct {
	Backend        string `yaml:"backend"` // none | memory | milvus | pgvector
	EmbeddingModel string `yaml:"embedding_model"`
	MilvusAddr     string `yaml:"milvus_addr"`
	PostgresURL    string `yaml:"postgres_url"`
}

// Transcription holds the scheduler and backend-selection parameters.
type Transcription struct {
	DefaultBackend     string      `yaml:"default_backend"`
	MaxConcurrent      int         `yaml:"max_concurrent"`
	IncludeTimestamps  bool        `yaml:"include_timestamps"`
	AttemptTimeoutS    float64     `yaml:"attempt_timeout_s"`
	SearchIndex        SearchIndex `yaml:"search_index"`
}

// Credentials holds the two cloud backend API keys, normally sourced from
// the environment rather than the YAML file.
type Credentials struct {
	CloudAKey string `yaml:"cloud_a_key"`
	CloudBKey string `yaml:"cloud_b_key"`
}

// Config is the fully-merged configuration consumed by the pipeline core.
type Config struct {
	Workspace      string         `yaml:"workspace"`
	Processing     Processing     `yaml:"processing"`
	Transcription  Transcription  `yaml:"transcription"`
	Credentials    Credentials    `yaml:"credentials"`
}

// Defaults returns the hard-coded baseline config (§4.10's "default" column).
func Defaults() *Config {
	return &Config{
		Workspace: defaultWorkspace(),
		Processing: Processing{
			SilenceThreshold:   0.01,
			MinSilenceDuration: 25.0,
			MinChunkDuration:   5.0,
			SampleRate:         16000,
			OutputFormat:       "flac",
			Normalize:          true,
		},
		Transcription: Transcription{
			DefaultBackend:    "cloud-a",
			MaxConcurrent:     3,
			IncludeTimestamps: true,
			AttemptTimeoutS:   300.0,
			SearchIndex: SearchIndex{
				Backend:        "none",
				EmbeddingModel: "text-embedding-3-small",
			},
		},
	}
}

// defaultWorkspace is ~/.neuravox/workspace, falling back to ./data if the
// home directory cannot be resolved.
func defaultWorkspace() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(home, ".neuravox", "workspace")
}

// Load builds the final Config by layering env vars over a YAML file over
// Defaults() — env > YAML file > defaults. configPath may be empty, in
// which case NEURAVOX_CONFIG is consulted, and failing that the YAML file
// at <workspace>/config.yaml is used if present, so a file dropped
// straight into the workspace root is picked up with no env var required.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if v := os.Getenv("NEURAVOX_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}

	if configPath == "" {
		configPath = os.Getenv("NEURAVOX_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(cfg.Workspace, "config.yaml")
	}
	if err := mergeYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func mergeYAMLFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.NewIOError("read config file: "+path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return core.NewValidationError("parse config file " + path + ": " + err.Error())
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NEURAVOX_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Credentials.CloudAKey = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.Credentials.CloudBKey = v
	}
}

// CredentialFor returns the configured credential for a backend id, and
// whether one is present.
func (c *Config) CredentialFor(backendID string) (string, bool) {
	switch backendID {
	case "cloud-a":
		return c.Credentials.CloudAKey, c.Credentials.CloudAKey != ""
	case "cloud-b":
		return c.Credentials.CloudBKey, c.Credentials.CloudBKey != ""
	default:
		return "", false
	}
}
