// Package config holds all repogate configuration.
// A Config is an immutable snapshot: it is loaded once per run and never
// mutated afterward.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all repogate configuration.
type Config struct {
	// Root is the repository root every operation is confined to.
	Root string `yaml:"root"`

	// Boundary configures path validation.
	Boundary BoundaryConfig `yaml:"boundary"`

	// Sandbox configures isolated execution.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Index configures the similarity index.
	Index IndexConfig `yaml:"index"`

	// Embedding configures the embedding service collaborator.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Limits configures buffer and payload ceilings.
	Limits LimitsConfig `yaml:"limits"`

	// Logging configures the categorized debug logs.
	Logging LoggingConfig `yaml:"logging"`
}

// BoundaryConfig configures path validation.
type BoundaryConfig struct {
	// Exclude lists doublestar patterns matched against repository-relative
	// paths; a match rejects the operation.
	Exclude []string `yaml:"exclude"`

	// AllowedWriteExtensions is the extension allow-list for write targets
	// (with leading dot, e.g. ".go"). Extensionless targets are rejected.
	AllowedWriteExtensions []string `yaml:"allowed_write_extensions"`
}

// SandboxConfig configures isolated execution.
type SandboxConfig struct {
	// Enabled gates the execute operation entirely.
	Enabled bool `yaml:"enabled"`

	// AllowedCommands is the allow-list for the first token of an execute
	// command.
	AllowedCommands []string `yaml:"allowed_commands"`

	// Image is the container image used for sandboxed execution.
	Image string `yaml:"image"`

	// ApprovedImages lists images the backend may run. An image outside this
	// list is a validation failure, not a fallback.
	ApprovedImages []string `yaml:"approved_images"`

	// AllowDirectFallback permits running commands as plain host processes
	// when no container runtime is available. Off by default: a missing
	// runtime should fail execution, not weaken it.
	AllowDirectFallback bool `yaml:"allow_direct_fallback"`

	// Timeout is the hard wall-clock ceiling per execute operation.
	Timeout Duration `yaml:"timeout"`

	// GracePeriod is how long to wait after termination before a forceful kill.
	GracePeriod Duration `yaml:"grace_period"`

	// MaxMemoryBytes limits sandbox memory. Zero means backend default.
	MaxMemoryBytes int64 `yaml:"max_memory_bytes"`

	// CPULimit is the CPU share (e.g. 1.0 = one core). Zero means unlimited.
	CPULimit float64 `yaml:"cpu_limit"`

	// MaxProcesses limits the number of processes in the sandbox.
	MaxProcesses int `yaml:"max_processes"`

	// MaxOutputBytes caps captured stdout/stderr per stream.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

// IndexConfig configures the similarity index.
type IndexConfig struct {
	// Enabled gates the search operation entirely.
	Enabled bool `yaml:"enabled"`

	// DatabasePath is the SQLite file backing the index. Relative paths are
	// resolved under the repository root.
	DatabasePath string `yaml:"database_path"`

	// MaxFileBytes is the per-file size ceiling for indexing.
	MaxFileBytes int64 `yaml:"max_file_bytes"`

	// ExcerptBytes bounds how much of a file is sent for embedding.
	ExcerptBytes int `yaml:"excerpt_bytes"`

	// MinSimilarity filters query results below this cosine similarity.
	MinSimilarity float64 `yaml:"min_similarity"`

	// MaxResults truncates the ranked result list.
	MaxResults int `yaml:"max_results"`

	// PreviewLines is how many leading lines each result carries.
	PreviewLines int `yaml:"preview_lines"`
}

// EmbeddingConfig configures the embedding service collaborator.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai".
	Provider string `yaml:"provider"`

	// Ollama configuration.
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	// GenAI configuration.
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	// Dimensions the index was built with. A provider returning a different
	// dimensionality is a fatal configuration error.
	Dimensions int `yaml:"dimensions"`

	// Timeout bounds each embedding call. This is the slow path during
	// indexing and is deliberately longer than file-read timeouts.
	Timeout Duration `yaml:"timeout"`
}

// LimitsConfig configures buffer and payload ceilings.
type LimitsConfig struct {
	// MaxBodyBytes caps a recognized operation body during scanning.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// MaxReadBytes caps the size of a file served by a read operation.
	MaxReadBytes int64 `yaml:"max_read_bytes"`

	// MaxWriteBytes caps the content of a write operation.
	MaxWriteBytes int64 `yaml:"max_write_bytes"`
}

// LoggingConfig configures the categorized debug logs.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Root: ".",
		Boundary: BoundaryConfig{
			Exclude: []string{
				".git/**",
				".repogate/**",
				"node_modules/**",
				"vendor/**",
			},
			AllowedWriteExtensions: []string{
				".go", ".md", ".txt", ".json", ".yaml", ".yml",
				".py", ".js", ".ts", ".sh", ".toml", ".sql", ".html", ".css",
			},
		},
		Sandbox: SandboxConfig{
			Enabled: true,
			// No shell binaries by default: "sh" on the allow-list lets
			// `sh -c` carry arbitrary commands past the first-token check.
			// Operators can opt in explicitly.
			AllowedCommands: []string{
				"go", "ls", "cat", "grep", "find", "wc", "head", "tail",
				"git", "make", "echo", "sleep",
			},
			Image:          "alpine:latest",
			ApprovedImages: []string{"alpine:latest", "golang:1.24-alpine"},
			Timeout:        Duration(30 * time.Second),
			GracePeriod:    Duration(5 * time.Second),
			MaxMemoryBytes: 512 * 1024 * 1024,
			CPULimit:       1.0,
			MaxProcesses:   128,
			MaxOutputBytes: 1024 * 1024,
		},
		Index: IndexConfig{
			Enabled:       true,
			DatabasePath:  filepath.Join(".repogate", "index.db"),
			MaxFileBytes:  512 * 1024,
			ExcerptBytes:  8 * 1024,
			MinSimilarity: 0.25,
			MaxResults:    10,
			PreviewLines:  5,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			Dimensions:     768,
			Timeout:        Duration(60 * time.Second),
		},
		Limits: LimitsConfig{
			MaxBodyBytes:  4 * 1024 * 1024,
			MaxReadBytes:  1024 * 1024,
			MaxWriteBytes: 4 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads configuration from the YAML file at path, applying defaults for
// anything unset and environment overrides on top. A missing file is not an
// error: defaults plus environment are returned.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides layers environment variables over file values.
// Only secrets and endpoints are overridable: everything else belongs in the
// config file where it can be reviewed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REPOGATE_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("GENAI_API_KEY"); v != "" {
		cfg.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("OLLAMA_ENDPOINT"); v != "" {
		cfg.Embedding.OllamaEndpoint = v
	}
}

// Validate checks the snapshot for configuration errors that should stop a
// run before any operation is attempted.
func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.Limits.MaxBodyBytes <= 0 {
		return fmt.Errorf("limits.max_body_bytes must be positive")
	}
	if c.Limits.MaxReadBytes <= 0 {
		return fmt.Errorf("limits.max_read_bytes must be positive")
	}
	if c.Limits.MaxWriteBytes <= 0 {
		return fmt.Errorf("limits.max_write_bytes must be positive")
	}
	if c.Sandbox.Enabled {
		if c.Sandbox.Timeout <= 0 {
			return fmt.Errorf("sandbox.timeout must be positive")
		}
		if len(c.Sandbox.AllowedCommands) == 0 {
			return fmt.Errorf("sandbox.allowed_commands must not be empty when sandbox is enabled")
		}
	}
	if c.Index.Enabled {
		if c.Index.MaxResults <= 0 {
			return fmt.Errorf("index.max_results must be positive")
		}
		if c.Embedding.Dimensions <= 0 {
			return fmt.Errorf("embedding.dimensions must be positive")
		}
	}
	return nil
}
