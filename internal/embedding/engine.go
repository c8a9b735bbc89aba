// Package embedding generates the vectors behind the similarity index.
// Two providers are supported: a local Ollama server and Google GenAI.
// Every engine is wrapped with a dimension check so a provider swap that
// changes vector width fails loudly instead of silently corrupting the index.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	"repogate/internal/config"
	"repogate/internal/logging"
)

// ErrDimensionMismatch indicates a provider returned vectors of a different
// width than the index was built with.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is implemented by engines that can verify their backing
// service is reachable. The broker probes before a query so an unreachable
// service is reported as such rather than as an empty result.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// New creates an engine from configuration and wraps it with dimension
// enforcement.
func New(cfg config.EmbeddingConfig) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "New")
	defer timer.Stop()

	var engine Engine
	var err error

	switch cfg.Provider {
	case "ollama":
		logging.Embedding("Initializing Ollama engine: endpoint=%s, model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		engine, err = newOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Timeout.Std(), cfg.Dimensions)
	case "genai":
		logging.Embedding("Initializing GenAI engine: model=%s", cfg.GenAIModel)
		engine, err = newGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine ready: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return &checkedEngine{inner: engine, want: cfg.Dimensions}, nil
}

// =============================================================================
// DIMENSION ENFORCEMENT
// =============================================================================

// checkedEngine rejects vectors whose width differs from the configured
// index dimensionality.
type checkedEngine struct {
	inner Engine
	want  int
}

func (c *checkedEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != c.want {
		return nil, fmt.Errorf("%w: %s returned %d dimensions, index expects %d",
			ErrDimensionMismatch, c.inner.Name(), len(vec), c.want)
	}
	return vec, nil
}

func (c *checkedEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := c.inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, vec := range vecs {
		if len(vec) != c.want {
			return nil, fmt.Errorf("%w: batch item %d has %d dimensions, index expects %d",
				ErrDimensionMismatch, i, len(vec), c.want)
		}
	}
	return vecs, nil
}

func (c *checkedEngine) Dimensions() int { return c.want }
func (c *checkedEngine) Name() string    { return c.inner.Name() }

// HealthCheck forwards to the inner engine when it supports probing.
func (c *checkedEngine) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// =============================================================================
// COSINE SIMILARITY
// =============================================================================

// CosineSimilarity returns the cosine similarity of two vectors in [-1, 1].
// A zero-magnitude vector yields 0, not an error: an all-zero embedding is
// simply dissimilar to everything.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}
