// Package embeddings generates vector embeddings behind one Provider
// interface with three variants: a direct TEI HTTP client, an
// OpenAI-compatible API via langchaingo, and local ONNX via fastembed
// (CGO builds only).
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/vaultd/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure. Non-fatal
	// to callers: writes queue an index repair, search degrades to
	// lexical-only.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates embeddings for documents and queries.
type Provider interface {
	// EmbedDocuments generates one embedding per input text.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query. Some models
	// optimize queries differently from documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension for the current model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// NewProvider creates the configured embedding provider.
func NewProvider(cfg config.EmbeddingsConfig) (Provider, error) {
	switch cfg.Provider {
	case "tei", "":
		return NewTEIProvider(TEIConfig{
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Dimension:         cfg.VectorSize,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: cfg.VectorSize,
		})
	case "fastembed":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (supported: tei, openai, fastembed)", ErrInvalidConfig, cfg.Provider)
	}
}
