//go:build !cgo

package embeddings

import (
	"context"
	"errors"
)

// ErrFastEmbedNotAvailable is returned when the binary was built without
// CGO. Use the tei or openai provider instead.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (built without CGO; use the tei or openai provider)")

// FastEmbedConfig configures the local ONNX provider.
type FastEmbedConfig struct {
	Model    string
	CacheDir string
}

// FastEmbedProvider is a stub on non-CGO builds.
type FastEmbedProvider struct{}

// NewFastEmbedProvider always fails without CGO.
func NewFastEmbedProvider(FastEmbedConfig) (*FastEmbedProvider, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (p *FastEmbedProvider) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (p *FastEmbedProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (p *FastEmbedProvider) Dimension() int {
	return 0
}

func (p *FastEmbedProvider) Close() error {
	return nil
}
