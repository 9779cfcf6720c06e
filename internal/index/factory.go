package index

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
)

// New creates the configured index variant.
//
//   - "chromem" (default): embedded, zero external dependencies
//   - "qdrant": external Qdrant server over gRPC; construction fails fast
//     when the server is unreachable
func New(ctx context.Context, cfg config.IndexConfig, vectorSize int, logger *logging.Logger) (Index, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemIndex(cfg.Chromem.Path, cfg.Chromem.Compress, logger)
	case "qdrant":
		return NewQdrantIndex(ctx, cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.UseTLS, vectorSize, logger)
	default:
		return nil, fmt.Errorf("unsupported index provider: %s (supported: chromem, qdrant)", cfg.Provider)
	}
}
