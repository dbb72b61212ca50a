package qdrantstore

import (
	"strings"

	"github.com/powermem/powermem/internal/types"
)

type Config struct {
	// URL is the qdrant HTTP endpoint, e.g. http://localhost:6333.
	URL        string
	Collection string
	APIKey     string
	// VectorDim is the collection's configured embedding dimension. A
	// mismatch against the live collection is fatal at startup.
	VectorDim int
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return types.E(types.KindValidation, "qdrantstore.Config", "url is required", nil)
	}
	if strings.TrimSpace(c.Collection) == "" {
		return types.E(types.KindValidation, "qdrantstore.Config", "collection is required", nil)
	}
	if c.VectorDim <= 0 {
		return types.E(types.KindValidation, "qdrantstore.Config", "vector_dim must be positive", nil)
	}
	return nil
}
