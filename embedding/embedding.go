// Package embedding is the text-to-vector port. The backend is selected at
// startup by a priority rule: remote API when credentials are configured,
// local projection model when its binary asset is present, otherwise the
// null provider (empty vectors, semantic search disabled).
package embedding

import (
	"context"
)

// Provider turns a batch of texts into fixed-width float32 vectors.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the fixed output width, or 0 for the null provider.
	Dimension() int
}

// Null is the disabled backend: it returns empty vectors for every input.
type Null struct{}

// Embed returns one empty vector per input text.
func (Null) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{}
	}
	return out, nil
}

// Dimension returns 0.
func (Null) Dimension() int { return 0 }

// Backend names an embedding backend.
type Backend string

const (
	BackendAuto   Backend = ""
	BackendRemote Backend = "remote"
	BackendLocal  Backend = "local"
	BackendNull   Backend = "null"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend Backend

	// Provider, when non-nil, is used directly and bypasses selection.
	Provider Provider

	// Remote backend.
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int

	// Local backend.
	AssetPath string
}

// Select resolves the provider per the priority rule. With BackendAuto the
// first available backend wins: remote, then local, then null.
func Select(cfg Config) (Provider, error) {
	if cfg.Provider != nil {
		return cfg.Provider, nil
	}
	switch cfg.Backend {
	case BackendRemote:
		return NewRemote(cfg)
	case BackendLocal:
		return LoadLocal(cfg.AssetPath)
	case BackendNull:
		return Null{}, nil
	}

	if cfg.APIKey != "" {
		return NewRemote(cfg)
	}
	if local, err := LoadLocal(cfg.AssetPath); err == nil {
		return local, nil
	}
	return Null{}, nil
}
