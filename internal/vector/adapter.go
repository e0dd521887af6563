package vector

import (
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

var _ CollectionClient = (*qdrant.Client)(nil)

type ClientConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// NewClient opens a lazily connected qdrant gRPC client. Reachability is
// checked by the bootstrap health probe rather than here.
func NewClient(cfg ClientConfig) (*qdrant.Client, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		APIKey:                 cfg.APIKey,
		UseTLS:                 cfg.UseTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return client, nil
}
