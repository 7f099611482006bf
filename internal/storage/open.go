package storage

import (
	"context"
	"fmt"
)

// Open builds the backend named by cfg.Type.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Type {
	case TypeS3:
		return NewS3Client(ctx, cfg)
	case TypeMinIO:
		return NewMinIOClient(cfg)
	case TypeGCS:
		return NewGCSClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Type)
	}
}
