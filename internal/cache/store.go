package cache

import (
	"context"
	"errors"
	"time"
)

// Store is the physical key/value backend. A miss is (nil, false, nil).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ErrStoreClosed is returned by stores used after Close.
var ErrStoreClosed = errors.New("cache store closed")
