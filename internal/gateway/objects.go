package gateway

import (
	"context"
	"time"
)

// ObjectStore is the blob storage behind uploads and exports. Keys are laid out
// as "<docId>/<name>".
type ObjectStore interface {
	// PresignPut returns a URL that accepts one PUT of key until ttl passes.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)

	// Put stores a publicly readable object.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// List returns at most one page of keys under prefix, and whether more remain.
	List(ctx context.Context, prefix string) (keys []string, truncated bool, err error)

	// Delete removes keys. It is called with at most one page of keys.
	Delete(ctx context.Context, keys []string) error

	// PublicURL is where a stored object can be downloaded.
	PublicURL(key string) string
}
