package registry

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves the raw account page for one ID.
// Implementations are owned by a single worker and need not be goroutine-safe.
type Fetcher interface {
	Fetch(ctx context.Context, accountID int) ([]byte, error)
}

// BlobStore writes a finished artifact and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
