package crawler

import (
	"context"
	"io"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Renderer drives a page session. Implementations keep one current page;
// Navigate replaces it and WaitFor/Extract operate on it. Any method may fail
// transiently. A torn-down session is reported as ErrSessionLost.
type Renderer interface {
	Navigate(ctx context.Context, rawURL string) (PageResponse, error)
	WaitFor(ctx context.Context, cond Condition) (string, error)
	Extract(ctx context.Context) (*goquery.Document, error)
	Close() error
}

// BlobStore archives rendered detail pages and returns the object URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher announces completed records on a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher digests archived pages so duplicate renders can be spotted.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock is the time source for leases, windows, and timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints request and instance identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
