package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Walk calls fn for every object under prefix in key order until fn
	// returns false.
	Walk(ctx context.Context, prefix string, fn func(BlobInfo) bool) error
}

// Journal archives decoded ledger events per processed block range and reads
// them back for replay.
type Journal interface {
	Record(ctx context.Context, fromBlock, toBlock uint64, events []LedgerEvent) error
	Load(ctx context.Context, fromBlock, toBlock uint64) ([]LedgerEvent, error)
}
