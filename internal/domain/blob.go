package domain

import (
	"context"
	"io"
	"time"
)

// BlobObject is one JSONL chunk headed for object storage. Metadata is
// stored with the object (record counts, symbol) so a listing tool can
// describe a chunk without downloading it.
type BlobObject struct {
	Path        string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads chunks to object storage.
type BlobWriter interface {
	Put(ctx context.Context, obj BlobObject) error
}

// BlobReader lists and fetches stored chunks.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver moves aged ledger rows and market recordings to cold storage.
type Archiver interface {
	ArchiveTradeRecords(ctx context.Context, before time.Time) (int64, error)
	ArchiveRecording(ctx context.Context, symbol string, events []MarketEvent) (string, error)
}
