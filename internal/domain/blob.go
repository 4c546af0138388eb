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
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobDeleter removes objects from object storage.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// LedgerSnapshot is a point-in-time copy of every ledger table of one domain.
type LedgerSnapshot struct {
	Domain      uint32       `json:"domain"`
	TakenAt     time.Time    `json:"taken_at"`
	Slots       []AssetSlot  `json:"slots"`
	Strategies  []Strategy   `json:"strategies"`
	Allocations []Allocation `json:"allocations"`
	Pending     []Transfer   `json:"pending_transfers"`
	Domains     []DomainInfo `json:"domains"`
}
