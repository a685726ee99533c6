package store

import (
	"context"

	"offlinenav/pkg/model"
)

// BlobStore persists opaque pack payloads keyed by pack id.
type BlobStore interface {
	PutBlob(ctx context.Context, id string, data []byte) error
	GetBlob(ctx context.Context, id string) ([]byte, error)
	DeleteBlob(ctx context.Context, id string) error
}

// ManifestStore persists pack metadata keyed by pack id.
type ManifestStore interface {
	PutManifest(ctx context.Context, m *model.PackManifest) error
	GetManifest(ctx context.Context, id string) (*model.PackManifest, error)
	// ListManifests returns every manifest. Order is unspecified.
	ListManifests(ctx context.Context) ([]*model.PackManifest, error)
	DeleteManifest(ctx context.Context, id string) error
}

// PackStore writes and deletes a manifest and its blob as one unit.
type PackStore interface {
	SavePack(ctx context.Context, m *model.PackManifest, data []byte) error
	// LoadPack reads manifest and blob in one consistent snapshot.
	LoadPack(ctx context.Context, id string) (*model.PackManifest, []byte, error)
	// DeletePack reports whether anything was removed.
	DeletePack(ctx context.Context, id string) (bool, error)
	// RemoveOrphans deletes manifests without blobs and blobs without manifests.
	RemoveOrphans(ctx context.Context) (int64, error)
}

// CacheStore handles generic key-value caching.
type CacheStore interface {
	GetCache(ctx context.Context, key string) ([]byte, bool)
	SetCache(ctx context.Context, key string, val []byte) error
	DeleteCache(ctx context.Context, key string) error
	ListCacheKeys(ctx context.Context, prefix string) ([]string, error)
}

// StateStore handles persistent application state.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool)
	SetState(ctx context.Context, key, val string) error
	DeleteState(ctx context.Context, key string) error
}
