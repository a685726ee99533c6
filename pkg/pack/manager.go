// Package pack manages offline geodata packs: a manifest plus a blob, written
// and deleted together.
package pack

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"offlinenav/pkg/errs"
	"offlinenav/pkg/geo"
	"offlinenav/pkg/model"
	"offlinenav/pkg/poi"
	"offlinenav/pkg/store"
)

// Store is the subset of the durable store the manager needs. Writes to the
// individual blob and manifest collections are deliberately absent: every
// mutation goes through SavePack/DeletePack.
type Store interface {
	store.PackStore
	ListManifests(ctx context.Context) ([]*model.PackManifest, error)
	GetManifest(ctx context.Context, id string) (*model.PackManifest, error)
}

// SizeEstimate is the metadata-derived storage footprint of all packs.
type SizeEstimate struct {
	TotalBytes int64 `json:"total_bytes"`
	Count      int   `json:"count"`
}

// TextResult is the text content of a pack. Degraded is set when the blob was
// marked gzip but could not be decompressed and was returned as-is.
type TextResult struct {
	Text     string `json:"text"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Manager orchestrates manifest and blob storage as one unit.
type Manager struct {
	st     Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for degraded reads.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source used to stamp CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a pack manager over st.
func NewManager(st Store, opts ...Option) *Manager {
	m := &Manager{
		st:     st,
		logger: slog.Default().With("component", "pack"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreatePack stores manifest and data atomically. An empty ID is replaced by
// a generated one; the stored manifest is returned.
func (m *Manager) CreatePack(ctx context.Context, manifest *model.PackManifest, data []byte) (*model.PackManifest, error) {
	if manifest == nil {
		return nil, fmt.Errorf("%w: manifest is required", errs.ErrInvalid)
	}
	mf := *manifest
	mf.Categories = append([]string(nil), manifest.Categories...)
	if mf.ID == "" {
		mf.ID = uuid.NewString()
	}
	if mf.CreatedAt.IsZero() {
		mf.CreatedAt = m.now().UTC()
	}

	switch mf.Encoding() {
	case model.EncodingIdentity:
		mf.ContentEncoding = model.EncodingIdentity
	case model.EncodingGzip:
		if !store.IsGzip(data) {
			return nil, fmt.Errorf("%w: pack %s is marked gzip but data is not a gzip stream", errs.ErrDecode, mf.ID)
		}
		plain, err := store.Decompress(data)
		if err != nil {
			return nil, fmt.Errorf("%w: pack %s gzip stream is unreadable: %v", errs.ErrDecode, mf.ID, err)
		}
		if !utf8.Valid(plain) {
			return nil, fmt.Errorf("%w: pack %s content is not UTF-8 text", errs.ErrDecode, mf.ID)
		}
		if mf.CompressedBytes == nil {
			n := int64(len(data))
			mf.CompressedBytes = &n
		}
	default:
		return nil, fmt.Errorf("%w: unsupported content encoding %q", errs.ErrInvalid, mf.ContentEncoding)
	}

	if err := m.st.SavePack(ctx, &mf, data); err != nil {
		return nil, fmt.Errorf("%w: save pack %s: %v", errs.ErrStorage, mf.ID, err)
	}
	return &mf, nil
}

// CreatePackText stores text content as an identity-encoded pack unless the
// manifest asks for gzip, in which case the text is compressed first.
func (m *Manager) CreatePackText(ctx context.Context, manifest *model.PackManifest, text string) (*model.PackManifest, error) {
	if manifest == nil {
		return nil, fmt.Errorf("%w: manifest is required", errs.ErrInvalid)
	}
	data := []byte(text)
	if manifest.Encoding() == model.EncodingGzip {
		gz, err := store.Compress(data)
		if err != nil {
			return nil, fmt.Errorf("%w: compress pack: %v", errs.ErrStorage, err)
		}
		data = gz
	}
	return m.CreatePack(ctx, manifest, data)
}

// ListPacks returns every known manifest, newest first.
func (m *Manager) ListPacks(ctx context.Context) ([]*model.PackManifest, error) {
	list, err := m.st.ListManifests(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list packs: %v", errs.ErrStorage, err)
	}
	if list == nil {
		list = []*model.PackManifest{}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// GetPackManifest returns the manifest for id, or nil when absent.
func (m *Manager) GetPackManifest(ctx context.Context, id string) (*model.PackManifest, error) {
	mf, err := m.st.GetManifest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get manifest %s: %v", errs.ErrStorage, id, err)
	}
	return mf, nil
}

// GetPackData returns the raw stored blob, or nil when the pack is absent.
func (m *Manager) GetPackData(ctx context.Context, id string) ([]byte, error) {
	_, data, err := m.load(ctx, id)
	return data, err
}

// GetPackText returns the pack content as text, gunzipping when the manifest
// says gzip. If decompression fails the raw blob is returned as text with
// Degraded set, so a partially valid pack stays readable. Nil when absent.
func (m *Manager) GetPackText(ctx context.Context, id string) (*TextResult, error) {
	mf, data, err := m.load(ctx, id)
	if err != nil || mf == nil {
		return nil, err
	}
	if mf.Encoding() != model.EncodingGzip {
		return &TextResult{Text: string(data)}, nil
	}
	plain, err := store.Decompress(data)
	if err != nil {
		m.logger.Warn("Pack gzip decode failed, reading as plain text", "id", id, "error", err)
		return &TextResult{Text: string(data), Degraded: true}, nil
	}
	return &TextResult{Text: string(plain)}, nil
}

// PackPOIs decodes the pack text as NDJSON POI records. Nil when absent.
func (m *Manager) PackPOIs(ctx context.Context, id string) ([]model.POI, error) {
	res, err := m.GetPackText(ctx, id)
	if err != nil || res == nil {
		return nil, err
	}
	pois, skipped, err := poi.DecodeNDJSON(res.Text)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", id, err)
	}
	if skipped > 0 {
		m.logger.Warn("Pack contains malformed POI records", "id", id, "skipped", skipped)
	}
	if pois == nil {
		pois = []model.POI{}
	}
	return pois, nil
}

// DeletePack removes manifest and blob together and reports whether anything
// existed.
func (m *Manager) DeletePack(ctx context.Context, id string) (bool, error) {
	ok, err := m.st.DeletePack(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: delete pack %s: %v", errs.ErrStorage, id, err)
	}
	return ok, nil
}

// EstimateSize sums the SizeBytes recorded in every manifest. The values are
// whatever creators reported; blobs are not measured.
func (m *Manager) EstimateSize(ctx context.Context) (SizeEstimate, error) {
	list, err := m.ListPacks(ctx)
	if err != nil {
		return SizeEstimate{}, err
	}
	est := SizeEstimate{Count: len(list)}
	for _, mf := range list {
		est.TotalBytes += mf.SizeBytes
	}
	return est, nil
}

// FindCovering returns the manifests whose coverage area includes the point.
// Packs are few, so this is a linear scan.
func (m *Manager) FindCovering(ctx context.Context, lat, lon float64) ([]*model.PackManifest, error) {
	list, err := m.ListPacks(ctx)
	if err != nil {
		return nil, err
	}
	p := geo.Point{Lat: lat, Lon: lon}
	out := []*model.PackManifest{}
	for _, mf := range list {
		if geo.Covers(mf, p) {
			out = append(out, mf)
		}
	}
	return out, nil
}

func (m *Manager) load(ctx context.Context, id string) (*model.PackManifest, []byte, error) {
	mf, data, err := m.st.LoadPack(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load pack %s: %v", errs.ErrStorage, id, err)
	}
	if mf == nil {
		return nil, nil, nil
	}
	return mf, data, nil
}
