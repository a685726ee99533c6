package nav

import (
	"context"
	"fmt"

	"offlinenav/pkg/errs"
	"offlinenav/pkg/geo"
	"offlinenav/pkg/model"
	"offlinenav/pkg/poi"
)

// DownloadRequest describes an offline pack to build from a live POI search.
type DownloadRequest struct {
	ID           string   `json:"id,omitempty"`
	Lat          float64  `json:"lat"`
	Lon          float64  `json:"lon"`
	RadiusMeters int      `json:"radius_meters"`
	Categories   []string `json:"categories,omitempty"`
	// Uncompressed stores the pack as identity-encoded text.
	Uncompressed bool `json:"uncompressed,omitempty"`
}

// DownloadPack searches POIs around the requested center and stores them as
// an NDJSON pack covering the search circle.
func (s *Service) DownloadPack(ctx context.Context, req DownloadRequest) (*model.PackManifest, error) {
	if s.packs == nil {
		return nil, fmt.Errorf("%w: pack storage disabled", errs.ErrUnsupported)
	}
	center := geo.Point{Lat: req.Lat, Lon: req.Lon}
	if !center.Valid() {
		return nil, fmt.Errorf("%w: coordinates out of range", errs.ErrInvalid)
	}
	if req.RadiusMeters <= 0 || req.RadiusMeters > MaxRadiusMeters {
		return nil, fmt.Errorf("%w: radius must be between 1 and %d meters", errs.ErrInvalid, MaxRadiusMeters)
	}
	categories := req.Categories
	if len(categories) == 0 {
		categories = poi.Categories()
	}

	found, err := s.pois.SearchPOIs(ctx, req.Lat, req.Lon, float64(req.RadiusMeters), categories...)
	if err != nil {
		return nil, err
	}
	items := withinRadius(found, center, float64(req.RadiusMeters), categories...)

	text, err := poi.EncodeNDJSON(items)
	if err != nil {
		return nil, fmt.Errorf("%w: encode pack: %v", errs.ErrStorage, err)
	}

	mf := &model.PackManifest{
		ID:              req.ID,
		BBox:            geo.BoundAround(center, float64(req.RadiusMeters)),
		Center:          model.LonLat{Lon: req.Lon, Lat: req.Lat},
		RadiusMeters:    float64(req.RadiusMeters),
		Categories:      categories,
		SizeBytes:       int64(len(text)),
		ItemCount:       len(items),
		ContentEncoding: model.EncodingGzip,
	}
	if req.Uncompressed {
		mf.ContentEncoding = model.EncodingIdentity
	}

	created, err := s.packs.CreatePackText(ctx, mf, string(text))
	if err != nil {
		return nil, err
	}
	s.logger.Info("Offline pack created", "id", created.ID, "items", created.ItemCount, "bytes", created.SizeBytes)
	return created, nil
}

func withinRadius(pois []model.POI, center geo.Point, radius float64, categories ...string) []model.POI {
	return poi.Within(pois, center, radius, categories)
}
