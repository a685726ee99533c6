package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"offlinenav/pkg/errs"
	"offlinenav/pkg/geo"
	"offlinenav/pkg/model"
	"offlinenav/pkg/nav"
	"offlinenav/pkg/pack"
)

// maxPackUpload bounds POST /api/packs bodies.
const maxPackUpload = 64 << 20

// Downloader builds a pack from a live search.
type Downloader interface {
	DownloadPack(ctx context.Context, req nav.DownloadRequest) (*model.PackManifest, error)
}

// PackHandler exposes the offline pack store.
type PackHandler struct {
	mgr        *pack.Manager
	downloader Downloader
}

// NewPackHandler creates a new pack handler. downloader may be nil.
func NewPackHandler(mgr *pack.Manager, downloader Downloader) *PackHandler {
	return &PackHandler{mgr: mgr, downloader: downloader}
}

// CreatePackRequest is the POST /api/packs body. Exactly one of Data (base64),
// Text or Download must be set.
type CreatePackRequest struct {
	Manifest *model.PackManifest  `json:"manifest,omitempty"`
	Data     string               `json:"data,omitempty"`
	Text     *string              `json:"text,omitempty"`
	Download *nav.DownloadRequest `json:"download,omitempty"`
}

// HandleList handles GET /api/packs.
func (h *PackHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	packs, err := h.mgr.ListPacks(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, packs)
}

// HandleCreate handles POST /api/packs.
func (h *PackHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreatePackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPackUpload)).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed body: %v", errs.ErrInvalid, err))
		return
	}

	created, err := h.create(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Pack stored", "id", created.ID, "bytes", created.SizeBytes)
	writeJSON(w, http.StatusCreated, created)
}

func (h *PackHandler) create(ctx context.Context, req *CreatePackRequest) (*model.PackManifest, error) {
	if req.Download != nil {
		if h.downloader == nil {
			return nil, fmt.Errorf("%w: downloads disabled", errs.ErrUnsupported)
		}
		return h.downloader.DownloadPack(ctx, *req.Download)
	}
	if req.Manifest == nil {
		return nil, fmt.Errorf("%w: manifest is required", errs.ErrInvalid)
	}
	if req.Text != nil {
		return h.mgr.CreatePackText(ctx, req.Manifest, *req.Text)
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64", errs.ErrInvalid)
	}
	return h.mgr.CreatePack(ctx, req.Manifest, data)
}

// HandleEstimate handles GET /api/packs/estimate.
func (h *PackHandler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	est, err := h.mgr.EstimateSize(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// HandleCovering handles GET /api/packs/covering?lat=&lon=.
func (h *PackHandler) HandleCovering(w http.ResponseWriter, r *http.Request) {
	lat, err := floatParam(r, "lat")
	if err != nil {
		writeError(w, r, err)
		return
	}
	lon, err := floatParam(r, "lon")
	if err != nil {
		writeError(w, r, err)
		return
	}
	packs, err := h.mgr.FindCovering(r.Context(), lat, lon)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, packs)
}

// HandleGet handles GET /api/packs/{id}.
func (h *PackHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	m, err := h.mgr.GetPackManifest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if m == nil {
		writeError(w, r, errs.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleData handles GET /api/packs/{id}/data and returns the stored bytes.
func (h *PackHandler) HandleData(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := h.mgr.GetPackManifest(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := h.mgr.GetPackData(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if m == nil || data == nil {
		writeError(w, r, errs.ErrNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if m.Encoding() == model.EncodingGzip {
		w.Header().Set("X-Content-Encoding", string(model.EncodingGzip))
	}
	if _, err := w.Write(data); err != nil {
		slog.Error("Failed to write pack data", "id", id, "error", err)
	}
}

// HandleText handles GET /api/packs/{id}/text.
func (h *PackHandler) HandleText(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.mgr.GetPackText(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res == nil {
		writeError(w, r, errs.ErrNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if res.Degraded {
		w.Header().Set("X-Pack-Degraded", "true")
	}
	if _, err := w.Write([]byte(res.Text)); err != nil {
		slog.Error("Failed to write pack text", "id", id, "error", err)
	}
}

// HandleGeoJSON handles GET /api/packs/{id}/geojson.
func (h *PackHandler) HandleGeoJSON(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pois, err := h.mgr.PackPOIs(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pois == nil {
		writeError(w, r, errs.ErrNotFound)
		return
	}
	body, err := geo.POIFeatures(pois).MarshalJSON()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	if _, err := w.Write(body); err != nil {
		slog.Error("Failed to write pack geojson", "id", id, "error", err)
	}
}

// HandleDelete handles DELETE /api/packs/{id}.
func (h *PackHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	removed, err := h.mgr.DeletePack(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !removed {
		writeError(w, r, errs.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
