package poi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"offlinenav/pkg/errs"
	"offlinenav/pkg/geo"
	"offlinenav/pkg/model"
)

// EncodeNDJSON writes one JSON POI record per line.
func EncodeNDJSON(pois []model.POI) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range pois {
		if err := enc.Encode(&pois[i]); err != nil {
			return nil, fmt.Errorf("encode poi %d: %w", pois[i].ID, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeNDJSON parses newline-delimited POI records. Blank lines are skipped;
// malformed lines are skipped and counted so a partially damaged pack still
// yields its readable records. It fails only when nothing could be decoded
// from non-empty input.
func DecodeNDJSON(text string) ([]model.POI, int, error) {
	var out []model.POI
	skipped := 0

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var p model.POI
		if err := json.Unmarshal(line, &p); err != nil {
			skipped++
			continue
		}
		if p.Category == "" {
			p.Category = Categorize(p.Tags)
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return out, skipped, fmt.Errorf("%w: scan records: %v", errs.ErrDecode, err)
	}
	if len(out) == 0 && skipped > 0 {
		return nil, skipped, fmt.Errorf("%w: no readable poi records (%d malformed)", errs.ErrDecode, skipped)
	}
	if skipped > 0 {
		slog.Debug("POI: skipped malformed records", "count", skipped)
	}
	return out, skipped, nil
}

// Within returns the POIs within radiusMeters of center, nearest first,
// optionally restricted to categories.
func Within(pois []model.POI, center geo.Point, radiusMeters float64, categories []string) []model.POI {
	want := make(map[string]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}

	type ranked struct {
		p    model.POI
		dist float64
	}
	var hits []ranked
	for _, p := range pois {
		if len(want) > 0 && !want[p.Category] {
			continue
		}
		d := geo.Distance(center, geo.Point{Lat: p.Lat, Lon: p.Lon})
		if d <= radiusMeters {
			hits = append(hits, ranked{p, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	out := make([]model.POI, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.p)
	}
	return out
}
