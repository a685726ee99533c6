package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"offlinenav/pkg/model"
)

// POIFeatures converts POI records into a GeoJSON FeatureCollection for map layers.
func POIFeatures(pois []model.POI) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i := range pois {
		p := &pois[i]
		f := geojson.NewFeature(orb.Point{p.Lon, p.Lat})
		f.ID = p.ID
		f.Properties["name"] = p.DisplayName()
		f.Properties["category"] = p.Category
		for k, v := range p.Tags {
			if _, taken := f.Properties[k]; !taken {
				f.Properties[k] = v
			}
		}
		fc.Append(f)
	}
	return fc
}

// RouteFeature converts a route into a LineString feature in GeoJSON order.
func RouteFeature(r *model.RouteResult) *geojson.Feature {
	ls := make(orb.LineString, 0, len(r.Geometry))
	for _, ll := range r.Geometry {
		ls = append(ls, orb.Point{ll[1], ll[0]})
	}
	f := geojson.NewFeature(ls)
	f.Properties["distance"] = r.Distance
	f.Properties["duration"] = r.Duration
	return f
}
