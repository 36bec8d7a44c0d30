package merge

import (
	"encoding/json"
	"io/ioutil"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
)

// LoadBoundary reads a polygon or multipolygon from a GeoJSON file. The file
// can contain a geometry, a feature or a feature collection (first feature
// is used).
func LoadBoundary(path string) (orb.Geometry, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading area boundary")
	}
	g, err := parseBoundary(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing area boundary %q", path)
	}
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return g, nil
	case nil:
		return nil, errors.Errorf("area boundary %q contains no geometry", path)
	}
	return nil, errors.Errorf("area boundary %q must be a Polygon or MultiPolygon, got %s", path, g.GeoJSONType())
}

func parseBoundary(data []byte) (orb.Geometry, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, err
		}
		if len(fc.Features) == 0 {
			return nil, errors.New("empty feature collection")
		}
		return fc.Features[0].Geometry, nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, err
		}
		return f.Geometry, nil
	}
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, err
	}
	return g.Geometry(), nil
}
