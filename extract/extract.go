// Package extract validates and inspects OSM extract files before they are
// handed to the bulk importer.
package extract

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/omniscale/go-osm/parser/pbf"
	"github.com/pkg/errors"
)

type Format string

const (
	PBF    Format = "pbf"
	XML    Format = "xml"
	XMLBz2 Format = "xml.bz2"
)

var suffixes = []struct {
	suffix string
	format Format
}{
	{".osm.pbf", PBF},
	{".osm.bz2", XMLBz2},
	{".osm", XML},
	{".pbf", PBF},
}

// FormatOf returns the format for the file suffix.
func FormatOf(path string) (Format, bool) {
	lower := strings.ToLower(path)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.format, true
		}
	}
	return "", false
}

// Validate checks that path is a regular file with a supported suffix.
func Validate(path string) error {
	if _, ok := FormatOf(path); !ok {
		return errors.Errorf("extract %q must have one of the extensions osm, osm.pbf, osm.bz2", path)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "opening extract")
	}
	if !fi.Mode().IsRegular() {
		return errors.Errorf("extract %q is not a regular file", path)
	}
	return nil
}

type Info struct {
	Path   string
	Format Format
	Size   int64
	// Replication timestamp and sequence from the PBF header, zero if not
	// present.
	Time             time.Time
	Sequence         int64
	RequiredFeatures []string
}

func (i *Info) String() string {
	s := fmt.Sprintf("%s (%s, %d bytes)", i.Path, i.Format, i.Size)
	if !i.Time.IsZero() {
		s += fmt.Sprintf(" replication time %s", i.Time.UTC().Format(time.RFC3339))
	}
	if i.Sequence != 0 {
		s += fmt.Sprintf(" sequence %d", i.Sequence)
	}
	return s
}

// Inspect validates path and reads the header of PBF files.
func Inspect(path string) (*Info, error) {
	if err := Validate(path); err != nil {
		return nil, err
	}
	format, _ := FormatOf(path)

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening extract")
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "opening extract")
	}

	info := &Info{Path: path, Format: format, Size: fi.Size()}
	if format != PBF {
		return info, nil
	}

	header, err := pbf.New(f, pbf.Config{}).Header()
	if err != nil {
		return nil, errors.Wrapf(err, "reading PBF header of %q", path)
	}
	info.Time = header.Time
	info.Sequence = header.Sequence
	info.RequiredFeatures = header.RequiredFeatures
	return info, nil
}

// BBox is a bounding box in WGS84 degrees.
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// ParseBBox parses "min_lon,min_lat,max_lon,max_lat".
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, errors.Errorf("bbox %q needs four comma separated values", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, errors.Wrapf(err, "parsing bbox %q", s)
		}
		v[i] = f
	}
	b := BBox{v[0], v[1], v[2], v[3]}
	if b.MinLon < -180 || b.MaxLon > 180 || b.MinLat < -90 || b.MaxLat > 90 {
		return BBox{}, errors.Errorf("bbox %q out of range", s)
	}
	if b.MinLon >= b.MaxLon || b.MinLat >= b.MaxLat {
		return BBox{}, errors.Errorf("bbox %q: min must be smaller than max", s)
	}
	return b, nil
}

func (b BBox) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(b.MinLon) + "," + f(b.MinLat) + "," + f(b.MaxLon) + "," + f(b.MaxLat)
}
