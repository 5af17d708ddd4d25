package aoi

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Field is one labelled crop field.
type Field struct {
	ID      string
	ClassID int
	Polygon orb.Polygon
}

type Labels struct {
	Name   string
	Fields []Field
}

func (l *Labels) Bound() orb.Bound {
	var bound orb.Bound
	for i, f := range l.Fields {
		if i == 0 {
			bound = f.Polygon.Bound()
			continue
		}
		bound = bound.Union(f.Polygon.Bound())
	}
	return bound
}

// Classes returns the distinct class ids, sorted.
func (l *Labels) Classes() []int {
	seen := make(map[int]struct{})
	for _, f := range l.Fields {
		seen[f.ClassID] = struct{}{}
	}
	classes := make([]int, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	return classes
}

// LoadLabels reads label polygons from a zipped shapefile or a GeoJSON file.
func LoadLabels(path, labelField, idField string) (*Labels, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		return LoadShapefileZip(path, labelField, idField)
	case ".geojson", ".json":
		return LoadGeoJSON(path, labelField, idField)
	default:
		return nil, fmt.Errorf("unsupported label file %s: expected .zip, .geojson or .json", path)
	}
}

// LoadShapefileZip reads every shapefile inside the archive. Only polygon
// shapes are kept.
func LoadShapefileZip(path, labelField, idField string) (*Labels, error) {
	names, err := shp.ShapesInZip(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list shapefiles in %s: %w", path, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no shapefile found in %s", path)
	}

	labels := &Labels{Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
	for _, name := range names {
		fields, err := readShapefile(path, name, labelField, idField)
		if err != nil {
			return nil, err
		}
		labels.Fields = append(labels.Fields, fields...)
	}

	if len(labels.Fields) == 0 {
		return nil, fmt.Errorf("no polygon found in %s", path)
	}
	return labels, nil
}

func readShapefile(zipPath, name, labelField, idField string) ([]Field, error) {
	reader, err := shp.OpenShapeFromZip(zipPath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open shapefile %s: %w", name, err)
	}
	defer reader.Close()

	labelIdx, idIdx := -1, -1
	for i, f := range reader.Fields() {
		switch strings.ToLower(f.String()) {
		case strings.ToLower(labelField):
			labelIdx = i
		case strings.ToLower(idField):
			idIdx = i
		}
	}
	if labelIdx < 0 {
		return nil, fmt.Errorf("shapefile %s has no %q attribute", name, labelField)
	}

	var fields []Field
	for reader.Next() {
		n, shape := reader.Shape()
		polygon, ok := shape.(*shp.Polygon)
		if !ok {
			continue
		}

		classID, err := parseClass(reader.Attribute(labelIdx))
		if err != nil {
			return nil, fmt.Errorf("shapefile %s record %d: %w", name, n, err)
		}
		id := strconv.Itoa(n)
		if idIdx >= 0 {
			id = trimAttribute(reader.Attribute(idIdx))
		}

		for i, p := range shapePolygons(polygon) {
			fieldID := id
			if i > 0 {
				fieldID = fmt.Sprintf("%s_%d", id, i)
			}
			fields = append(fields, Field{ID: fieldID, ClassID: classID, Polygon: p})
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shapefile %s: %w", name, err)
	}
	return fields, nil
}

// shapePolygons splits a shapefile polygon into orb polygons. Clockwise parts
// start a new polygon, counter-clockwise parts are holes of the previous one.
func shapePolygons(p *shp.Polygon) []orb.Polygon {
	var polygons []orb.Polygon
	for i, start := range p.Parts {
		end := int32(len(p.Points))
		if i+1 < len(p.Parts) {
			end = p.Parts[i+1]
		}
		ring := make(orb.Ring, 0, end-start)
		for _, pt := range p.Points[start:end] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		if len(ring) < 3 {
			continue
		}
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}

		if ring.Orientation() == orb.CW || len(polygons) == 0 {
			polygons = append(polygons, orb.Polygon{ring})
			continue
		}
		last := len(polygons) - 1
		polygons[last] = append(polygons[last], ring)
	}
	return polygons
}

// LoadGeoJSON reads Polygon and MultiPolygon features from a FeatureCollection.
func LoadGeoJSON(path, labelField, idField string) (*Labels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GeoJSON %s: %w", path, err)
	}

	labels := &Labels{Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
	for n, feature := range fc.Features {
		raw, ok := feature.Properties[labelField]
		if !ok {
			return nil, fmt.Errorf("feature %d has no %q property", n, labelField)
		}
		classID, err := parseClass(fmt.Sprint(raw))
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", n, err)
		}
		id := strconv.Itoa(n)
		if v, ok := feature.Properties[idField]; ok {
			id = fmt.Sprint(v)
		}

		switch g := feature.Geometry.(type) {
		case orb.Polygon:
			labels.Fields = append(labels.Fields, Field{ID: id, ClassID: classID, Polygon: g})
		case orb.MultiPolygon:
			for i, p := range g {
				labels.Fields = append(labels.Fields, Field{ID: fmt.Sprintf("%s_%d", id, i), ClassID: classID, Polygon: p})
			}
		}
	}

	if len(labels.Fields) == 0 {
		return nil, fmt.Errorf("no polygon found in %s", path)
	}
	return labels, nil
}

// trimAttribute drops the space and NUL padding of DBF values.
func trimAttribute(v string) string {
	return strings.Trim(v, " \x00")
}

func parseClass(raw string) (int, error) {
	raw = trimAttribute(raw)
	if v, err := strconv.Atoi(raw); err == nil {
		return v, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v != math.Trunc(v) {
		return 0, fmt.Errorf("class attribute %q is not an integer", raw)
	}
	return int(v), nil
}
