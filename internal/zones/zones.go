// Package zones holds the restricted-zone geometry of a detection run.
//
// A zone document is produced by the drawing tool (or by hand) and looks like
//
//	{
//	  "source_image_width": 1920,
//	  "source_image_height": 1080,
//	  "zones": {"zone_1": [[412, 610], [905, 598], [1012, 1040]]}
//	}
//
// Zone order in the document is significant: when zones overlap, the first one
// listed wins. JSON objects decoded into Go maps lose that order, so the document
// is walked as a yaml.v3 node tree instead (JSON is valid YAML, and YAML documents
// are accepted as well).
package zones

import (
	"errors"
	"fmt"
	"os"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

var ErrInvalidZoneDocument = errors.New("invalid zone document")

type Zone struct {
	Name    string
	Polygon []models.Point
}

// Index is the immutable set of zones for one run
type Index struct {
	zones        []Zone
	byName       map[string]int
	sourceWidth  int
	sourceHeight int
}

// Load reads and parses a zone document from disk
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidZoneDocument, path, err)
	}
	idx, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return idx, nil
}

func Parse(data []byte) (*Index, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidZoneDocument, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be an object", ErrInvalidZoneDocument)
	}
	root := doc.Content[0]

	idx := &Index{byName: map[string]int{}}
	var zonesNode *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "source_image_width":
			w, err := parseInt(val)
			if err != nil {
				return nil, fmt.Errorf("%w: source_image_width: %v", ErrInvalidZoneDocument, err)
			}
			idx.sourceWidth = w
		case "source_image_height":
			h, err := parseInt(val)
			if err != nil {
				return nil, fmt.Errorf("%w: source_image_height: %v", ErrInvalidZoneDocument, err)
			}
			idx.sourceHeight = h
		case "zones":
			zonesNode = val
		}
	}

	if idx.sourceWidth <= 0 || idx.sourceHeight <= 0 {
		return nil, fmt.Errorf("%w: source image dimensions must be positive", ErrInvalidZoneDocument)
	}
	if zonesNode == nil || zonesNode.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: missing zones object", ErrInvalidZoneDocument)
	}

	for i := 0; i+1 < len(zonesNode.Content); i += 2 {
		name := zonesNode.Content[i].Value
		if _, dup := idx.byName[name]; dup {
			return nil, fmt.Errorf("%w: duplicate zone %q", ErrInvalidZoneDocument, name)
		}
		poly, err := parsePolygon(zonesNode.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: zone %q: %v", ErrInvalidZoneDocument, name, err)
		}
		idx.byName[name] = len(idx.zones)
		idx.zones = append(idx.zones, Zone{Name: name, Polygon: poly})
	}
	return idx, nil
}

func parsePolygon(n *yaml.Node) ([]models.Point, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("polygon must be a list of [x, y] pairs")
	}
	if len(n.Content) < 3 {
		return nil, fmt.Errorf("polygon has %d points, need at least 3", len(n.Content))
	}
	poly := make([]models.Point, 0, len(n.Content))
	for i, pt := range n.Content {
		if pt.Kind != yaml.SequenceNode || len(pt.Content) != 2 {
			return nil, fmt.Errorf("point %d must be an [x, y] pair", i)
		}
		x, err := parseNumber(pt.Content[0])
		if err != nil {
			return nil, fmt.Errorf("point %d: %v", i, err)
		}
		y, err := parseNumber(pt.Content[1])
		if err != nil {
			return nil, fmt.Errorf("point %d: %v", i, err)
		}
		poly = append(poly, models.Point{X: x, Y: y})
	}
	return poly, nil
}

func parseNumber(n *yaml.Node) (float64, error) {
	if n.Kind != yaml.ScalarNode || (n.ShortTag() != "!!int" && n.ShortTag() != "!!float") {
		return 0, fmt.Errorf("coordinate %q is not numeric", n.Value)
	}
	var v float64
	if err := n.Decode(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func parseInt(n *yaml.Node) (int, error) {
	if n.Kind != yaml.ScalarNode || n.ShortTag() != "!!int" {
		return 0, fmt.Errorf("%q is not an integer", n.Value)
	}
	var v int
	err := n.Decode(&v)
	return v, err
}

// Zones returns the zones in document order
func (x *Index) Zones() []Zone {
	return x.zones
}

func (x *Index) Names() []string {
	return lo.Map(x.zones, func(z Zone, _ int) string { return z.Name })
}

func (x *Index) Zone(name string) (Zone, bool) {
	i, ok := x.byName[name]
	if !ok {
		return Zone{}, false
	}
	return x.zones[i], true
}

// SourceSize is the resolution of the image the polygons were drawn on
func (x *Index) SourceSize() (width, height int) {
	return x.sourceWidth, x.sourceHeight
}

// Contains reports whether p lies inside the named zone. Points on an edge are inside.
func (x *Index) Contains(p models.Point, name string) bool {
	z, ok := x.Zone(name)
	if !ok {
		return false
	}
	return pointInPolygon(p, z.Polygon)
}

// ZoneFor returns the first zone, in document order, that contains p.
func (x *Index) ZoneFor(p models.Point) (string, bool) {
	for _, z := range x.zones {
		if pointInPolygon(p, z.Polygon) {
			return z.Name, true
		}
	}
	return "", false
}

// Scale returns a copy of the index with every polygon mapped from the source
// image resolution onto a width x height frame. The receiver is not modified.
func (x *Index) Scale(width, height int) *Index {
	if width == x.sourceWidth && height == x.sourceHeight {
		return x
	}
	sx := float64(width) / float64(x.sourceWidth)
	sy := float64(height) / float64(x.sourceHeight)
	out := &Index{
		zones:        make([]Zone, len(x.zones)),
		byName:       x.byName,
		sourceWidth:  width,
		sourceHeight: height,
	}
	for i, z := range x.zones {
		out.zones[i] = Zone{
			Name: z.Name,
			Polygon: lo.Map(z.Polygon, func(p models.Point, _ int) models.Point {
				return models.Point{X: p.X * sx, Y: p.Y * sy}
			}),
		}
	}
	return out
}
