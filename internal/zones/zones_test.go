package zones

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/stretchr/testify/require"
)

const overlapping = `{
    "source_image_width": 100,
    "source_image_height": 100,
    "zones": {
        "B": [[0, 0], [60, 0], [60, 60], [0, 60]],
        "A": [[40, 40], [100, 40], [100, 100], [40, 100]]
    }
}`

func TestParseKeepsDocumentOrder(t *testing.T) {
	idx, err := Parse([]byte(overlapping))
	require.NoError(t, err)
	require.Equal(t, []string{"B", "A"}, idx.Names())

	w, h := idx.SourceSize()
	require.Equal(t, 100, w)
	require.Equal(t, 100, h)
}

func TestOverlapResolvesToFirstZone(t *testing.T) {
	p := models.Point{X: 50, Y: 50}
	for i := 0; i < 20; i++ {
		idx, err := Parse([]byte(overlapping))
		require.NoError(t, err)
		require.True(t, idx.Contains(p, "A"))
		require.True(t, idx.Contains(p, "B"))
		name, ok := idx.ZoneFor(p)
		require.True(t, ok)
		require.Equal(t, "B", name)
	}

	name, ok := mustParse(t, overlapping).ZoneFor(models.Point{X: 90, Y: 90})
	require.True(t, ok)
	require.Equal(t, "A", name)
}

func TestContainsBoundary(t *testing.T) {
	idx := mustParse(t, `{"source_image_width": 10, "source_image_height": 10,
		"zones": {"tri": [[0, 0], [10, 0], [0, 10]]}}`)

	cases := []struct {
		p      models.Point
		inside bool
	}{
		{models.Point{X: 2, Y: 2}, true},
		{models.Point{X: 0, Y: 0}, true},   // vertex
		{models.Point{X: 5, Y: 0}, true},   // bottom edge
		{models.Point{X: 5, Y: 5}, true},   // hypotenuse
		{models.Point{X: 0, Y: 7}, true},   // left edge
		{models.Point{X: 6, Y: 6}, false},  // just past the hypotenuse
		{models.Point{X: -1, Y: 0}, false}, // collinear with an edge, outside it
		{models.Point{X: 11, Y: 0}, false},
	}
	for _, c := range cases {
		require.Equal(t, c.inside, idx.Contains(c.p, "tri"), "point %+v", c.p)
	}
	require.False(t, idx.Contains(models.Point{X: 2, Y: 2}, "missing"))
}

func TestConcavePolygon(t *testing.T) {
	// U shape: the notch between the arms is outside
	idx := mustParse(t, `{"source_image_width": 30, "source_image_height": 30,
		"zones": {"u": [[0, 0], [30, 0], [30, 30], [20, 30], [20, 10], [10, 10], [10, 30], [0, 30]]}}`)
	require.True(t, idx.Contains(models.Point{X: 5, Y: 20}, "u"))
	require.True(t, idx.Contains(models.Point{X: 25, Y: 20}, "u"))
	require.False(t, idx.Contains(models.Point{X: 15, Y: 20}, "u"))
	require.True(t, idx.Contains(models.Point{X: 15, Y: 5}, "u"))
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	docs := map[string]string{
		"two points":       `{"source_image_width": 10, "source_image_height": 10, "zones": {"z": [[0, 0], [1, 1]]}}`,
		"string coord":     `{"source_image_width": 10, "source_image_height": 10, "zones": {"z": [[0, 0], ["a", 1], [2, 2]]}}`,
		"quoted number":    `{"source_image_width": 10, "source_image_height": 10, "zones": {"z": [[0, 0], ["1", 1], [2, 2]]}}`,
		"triple":           `{"source_image_width": 10, "source_image_height": 10, "zones": {"z": [[0, 0, 0], [1, 1], [2, 2]]}}`,
		"no zones":         `{"source_image_width": 10, "source_image_height": 10}`,
		"no dimensions":    `{"zones": {"z": [[0, 0], [1, 0], [1, 1]]}}`,
		"duplicate name":   `{"source_image_width": 10, "source_image_height": 10, "zones": {"z": [[0, 0], [1, 0], [1, 1]], "z": [[0, 0], [1, 0], [1, 1]]}}`,
		"not an object":    `[1, 2, 3]`,
		"broken json":      `{"zones": `,
		"zones not object": `{"source_image_width": 10, "source_image_height": 10, "zones": [1]}`,
	}
	for name, doc := range docs {
		_, err := Parse([]byte(doc))
		require.ErrorIs(t, err, ErrInvalidZoneDocument, name)
	}
}

func TestScale(t *testing.T) {
	idx := mustParse(t, overlapping)
	scaled := idx.Scale(200, 50)
	z, ok := scaled.Zone("A")
	require.True(t, ok)
	require.Equal(t, models.Point{X: 80, Y: 20}, z.Polygon[0])
	require.Equal(t, []string{"B", "A"}, scaled.Names())

	// original untouched
	orig, _ := idx.Zone("A")
	require.Equal(t, models.Point{X: 40, Y: 40}, orig.Polygon[0])

	require.Same(t, idx, idx.Scale(100, 100))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.json")
	require.NoError(t, os.WriteFile(path, []byte(overlapping), 0644))

	idx, err := Load(path)
	require.NoError(t, err)
	require.Len(t, idx.Zones(), 2)

	_, err = Load(filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, ErrInvalidZoneDocument)
}

func mustParse(t *testing.T, doc string) *Index {
	t.Helper()
	idx, err := Parse([]byte(doc))
	require.NoError(t, err)
	return idx
}
