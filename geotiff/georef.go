package geotiff

import (
	"fmt"
	"math"
	"slices"
)

// Georef carries the GeoTIFF georeferencing tags of a raster so that derived
// rasters can be written on the same grid.
type Georef struct {
	PixelScale     []float64 // ModelPixelScale (sx, sy, sz)
	Tiepoint       []float64 // ModelTiepoint (i, j, k, x, y, z)...
	Transformation []float64 // ModelTransformation, 16 values
	GeoKeys        []uint16
	GeoDoubles     []float64
	GeoASCII       string
}

// IsZero reports whether no georeferencing is present.
func (gr Georef) IsZero() bool {
	return len(gr.PixelScale) == 0 && len(gr.Tiepoint) == 0 && len(gr.Transformation) == 0
}

type Point struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

func (p Point) String() string { return fmt.Sprintf("(X: %f, Y: %f)", p.X, p.Y) }

type CornerCoordinates struct {
	UpperLeft  Point `yaml:"upper_left" json:"upper_left"`
	LowerLeft  Point `yaml:"lower_left" json:"lower_left"`
	UpperRight Point `yaml:"upper_right" json:"upper_right"`
	LowerRight Point `yaml:"lower_right" json:"lower_right"`
}

func (cc *CornerCoordinates) String() string {
	return fmt.Sprintf("UL: %s, LR: %s", cc.UpperLeft.String(), cc.LowerRight.String())
}

func (g *GeoTIFF) parseGeoref() Georef {
	var gr Georef
	if t, ok := g.tags[ModelPixelScale]; ok {
		gr.PixelScale, _ = t.doubleDataValue()
	}
	if t, ok := g.tags[ModelTiepoint]; ok {
		gr.Tiepoint, _ = t.doubleDataValue()
	}
	if t, ok := g.tags[ModelTransformation]; ok {
		gr.Transformation, _ = t.doubleDataValue()
	}
	gr.GeoKeys, _ = g.getShorts(GeoKeyDirectory)
	if t, ok := g.tags[GeoDoubleParams]; ok {
		gr.GeoDoubles, _ = t.doubleDataValue()
	}
	if t, ok := g.tags[GeoASCIIParams]; ok && t.fType == ASCII {
		gr.GeoASCII = t.asciiData
	}
	return gr
}

// origin returns the upper-left corner and the pixel size, the Y size being
// negative for north-up images.
func (gr Georef) origin() (ulX, ulY, sx, sy float64, err error) {
	if len(gr.Transformation) >= 16 {
		t := gr.Transformation
		if t[1] != 0 || t[4] != 0 {
			return 0, 0, 0, 0, fmt.Errorf("%w: rotated model transformation", ErrUnsupported)
		}
		return t[3], t[7], t[0], t[5], nil
	}
	if len(gr.PixelScale) < 2 || len(gr.Tiepoint) < 6 {
		return 0, 0, 0, 0, fmt.Errorf("missing ModelPixelScale or ModelTiepoint tag")
	}
	sx, sy = gr.PixelScale[0], gr.PixelScale[1]
	if sy > 0 {
		sy = -sy
	}
	tieI, tieJ := gr.Tiepoint[0], gr.Tiepoint[1]
	tieX, tieY := gr.Tiepoint[3], gr.Tiepoint[4]
	return tieX - tieI*sx, tieY - tieJ*sy, sx, sy, nil
}

// Bounds returns the corners of the raster in model coordinates.
func (g *GeoTIFF) Bounds() (*CornerCoordinates, error) {
	ulX, ulY, sx, sy, err := g.georef.origin()
	if err != nil {
		return nil, err
	}
	totalWidth := float64(g.imageWidth) * sx
	totalHeight := float64(g.imageLength) * sy // negative

	return &CornerCoordinates{
		UpperLeft:  Point{X: ulX, Y: ulY},
		LowerLeft:  Point{X: ulX, Y: ulY + totalHeight},
		UpperRight: Point{X: ulX + totalWidth, Y: ulY},
		LowerRight: Point{X: ulX + totalWidth, Y: ulY + totalHeight},
	}, nil
}

// SameGrid reports whether a and b cover the same pixel grid: equal
// dimensions and, when both are georeferenced, equal origin and pixel size
// within a hundredth of a pixel.
func SameGrid(a, b *GeoTIFF) error {
	if a.Width() != b.Width() || a.Height() != b.Height() {
		return fmt.Errorf("raster sizes differ: %dx%d and %dx%d", a.Width(), a.Height(), b.Width(), b.Height())
	}
	if a.georef.IsZero() || b.georef.IsZero() {
		return nil
	}
	ax, ay, asx, asy, errA := a.georef.origin()
	bx, by, bsx, bsy, errB := b.georef.origin()
	if errA != nil || errB != nil {
		return nil
	}
	tol := 0.01 * math.Max(math.Abs(asx), math.Abs(asy))
	if math.Abs(ax-bx) > tol || math.Abs(ay-by) > tol ||
		math.Abs(asx-bsx) > tol || math.Abs(asy-bsy) > tol {
		return fmt.Errorf("raster grids differ: origin (%f, %f) px (%g, %g) vs origin (%f, %f) px (%g, %g)",
			ax, ay, asx, asy, bx, by, bsx, bsy)
	}
	return nil
}

// Clone returns a deep copy.
func (gr Georef) Clone() Georef {
	return Georef{
		PixelScale:     slices.Clone(gr.PixelScale),
		Tiepoint:       slices.Clone(gr.Tiepoint),
		Transformation: slices.Clone(gr.Transformation),
		GeoKeys:        slices.Clone(gr.GeoKeys),
		GeoDoubles:     slices.Clone(gr.GeoDoubles),
		GeoASCII:       gr.GeoASCII,
	}
}
