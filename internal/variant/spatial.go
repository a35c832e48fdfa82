package variant

import (
	"math"
	"strings"
)

// Extents is an axis-aligned bounding box in the units of a coordinate system.
type Extents struct {
	MinX, MinY, MaxX, MaxY float64
}

// Valid reports whether the box has positive area.
func (e Extents) Valid() bool {
	return e.MinX < e.MaxX && e.MinY < e.MaxY
}

// Intersects reports whether both boxes are valid and overlap.
func (e Extents) Intersects(o Extents) bool {
	if !e.Valid() || !o.Valid() {
		return false
	}
	return e.MinX <= o.MaxX && o.MinX <= e.MaxX && e.MinY <= o.MaxY && o.MinY <= e.MaxY
}

// GeoTransform is the affine pixel-to-world transform of a raster.
type GeoTransform struct {
	PixelWidth  float64
	RowRotation float64
	ColRotation float64
	PixelHeight float64
	OriginX     float64
	OriginY     float64
}

// IsZero reports whether the transform was never set.
func (g GeoTransform) IsZero() bool { return g == GeoTransform{} }

// IsIdentity reports whether the transform maps pixels to world unchanged.
func (g GeoTransform) IsIdentity() bool {
	return g == GeoTransform{PixelWidth: 1, PixelHeight: 1}
}

func (g GeoTransform) set() bool { return !g.IsZero() && !g.IsIdentity() }

// SpatialProperties describes the coverage and sampling of a raster file.
type SpatialProperties struct {
	CoordinateSystem string
	Extents          Extents
	GeoTransform     GeoTransform
	SizeX            int
	SizeY            int
	SizeZ            int
}

// Resolution returns the ground sample distance: the diagonal length of one
// grid cell. It is derived from the extents and grid size, falling back to
// the geo-transform pixel size, and is 0 when neither is known.
func (sp SpatialProperties) Resolution() float64 {
	if sp.SizeX > 1 && sp.SizeY > 1 && sp.Extents.Valid() {
		rx := (sp.Extents.MaxX - sp.Extents.MinX) / float64(sp.SizeX-1)
		ry := (sp.Extents.MaxY - sp.Extents.MinY) / float64(sp.SizeY-1)
		return math.Hypot(rx, ry)
	}
	if sp.GeoTransform.set() {
		return math.Hypot(sp.GeoTransform.PixelWidth, sp.GeoTransform.PixelHeight)
	}
	return 0
}

// ResolutionRatio returns sp's resolution relative to other's. Values below
// 1 mean sp is finer than other; 1 or above means equal or coarser.
func (sp SpatialProperties) ResolutionRatio(other SpatialProperties) float64 {
	r := other.Resolution()
	if r == 0 {
		return math.Inf(1)
	}
	return sp.Resolution() / r
}

// Compatible reports whether sp can stand in for other: same coordinate
// system and overlapping coverage.
func (sp SpatialProperties) Compatible(other SpatialProperties) bool {
	return EquivalentCoordinateSystems(sp.CoordinateSystem, other.CoordinateSystem) &&
		sp.Extents.Intersects(other.Extents)
}

// Valid reports whether the extents describe real coverage.
func (sp SpatialProperties) Valid() bool { return sp.Extents.Valid() }

// EquivalentCoordinateSystems compares two coordinate system definitions
// ignoring case and whitespace layout. Two empty definitions are not
// equivalent.
func EquivalentCoordinateSystems(a, b string) bool {
	na, nb := normalizeCS(a), normalizeCS(b)
	return na != "" && na == nb
}

func normalizeCS(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
