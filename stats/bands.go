package stats

import (
	"context"
	"fmt"

	"github.com/akhenakh/topocorrect/geotiff"
)

// BandMeans returns the arithmetic mean of every band of ds. Index 0 holds
// band 1. Every pixel counts, nodata included.
//
// Rows are summed bottom to top; the order has no effect on the result
// beyond floating point rounding.
func BandMeans(ds *geotiff.GeoTIFF) ([]float64, error) {
	means := make([]float64, 0, ds.BandCount())
	row := make([]float64, ds.Width())
	for n := 1; n <= ds.BandCount(); n++ {
		band, err := ds.Band(n)
		if err != nil {
			return nil, err
		}

		var sum float64
		for y := band.Height() - 1; y >= 0; y-- {
			if err := band.ReadRowInto(y, row); err != nil {
				return nil, fmt.Errorf("band %d: %w", n, err)
			}
			for _, v := range row {
				sum += v
			}
		}
		means = append(means, sum/float64(band.Width()*band.Height()))
	}
	return means, nil
}

// BandMeansFromSource opens src with opener and returns its band means.
func BandMeansFromSource(ctx context.Context, opener geotiff.Opener, src string) ([]float64, error) {
	ds, err := opener.Open(ctx, src)
	if err != nil {
		return nil, err
	}
	defer ds.Close()
	return BandMeans(ds)
}

// BandRegression fits y on x over row-aligned pairs, top to bottom, through
// a fresh Regressor.
func BandRegression(x, y *geotiff.Band) (Coefficients, error) {
	if x.Width() != y.Width() || x.Height() != y.Height() {
		return Coefficients{}, fmt.Errorf("band sizes differ: %dx%d and %dx%d",
			x.Width(), x.Height(), y.Width(), y.Height())
	}
	var r Regressor
	xs := make([]float64, x.Width())
	ys := make([]float64, y.Width())
	for row := 0; row < y.Height(); row++ {
		if err := x.ReadRowInto(row, xs); err != nil {
			return Coefficients{}, fmt.Errorf("x band %d: %w", x.Number(), err)
		}
		if err := y.ReadRowInto(row, ys); err != nil {
			return Coefficients{}, fmt.Errorf("y band %d: %w", y.Number(), err)
		}
		if err := r.Accumulate(xs, ys); err != nil {
			return Coefficients{}, err
		}
	}
	return r.Finalize()
}

// RasterRegression regresses every band of y against band 1 of x.
func RasterRegression(x, y *geotiff.GeoTIFF) ([]Coefficients, error) {
	xb, err := x.Band(1)
	if err != nil {
		return nil, err
	}
	out := make([]Coefficients, 0, y.BandCount())
	for n := 1; n <= y.BandCount(); n++ {
		yb, err := y.Band(n)
		if err != nil {
			return nil, err
		}
		c, err := BandRegression(xb, yb)
		if err != nil {
			return nil, fmt.Errorf("band %d: %w", n, err)
		}
		out = append(out, c)
	}
	return out, nil
}
