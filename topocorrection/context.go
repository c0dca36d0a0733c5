// Package topocorrection removes terrain induced shading from multi-band
// rasters, one band at a time, with a choice of correction methods.
package topocorrection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/akhenakh/topocorrect/geotiff"
	"github.com/akhenakh/topocorrect/rastercalc"
)

// DefaultNoData is the NoData value of corrected bands.
const DefaultNoData = 0

var ErrInvalidContext = errors.New("topocorrection: invalid context")

// Context holds everything a correction run reads. It is not modified once
// built and is shared by every band of the run.
type Context struct {
	// Input is the raster to correct.
	Input     string
	BandCount int

	// Illumination is a single band raster aligned with Input.
	Illumination string
	// Slope, in degrees, is only required by SCS.
	Slope string
	// Aspect, in degrees, is kept for reference and illumination rebuilds.
	Aspect string

	// SolarZenith and SolarAzimuth are in degrees.
	SolarZenith  float64
	SolarAzimuth float64

	NoData float64

	// WorkDir receives per band outputs.
	WorkDir string

	Opener  geotiff.Opener
	Calc    *rastercalc.Calculator
	Logger  *slog.Logger
	Metrics *Metrics
}

// NewContext fills BandCount from the input raster when it is zero and
// checks that the rasters the run needs are set.
func NewContext(ctx context.Context, tc Context) (*Context, error) {
	if tc.Input == "" {
		return nil, fmt.Errorf("%w: no input raster", ErrInvalidContext)
	}
	if tc.Illumination == "" {
		return nil, fmt.Errorf("%w: no illumination raster", ErrInvalidContext)
	}
	if tc.WorkDir == "" {
		return nil, fmt.Errorf("%w: no work directory", ErrInvalidContext)
	}
	if tc.Logger == nil {
		tc.Logger = slog.Default()
	}
	if tc.Calc == nil {
		tc.Calc = &rastercalc.Calculator{Opener: tc.Opener, Logger: tc.Logger, RowsRead: tc.Metrics.rowsCounter()}
	}
	if tc.BandCount == 0 {
		ds, err := tc.Opener.Open(ctx, tc.Input)
		if err != nil {
			return nil, err
		}
		tc.BandCount = ds.BandCount()
		ds.Close()
	}
	return &tc, nil
}

// SZACosine is the cosine of the solar zenith angle.
func (tc *Context) SZACosine() float64 { return math.Cos(deg2rad(tc.SolarZenith)) }

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
