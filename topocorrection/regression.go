package topocorrection

import (
	"context"
	"errors"
	"fmt"

	"github.com/akhenakh/topocorrect/stats"
)

// ErrZeroSlope is returned when a band does not depend on illumination at all,
// leaving the C-correction factor undefined.
var ErrZeroSlope = errors.New("topocorrection: regression slope is zero")

// zeroSlope is the slope magnitude below which it counts as zero.
const zeroSlope = 1e-12

// LinearRegressionCoeffs fits input band (0-based) against the illumination
// raster, streaming both top to bottom. Nothing is cached across calls.
func LinearRegressionCoeffs(ctx context.Context, tc *Context, band int) (stats.Coefficients, error) {
	c, err := linearRegressionCoeffs(ctx, tc, band)
	tc.Metrics.regression(err)
	return c, err
}

func linearRegressionCoeffs(ctx context.Context, tc *Context, band int) (stats.Coefficients, error) {
	illum, err := tc.Opener.Open(ctx, tc.Illumination)
	if err != nil {
		return stats.Coefficients{}, err
	}
	defer illum.Close()

	input, err := tc.Opener.Open(ctx, tc.Input)
	if err != nil {
		return stats.Coefficients{}, err
	}
	defer input.Close()

	x, err := illum.Band(1)
	if err != nil {
		return stats.Coefficients{}, err
	}
	y, err := input.Band(band + 1)
	if err != nil {
		return stats.Coefficients{}, err
	}

	c, err := stats.BandRegression(x, y)
	if err != nil {
		return stats.Coefficients{}, fmt.Errorf("regression of band %d: %w", band+1, err)
	}
	tc.Logger.Debug("band regression", "band", band+1, "intercept", c.Intercept, "slope", c.Slope)
	return c, nil
}
