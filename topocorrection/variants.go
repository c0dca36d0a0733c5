package topocorrection

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/akhenakh/topocorrect/rastercalc"
	"github.com/akhenakh/topocorrect/stats"
)

// ErrZeroMean is returned by COSINE-C when the scene illumination averages to
// zero, leaving the correction undefined.
var ErrZeroMean = errors.New("topocorrection: illumination mean is zero")

// shadowThreshold is the input value at or below which cosine-c and
// c-correction leave a pixel untouched.
const shadowThreshold = 5

// CosineC scales each pixel by its illumination relative to the mean
// illumination of the scene:
//
//	input * (1 + (mean - L) / mean)
//
// Pixels at or below the shadow threshold keep their input value, unless the
// input or L equals the NoData of its raster: those pixels become NoData.
// Illumination rasters built by Illumination declare 0 as NoData, so
// unlit shadow pixels are NoData rather than passed through.
type CosineC struct{}

func (CosineC) Name() string  { return "cosine-c" }
func (CosineC) Title() string { return "COSINE-C" }

func (a CosineC) Init(ctx context.Context, tc *Context) (BandProcessor, error) {
	means, err := stats.BandMeansFromSource(ctx, tc.Opener, tc.Illumination)
	if err != nil {
		return nil, fmt.Errorf("illumination mean: %w", err)
	}
	if math.Abs(means[0]) < zeroSlope || math.IsNaN(means[0]) {
		return nil, fmt.Errorf("%w: %g", ErrZeroMean, means[0])
	}
	tc.Logger.Debug("illumination mean", "mean", means[0])
	return cosineCRun{name: a.Name(), mean: means[0]}, nil
}

type cosineCRun struct {
	name string
	mean float64
}

func (r cosineCRun) ProcessBand(ctx context.Context, tc *Context, band int) (string, error) {
	mean := r.mean
	f := rastercalc.Formula{
		Expr: fmt.Sprintf("input * (1 + (%g - luminance) / %g)", mean, mean),
		Compute: func(px []float64) float64 {
			return px[0] * (1 + (mean-px[1])/mean)
		},
		Valid:    func(px []float64) bool { return px[0] > shadowThreshold },
		Fallback: rastercalc.PassThrough(0),
	}
	return tc.evaluate(ctx, r.name, band, f, tc.correctionInputs(band))
}

// CCorrection divides by illumination shifted by c = intercept / slope of the
// per band regression of input on illumination:
//
//	input * (cos(sza) + c) / (L + c)
//
// NoData handling is the one of CosineC.
type CCorrection struct{}

func (CCorrection) Name() string  { return "c-correction" }
func (CCorrection) Title() string { return "C-correction" }

func (a CCorrection) Init(context.Context, *Context) (BandProcessor, error) {
	name := a.Name()
	return BandFunc(func(ctx context.Context, tc *Context, band int) (string, error) {
		coeffs, err := LinearRegressionCoeffs(ctx, tc, band)
		if err != nil {
			return "", err
		}
		if math.Abs(coeffs.Slope) < zeroSlope {
			return "", fmt.Errorf("%w: band %d", ErrZeroSlope, band+1)
		}
		c := coeffs.Intercept / coeffs.Slope
		szaCos := tc.SZACosine()

		f := rastercalc.Formula{
			Expr: fmt.Sprintf("input * (%g + %g) / (luminance + %g)", szaCos, c, c),
			Compute: func(px []float64) float64 {
				return px[0] * (szaCos + c) / (px[1] + c)
			},
			Valid: func(px []float64) bool {
				return px[0] > shadowThreshold && px[1]+c > 0
			},
			Fallback: rastercalc.PassThrough(0),
		}
		return tc.evaluate(ctx, name, band, f, tc.correctionInputs(band))
	}), nil
}

// TeilletRegression removes the illumination trend of each band and restores
// the band mean:
//
//	input - slope * L - intercept + mean
//
// The transform applies to every pixel except those where the input or L
// equals the NoData of its raster, which become NoData. With an illumination
// raster built by Illumination that includes every pixel where L is 0.
type TeilletRegression struct{}

func (TeilletRegression) Name() string  { return "teillet-regression" }
func (TeilletRegression) Title() string { return "Teillet regression" }

func (a TeilletRegression) Init(ctx context.Context, tc *Context) (BandProcessor, error) {
	means, err := stats.BandMeansFromSource(ctx, tc.Opener, tc.Input)
	if err != nil {
		return nil, fmt.Errorf("input band means: %w", err)
	}
	if len(means) < tc.BandCount {
		return nil, fmt.Errorf("%w: input has %d bands, want %d", ErrInvalidContext, len(means), tc.BandCount)
	}
	return teilletRun{name: a.Name(), means: means}, nil
}

type teilletRun struct {
	name  string
	means []float64
}

func (r teilletRun) ProcessBand(ctx context.Context, tc *Context, band int) (string, error) {
	coeffs, err := LinearRegressionCoeffs(ctx, tc, band)
	if err != nil {
		return "", err
	}
	slope, intercept, mean := coeffs.Slope, coeffs.Intercept, r.means[band]

	f := rastercalc.Formula{
		Expr: fmt.Sprintf("input - %g * luminance - %g + %g", slope, intercept, mean),
		Compute: func(px []float64) float64 {
			return px[0] - slope*px[1] - intercept + mean
		},
	}
	return tc.evaluate(ctx, r.name, band, f, tc.correctionInputs(band))
}

// SCS (sun-canopy-sensor) accounts for the slope of the terrain:
//
//	cos(sza) * cos(slope) * input / L
//
// Pixels with zero illumination become NoData.
type SCS struct{}

func (SCS) Name() string  { return "scs" }
func (SCS) Title() string { return "[old] SCS" }

func (a SCS) Init(context.Context, *Context) (BandProcessor, error) {
	name := a.Name()
	return BandFunc(func(ctx context.Context, tc *Context, band int) (string, error) {
		if tc.Slope == "" {
			return "", fmt.Errorf("%w: scs needs a slope raster", ErrInvalidContext)
		}
		szaCos := tc.SZACosine()
		f := rastercalc.Formula{
			Expr: fmt.Sprintf("%g * cos(deg2rad(slope)) * input / luminance", szaCos),
			Compute: func(px []float64) float64 {
				return szaCos * math.Cos(deg2rad(px[2])) * px[0] / px[1]
			},
			Valid: litPixel,
		}
		inputs := append(tc.correctionInputs(band), rastercalc.Input{Name: "slope", Source: tc.Slope, Band: 1})
		return tc.evaluate(ctx, name, band, f, inputs)
	}), nil
}

// CosineT is the plain cosine correction:
//
//	cos(sza) * input / L
//
// Pixels with zero illumination become NoData.
type CosineT struct{}

func (CosineT) Name() string  { return "cosine-t" }
func (CosineT) Title() string { return "[old] COSINE-T" }

func (a CosineT) Init(context.Context, *Context) (BandProcessor, error) {
	name := a.Name()
	return BandFunc(func(ctx context.Context, tc *Context, band int) (string, error) {
		szaCos := tc.SZACosine()
		f := rastercalc.Formula{
			Expr: fmt.Sprintf("%g * input / luminance", szaCos),
			Compute: func(px []float64) float64 {
				return szaCos * px[0] / px[1]
			},
			Valid: litPixel,
		}
		return tc.evaluate(ctx, name, band, f, tc.correctionInputs(band))
	}), nil
}

func litPixel(px []float64) bool { return px[1] != 0 }
