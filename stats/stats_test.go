package stats

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/akhenakh/topocorrect/geotiff"
)

// chunks splits n noisy samples of y = 3 + 2x into pieces of uneven sizes.
func chunks(rng *rand.Rand, n int) (xs, ys [][]float64) {
	for i := 0; i < n; {
		size := min(1+rng.IntN(50), n-i)
		x := make([]float64, size)
		y := make([]float64, size)
		for j := range x {
			x[j] = rng.Float64()
			y[j] = 3 + 2*x[j] + 0.1*rng.NormFloat64()
		}
		xs, ys = append(xs, x), append(ys, y)
		i += size
	}
	return xs, ys
}

func concat(parts [][]float64) []float64 {
	var out []float64
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestStreamingEqualsBatch(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	xs, ys := chunks(rng, 5000)

	var r Regressor
	for i := range xs {
		require.NoError(t, r.Accumulate(xs[i], ys[i]))
	}
	got, err := r.Finalize()
	require.NoError(t, err)
	assert.Equal(t, 5000, r.Count())

	alpha, beta := stat.LinearRegression(concat(xs), concat(ys), nil, false)
	assert.InEpsilon(t, alpha, got.Intercept, 1e-9)
	assert.InEpsilon(t, beta, got.Slope, 1e-9)
}

func TestChunkOrderInvariance(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	xs, ys := chunks(rng, 2000)

	var base Regressor
	for i := range xs {
		require.NoError(t, base.Accumulate(xs[i], ys[i]))
	}
	want, err := base.Finalize()
	require.NoError(t, err)

	for trial := 0; trial < 5; trial++ {
		var r Regressor
		for _, i := range rng.Perm(len(xs)) {
			require.NoError(t, r.Accumulate(xs[i], ys[i]))
		}
		got, err := r.Finalize()
		require.NoError(t, err)
		assert.InEpsilon(t, want.Intercept, got.Intercept, 1e-9)
		assert.InEpsilon(t, want.Slope, got.Slope, 1e-9)
	}
}

func TestExactLine(t *testing.T) {
	var r Regressor
	require.NoError(t, r.Accumulate([]float64{0, 1, 2}, []float64{1, 3, 5}))
	require.NoError(t, r.Accumulate([]float64{3}, []float64{7}))

	c, err := r.Finalize()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, c.Intercept, 1e-12)
	assert.InDelta(t, 2.0, c.Slope, 1e-12)
}

func TestSingularSystem(t *testing.T) {
	t.Run("constant x", func(t *testing.T) {
		var r Regressor
		require.NoError(t, r.Accumulate([]float64{2, 2, 2, 2}, []float64{1, 5, 3, 8}))
		_, err := r.Finalize()
		assert.ErrorIs(t, err, ErrSingularSystem)
	})
	t.Run("constant x over many chunks", func(t *testing.T) {
		for _, v := range []float64{0.123456, 0.1, 0.3, 0.7, 0, 1e6} {
			var r Regressor
			x := make([]float64, 1000)
			y := make([]float64, 1000)
			for c := 0; c < 1000; c++ {
				for i := range x {
					x[i] = v
					y[i] = float64((c*1000 + i) % 7)
				}
				require.NoError(t, r.Accumulate(x, y))
			}
			require.Equal(t, 1_000_000, r.Count())
			_, err := r.Finalize()
			assert.ErrorIs(t, err, ErrSingularSystem, "x = %g", v)
		}
	})
	t.Run("empty", func(t *testing.T) {
		var r Regressor
		_, err := r.Finalize()
		assert.ErrorIs(t, err, ErrSingularSystem)
	})
	t.Run("single sample", func(t *testing.T) {
		var r Regressor
		require.NoError(t, r.Accumulate([]float64{1}, []float64{1}))
		_, err := r.Finalize()
		assert.ErrorIs(t, err, ErrSingularSystem)
	})
}

func TestLargeOffset(t *testing.T) {
	var r Regressor
	for c := 0; c < 100; c++ {
		x := make([]float64, 100)
		y := make([]float64, 100)
		for i := range x {
			x[i] = 1e6 + float64(c*100+i)*1e-2
			y[i] = 2*x[i] + 1
		}
		require.NoError(t, r.Accumulate(x, y))
	}
	c, err := r.Finalize()
	require.NoError(t, err)
	assert.InDelta(t, 2, c.Slope, 1e-6)
	assert.InEpsilon(t, 1, c.Intercept, 1e-2)
}

func TestFinalizeIdempotentAndReusable(t *testing.T) {
	var r Regressor
	require.NoError(t, r.Accumulate([]float64{0, 1}, []float64{0, 1}))

	first, err := r.Finalize()
	require.NoError(t, err)
	second, err := r.Finalize()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, r.Accumulate([]float64{2}, []float64{10}))
	third, err := r.Finalize()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	r.Reset()
	assert.Zero(t, r.Count())
}

func TestAccumulateLengthMismatch(t *testing.T) {
	var r Regressor
	err := r.Accumulate([]float64{1, 2}, []float64{1})
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.Zero(t, r.Count())
}

func writeRaster(t *testing.T, width, height int, bands ...[]float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raster.tif")
	require.NoError(t, geotiff.WriteRaster(path, geotiff.WriterOptions{Width: width, Height: height}, bands...))
	return path
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestBandMeansConstant(t *testing.T) {
	const w, h = 37, 23
	path := writeRaster(t, w, h, constant(w*h, 117))

	means, err := BandMeansFromSource(context.Background(), geotiff.Opener{}, path)
	require.NoError(t, err)
	require.Len(t, means, 1)
	assert.Equal(t, 117.0, means[0])
}

func TestBandMeansBandOrder(t *testing.T) {
	const w, h = 4, 3
	path := writeRaster(t, w, h, constant(w*h, 1), constant(w*h, 2), constant(w*h, 3))

	means, err := BandMeansFromSource(context.Background(), geotiff.Opener{}, path)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, means)
}

func TestBandMeansValues(t *testing.T) {
	path := writeRaster(t, 2, 2, []float64{10, 20, 30, 40})
	means, err := BandMeansFromSource(context.Background(), geotiff.Opener{}, path)
	require.NoError(t, err)
	assert.Equal(t, []float64{25}, means)
}

func TestBandMeansMissingSource(t *testing.T) {
	_, err := BandMeansFromSource(context.Background(), geotiff.Opener{}, filepath.Join(t.TempDir(), "nope.tif"))
	require.Error(t, err)
}

func TestRasterRegression(t *testing.T) {
	const w, h = 5, 4
	x := make([]float64, w*h)
	y1 := make([]float64, w*h)
	y2 := make([]float64, w*h)
	for i := range x {
		x[i] = float64(i%7) * 0.125
		y1[i] = 4 + 8*x[i]
		y2[i] = 100 - 16*x[i]
	}

	xds, err := geotiff.Opener{}.Open(context.Background(), writeRaster(t, w, h, x))
	require.NoError(t, err)
	defer xds.Close()
	yds, err := geotiff.Opener{}.Open(context.Background(), writeRaster(t, w, h, y1, y2))
	require.NoError(t, err)
	defer yds.Close()

	coeffs, err := RasterRegression(xds, yds)
	require.NoError(t, err)
	require.Len(t, coeffs, 2)
	assert.InDelta(t, 4, coeffs[0].Intercept, 1e-5)
	assert.InDelta(t, 8, coeffs[0].Slope, 1e-5)
	assert.InDelta(t, 100, coeffs[1].Intercept, 1e-4)
	assert.InDelta(t, -16, coeffs[1].Slope, 1e-4)
}

func TestBandRegressionConstantIllumination(t *testing.T) {
	const w, h = 3, 3
	xds, err := geotiff.Opener{}.Open(context.Background(), writeRaster(t, w, h, constant(w*h, 0.5)))
	require.NoError(t, err)
	defer xds.Close()
	yds, err := geotiff.Opener{}.Open(context.Background(), writeRaster(t, w, h, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}))
	require.NoError(t, err)
	defer yds.Close()

	xb, _ := xds.Band(1)
	yb, _ := yds.Band(1)
	_, err = BandRegression(xb, yb)
	assert.True(t, errors.Is(err, ErrSingularSystem), "got %v", err)
}
