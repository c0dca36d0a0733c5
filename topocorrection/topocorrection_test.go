package topocorrection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/topocorrect/geotiff"
	"github.com/akhenakh/topocorrect/rastercalc"
	"github.com/akhenakh/topocorrect/stats"
)

func raster(t *testing.T, dir, name string, w, h int, bands ...[]float64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, geotiff.WriteRaster(path, geotiff.WriterOptions{Width: w, Height: h}, bands...))
	return path
}

func readBands(t *testing.T, path string) [][]float64 {
	t.Helper()
	ds, err := geotiff.Opener{}.Open(context.Background(), path)
	require.NoError(t, err)
	defer ds.Close()

	out := make([][]float64, ds.BandCount())
	for n := 1; n <= ds.BandCount(); n++ {
		b, err := ds.Band(n)
		require.NoError(t, err)
		for y := 0; y < b.Height(); y++ {
			row, err := b.ReadRow(y)
			require.NoError(t, err)
			out[n-1] = append(out[n-1], row...)
		}
	}
	return out
}

func newContext(t *testing.T, tc Context) *Context {
	t.Helper()
	if tc.WorkDir == "" {
		tc.WorkDir = t.TempDir()
	}
	c, err := NewContext(context.Background(), tc)
	require.NoError(t, err)
	return c
}

func run(t *testing.T, alg Algorithm, tc *Context) [][]float64 {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out.tif")
	res, err := Process(context.Background(), alg, tc, out)
	require.NoError(t, err)
	require.False(t, res.Canceled)
	assert.Equal(t, out, res.Output)
	assert.Equal(t, tc.BandCount, res.Bands)
	return readBands(t, out)
}

func TestCosineCFlatIllumination(t *testing.T) {
	dir := t.TempDir()
	tc := newContext(t, Context{
		Input:        raster(t, dir, "in.tif", 2, 2, []float64{10, 20, 30, 40}),
		Illumination: raster(t, dir, "lum.tif", 2, 2, []float64{0.5, 0.5, 0.5, 0.5}),
	})
	got := run(t, CosineC{}, tc)
	assert.Equal(t, [][]float64{{10, 20, 30, 40}}, got)
}

func TestCosineCMasking(t *testing.T) {
	dir := t.TempDir()
	tc := newContext(t, Context{
		Input:        raster(t, dir, "in.tif", 2, 2, []float64{10, 3, 5, 40}),
		Illumination: raster(t, dir, "lum.tif", 2, 2, []float64{0.25, 0.75, 0.25, 0.75}),
	})
	got := run(t, CosineC{}, tc)
	require.Len(t, got, 1)
	// mean illumination 0.5
	assert.InDelta(t, 10*1.5, got[0][0], 1e-4)
	assert.Equal(t, 3.0, got[0][1])
	assert.Equal(t, 5.0, got[0][2])
	assert.InDelta(t, 40*0.5, got[0][3], 1e-4)
}

func TestCosineCZeroMean(t *testing.T) {
	dir := t.TempDir()
	tc := newContext(t, Context{
		Input:        raster(t, dir, "in.tif", 2, 1, []float64{10, 20}),
		Illumination: raster(t, dir, "lum.tif", 2, 1, []float64{0, 0}),
	})
	out := filepath.Join(dir, "out.tif")
	_, err := Process(context.Background(), CosineC{}, tc, out)
	assert.ErrorIs(t, err, ErrZeroMean)
	assert.NoFileExists(t, out)
}

func TestIlluminationNoDataWins(t *testing.T) {
	dir := t.TempDir()
	lum := filepath.Join(dir, "lum.tif")
	zero := 0.0
	require.NoError(t, geotiff.WriteRaster(lum, geotiff.WriterOptions{Width: 3, Height: 1, NoData: &zero},
		[]float64{0, 0.5, 0.25}))
	tc := newContext(t, Context{
		Input:        raster(t, dir, "in.tif", 3, 1, []float64{3, 3, 20}),
		Illumination: lum,
		NoData:       -1,
	})

	// the illumination mean counts every pixel, nodata included: 0.25
	got := run(t, CosineC{}, tc)
	// the unlit pixel is nodata even below the shadow threshold
	assert.Equal(t, [][]float64{{-1, 3, 20}}, got)

	// L is uncorrelated with the input: slope 0, pixels keep their value
	got = run(t, TeilletRegression{}, tc)
	require.Len(t, got, 1)
	assert.Equal(t, -1.0, got[0][0])
	assert.InDelta(t, 3, got[0][1], 1e-4)
	assert.InDelta(t, 20, got[0][2], 1e-4)
}

// lines builds an input band equal to a + b*L for each (a, b).
func lines(lum []float64, ab ...[2]float64) [][]float64 {
	out := make([][]float64, len(ab))
	for i, p := range ab {
		for _, l := range lum {
			out[i] = append(out[i], p[0]+p[1]*l)
		}
	}
	return out
}

func TestCCorrection(t *testing.T) {
	dir := t.TempDir()
	lum := []float64{0.25, 0.5, 0.75, 1}
	tc := newContext(t, Context{
		Input:        raster(t, dir, "in.tif", 2, 2, lines(lum, [2]float64{10, 100}, [2]float64{6, 8})...),
		Illumination: raster(t, dir, "lum.tif", 2, 2, lum),
		SolarZenith:  0,
	})

	coeffs, err := LinearRegressionCoeffs(context.Background(), tc, 0)
	require.NoError(t, err)
	assert.InDelta(t, 10, coeffs.Intercept, 1e-9)
	assert.InDelta(t, 100, coeffs.Slope, 1e-9)

	// input = b(L + a/b), so the corrected value is b*cos(sza) + a everywhere
	got := run(t, CCorrection{}, tc)
	require.Len(t, got, 2)
	for _, v := range got[0] {
		assert.InDelta(t, 110, v, 1e-3)
	}
	for _, v := range got[1] {
		assert.InDelta(t, 14, v, 1e-3)
	}
}

func TestCCorrectionZeroSlope(t *testing.T) {
	dir := t.TempDir()
	tc := newContext(t, Context{
		Input:        raster(t, dir, "in.tif", 2, 2, []float64{50, 50, 50, 50}),
		Illumination: raster(t, dir, "lum.tif", 2, 2, []float64{0.25, 0.5, 0.75, 1}),
	})
	out := filepath.Join(t.TempDir(), "out.tif")
	_, err := Process(context.Background(), CCorrection{}, tc, out)
	assert.ErrorIs(t, err, ErrZeroSlope)
	assert.NoFileExists(t, out)
}

func TestRegressionSingularIllumination(t *testing.T) {
	dir := t.TempDir()
	metrics := NewMetrics(prometheus.NewRegistry())
	tc := newContext(t, Context{
		Input:        raster(t, dir, "in.tif", 2, 2, []float64{10, 20, 30, 40}),
		Illumination: raster(t, dir, "lum.tif", 2, 2, []float64{0.5, 0.5, 0.5, 0.5}),
		Metrics:      metrics,
	})
	out := filepath.Join(t.TempDir(), "out.tif")
	_, err := Process(context.Background(), TeilletRegression{}, tc, out)
	assert.ErrorIs(t, err, stats.ErrSingularSystem)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RegressionFit.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues("teillet-regression", "error")))
}

func TestTeilletRegression(t *testing.T) {
	dir := t.TempDir()
	lum := []float64{0.25, 0.5, 0.75, 1}
	tc := newContext(t, Context{
		Input:        raster(t, dir, "in.tif", 2, 2, lines(lum, [2]float64{10, 100}, [2]float64{5, 20})...),
		Illumination: raster(t, dir, "lum.tif", 2, 2, lum),
	})
	got := run(t, TeilletRegression{}, tc)
	require.Len(t, got, 2)
	for _, v := range got[0] {
		assert.InDelta(t, 72.5, v, 1e-3)
	}
	for _, v := range got[1] {
		assert.InDelta(t, 17.5, v, 1e-3)
	}
}

func TestSCS(t *testing.T) {
	dir := t.TempDir()
	tc := newContext(t, Context{
		Input:        raster(t, dir, "in.tif", 2, 2, []float64{10, 10, 10, 10}),
		Illumination: raster(t, dir, "lum.tif", 2, 2, []float64{0.5, 0, 1, 0.25}),
		Slope:        raster(t, dir, "slope.tif", 2, 2, []float64{0, 60, 60, 0}),
		SolarZenith:  60,
	})
	got := run(t, SCS{}, tc)
	require.Len(t, got, 1)
	assert.InDelta(t, 10, got[0][0], 1e-4)
	assert.Equal(t, 0.0, got[0][1])
	assert.InDelta(t, 2.5, got[0][2], 1e-4)
	assert.InDelta(t, 20, got[0][3], 1e-4)
}

func TestSCSWithoutSlope(t *testing.T) {
	dir := t.TempDir()
	tc := newContext(t, Context{
		Input:        raster(t, dir, "in.tif", 1, 1, []float64{10}),
		Illumination: raster(t, dir, "lum.tif", 1, 1, []float64{0.5}),
	})
	_, err := Process(context.Background(), SCS{}, tc, filepath.Join(t.TempDir(), "out.tif"))
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestCosineT(t *testing.T) {
	dir := t.TempDir()
	tc := newContext(t, Context{
		Input:        raster(t, dir, "in.tif", 3, 1, []float64{10, 10, 4}, []float64{2, 2, 2}),
		Illumination: raster(t, dir, "lum.tif", 3, 1, []float64{0.5, 0, 0.25}),
		SolarZenith:  60,
	})
	got := run(t, CosineT{}, tc)
	require.Len(t, got, 2)
	assert.InDelta(t, 10, got[0][0], 1e-4)
	assert.Equal(t, 0.0, got[0][1])
	assert.InDelta(t, 8, got[0][2], 1e-4)
	assert.InDelta(t, 2, got[1][0], 1e-4)
	assert.Equal(t, 0.0, got[1][1])
	assert.InDelta(t, 4, got[1][2], 1e-4)
}

// hooked wraps an algorithm and calls after once each band is done.
type hooked struct {
	Algorithm
	after func(band int) error
}

func (h hooked) Init(ctx context.Context, tc *Context) (BandProcessor, error) {
	proc, err := h.Algorithm.Init(ctx, tc)
	if err != nil {
		return nil, err
	}
	return BandFunc(func(ctx context.Context, tc *Context, band int) (string, error) {
		path, err := proc.ProcessBand(ctx, tc, band)
		if err != nil {
			return "", err
		}
		return path, h.after(band)
	}), nil
}

func threeBands(t *testing.T) *Context {
	dir := t.TempDir()
	return newContext(t, Context{
		Input: raster(t, dir, "in.tif", 2, 1,
			[]float64{10, 20}, []float64{30, 40}, []float64{50, 60}),
		Illumination: raster(t, dir, "lum.tif", 2, 1, []float64{0.5, 1}),
	})
}

func TestProcessCanceledAfterFirstBand(t *testing.T) {
	tc := threeBands(t)
	require.Equal(t, 3, tc.BandCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var done []int
	alg := hooked{Algorithm: CosineT{}, after: func(band int) error {
		done = append(done, band)
		if band == 0 {
			cancel()
		}
		return nil
	}}

	out := filepath.Join(t.TempDir(), "out.tif")
	res, err := Process(ctx, alg, tc, out)
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.Empty(t, res.Output)
	assert.Zero(t, res.Bands)
	assert.Equal(t, []int{0}, done)
	assert.NoFileExists(t, out)

	left, err := os.ReadDir(tc.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestProcessBandErrorAborts(t *testing.T) {
	tc := threeBands(t)
	boom := errors.New("boom")
	alg := hooked{Algorithm: CosineT{}, after: func(band int) error {
		if band == 1 {
			return boom
		}
		return nil
	}}

	out := filepath.Join(t.TempDir(), "out.tif")
	_, err := Process(context.Background(), alg, tc, out)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "band 2")
	assert.NoFileExists(t, out)
}

func TestProcessBandOrder(t *testing.T) {
	tc := threeBands(t)
	var order []int
	alg := hooked{Algorithm: CosineT{}, after: func(band int) error {
		order = append(order, band)
		return nil
	}}
	got := run(t, alg, tc)
	assert.Equal(t, []int{0, 1, 2}, order)
	require.Len(t, got, 3)
	// sza 0, so cosine-t divides by illumination
	assert.InDelta(t, 20, got[0][0], 1e-4)
	assert.InDelta(t, 20, got[0][1], 1e-4)
	assert.InDelta(t, 60, got[1][0], 1e-4)
	assert.InDelta(t, 100, got[2][0], 1e-4)
}

func TestNewContext(t *testing.T) {
	_, err := NewContext(context.Background(), Context{Illumination: "x", WorkDir: "y"})
	assert.ErrorIs(t, err, ErrInvalidContext)
	_, err = NewContext(context.Background(), Context{Input: "x", WorkDir: "y"})
	assert.ErrorIs(t, err, ErrInvalidContext)
	_, err = NewContext(context.Background(), Context{Input: "x", Illumination: "y"})
	assert.ErrorIs(t, err, ErrInvalidContext)

	tc := threeBands(t)
	assert.Equal(t, 3, tc.BandCount)
	assert.InDelta(t, 1, tc.SZACosine(), 1e-12)

	tc.SolarZenith = 60
	assert.InDelta(t, 0.5, tc.SZACosine(), 1e-12)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	var names []string
	for _, a := range r.Algorithms() {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"c-correction", "cosine-c", "cosine-t", "scs", "teillet-regression"}, names)

	for _, key := range []string{"cosine-c", "COSINE-C", "Cosine-C"} {
		a, err := r.Get(key)
		require.NoError(t, err)
		assert.Equal(t, "cosine-c", a.Name())
	}
	a, err := r.Get(" [old] scs ")
	require.NoError(t, err)
	assert.Equal(t, "scs", a.Name())
	a, err = r.Get("Teillet regression")
	require.NoError(t, err)
	assert.Equal(t, "teillet-regression", a.Name())

	_, err = r.Get("minnaert")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = NewRegistry(CosineC{}, CosineC{})
	assert.ErrorIs(t, err, ErrDuplicateAlgorithm)
}

func TestIlluminationFlatTerrain(t *testing.T) {
	dir := t.TempDir()
	slope := raster(t, dir, "slope.tif", 3, 1, []float64{0, 0, 0})
	aspect := raster(t, dir, "aspect.tif", 3, 1, []float64{0, 90, 270})

	out, err := Illumination(context.Background(), &rastercalc.Calculator{}, slope, aspect, 30, 135, filepath.Join(dir, "lum.tif"))
	require.NoError(t, err)
	for _, v := range readBands(t, out)[0] {
		assert.InDelta(t, math.Cos(30*math.Pi/180), v, 1e-6)
	}
}

func TestIlluminationFacingSun(t *testing.T) {
	dir := t.TempDir()
	slope := raster(t, dir, "slope.tif", 2, 1, []float64{40, 40})
	aspect := raster(t, dir, "aspect.tif", 2, 1, []float64{135, 315})

	out, err := Illumination(context.Background(), &rastercalc.Calculator{}, slope, aspect, 40, 135, filepath.Join(dir, "lum.tif"))
	require.NoError(t, err)
	got := readBands(t, out)[0]
	// facing the sun the incidence angle is zero
	assert.InDelta(t, 1, got[0], 1e-6)
	// facing away it is sza + slope
	assert.InDelta(t, math.Cos(80*math.Pi/180), got[1], 1e-6)
}

func TestRunnerWithSlopeAndAspect(t *testing.T) {
	dir := t.TempDir()
	work := t.TempDir()
	metrics := NewMetrics(prometheus.NewRegistry())
	r := &Runner{Registry: DefaultRegistry(), WorkDir: work, Metrics: metrics}

	job := Job{
		ID:           "job-1",
		Input:        raster(t, dir, "in.tif", 2, 2, []float64{10, 20, 30, 40}, []float64{1, 2, 3, 4}),
		Slope:        raster(t, dir, "slope.tif", 2, 2, []float64{0, 0, 0, 0}),
		Aspect:       raster(t, dir, "aspect.tif", 2, 2, []float64{0, 0, 0, 0}),
		Output:       filepath.Join(dir, "out.tif"),
		Algorithm:    "[old] COSINE-T",
		SolarZenith:  30,
		SolarAzimuth: 180,
	}
	report, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "job-1", report.ID)
	assert.Equal(t, "cosine-t", report.Algorithm)
	assert.Equal(t, job.Output, report.Output)
	assert.Equal(t, 2, report.Bands)
	assert.False(t, report.Canceled)

	// flat terrain: illumination is cos(sza), which cosine-t cancels out
	got := readBands(t, job.Output)
	for i, want := range []float64{10, 20, 30, 40} {
		assert.InDelta(t, want, got[0][i], 1e-3)
	}
	for i, want := range []float64{1, 2, 3, 4} {
		assert.InDelta(t, want, got[1][i], 1e-3)
	}

	left, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues("cosine-t", "ok")))
	assert.Positive(t, testutil.ToFloat64(metrics.RowsRead))
}

func TestRunnerConcurrentSameID(t *testing.T) {
	dir := t.TempDir()
	work := t.TempDir()
	r := &Runner{Registry: DefaultRegistry(), WorkDir: work}
	lum := raster(t, dir, "lum.tif", 2, 2, []float64{0.5, 0.5, 0.5, 0.5})

	const jobs = 4
	reports := make([]Report, jobs)
	errs := make([]error, jobs)
	outputs := make([]string, jobs)
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		v := float64(10 * (i + 1))
		bands := [][]float64{{v, v, v, v}, {v + 1, v + 1, v + 1, v + 1}, {v + 2, v + 2, v + 2, v + 2}}
		in := raster(t, dir, fmt.Sprintf("in%d.tif", i), 2, 2, bands...)
		outputs[i] = filepath.Join(dir, fmt.Sprintf("out%d.tif", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = r.Run(context.Background(), Job{
				ID:           "same",
				Input:        in,
				Illumination: lum,
				Output:       outputs[i],
				Algorithm:    "cosine-t",
				SolarZenith:  60,
			})
		}()
	}
	wg.Wait()

	for i := 0; i < jobs; i++ {
		require.NoError(t, errs[i], "job %d", i)
		assert.Equal(t, "same", reports[i].ID)
		assert.Equal(t, 3, reports[i].Bands)
		// cos(60°) over a 0.5 illumination leaves the input untouched
		v := float64(10 * (i + 1))
		got := readBands(t, outputs[i])
		for b := range got {
			for _, px := range got[b] {
				assert.InDelta(t, v+float64(b), px, 1e-3, "job %d band %d", i, b+1)
			}
		}
	}

	left, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRunnerErrors(t *testing.T) {
	dir := t.TempDir()
	in := raster(t, dir, "in.tif", 1, 1, []float64{10})
	lum := raster(t, dir, "lum.tif", 1, 1, []float64{0.5})
	r := &Runner{WorkDir: t.TempDir()}

	_, err := r.Run(context.Background(), Job{Input: in, Output: "out.tif", Algorithm: "cosine-c"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = r.Run(context.Background(), Job{Input: in, Illumination: lum, Output: "out.tif", Algorithm: "nope"})
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = r.Run(context.Background(), Job{ID: "../x", Input: in, Illumination: lum, Output: "out.tif", Algorithm: "scs"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = r.Run(context.Background(), Job{Input: in, Illumination: lum, Output: "out.tif", Algorithm: "scs", SolarZenith: 95})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestRunnerCanceled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Runner{WorkDir: t.TempDir()}
	job := Job{
		Input:        raster(t, dir, "in.tif", 1, 1, []float64{10}),
		Illumination: raster(t, dir, "lum.tif", 1, 1, []float64{0.5}),
		Output:       filepath.Join(dir, "out.tif"),
		Algorithm:    "cosine-c",
	}
	report, err := r.Run(ctx, job)
	require.NoError(t, err)
	assert.True(t, report.Canceled)
	assert.NotEmpty(t, report.ID)
	assert.NoFileExists(t, job.Output)
}
