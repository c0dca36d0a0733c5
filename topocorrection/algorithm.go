package topocorrection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/akhenakh/topocorrect/geotiff"
	"github.com/akhenakh/topocorrect/rastercalc"
)

// Algorithm is one topographic correction method.
type Algorithm interface {
	// Name is the stable identifier, e.g. "cosine-c".
	Name() string
	// Title is the display name, e.g. "COSINE-C".
	Title() string
	// Init is called once per run before any band is processed. Values
	// shared by all bands of the run live in the returned BandProcessor.
	Init(ctx context.Context, tc *Context) (BandProcessor, error)
}

// BandProcessor corrects one band. band is 0-based. It returns the path of a
// single band raster and never modifies the input.
type BandProcessor interface {
	ProcessBand(ctx context.Context, tc *Context, band int) (string, error)
}

// BandFunc adapts a function to BandProcessor, for methods with nothing to
// prepare in Init.
type BandFunc func(ctx context.Context, tc *Context, band int) (string, error)

func (f BandFunc) ProcessBand(ctx context.Context, tc *Context, band int) (string, error) {
	return f(ctx, tc, band)
}

// Result of Process. Canceled results have no Output.
type Result struct {
	Output   string
	Bands    int
	Canceled bool
}

// Process runs alg over every band of tc.Input in order and assembles the
// corrected bands into output.
//
// ctx is checked between bands. Once it is done the run stops, intermediate
// files are removed and a Canceled result is returned with a nil error. Any
// band failure aborts the run.
func Process(ctx context.Context, alg Algorithm, tc *Context, output string) (Result, error) {
	logger := tc.Logger.With("algorithm", alg.Name())
	tc.Metrics.active(1)
	defer tc.Metrics.active(-1)

	if ctx.Err() != nil {
		tc.Metrics.run(alg.Name(), "canceled")
		return Result{Canceled: true}, nil
	}

	proc, err := alg.Init(ctx, tc)
	if err != nil {
		tc.Metrics.run(alg.Name(), "error")
		return Result{}, fmt.Errorf("%s init: %w", alg.Name(), err)
	}

	paths := make([]string, 0, tc.BandCount)
	defer func() {
		for _, p := range paths {
			os.Remove(p)
		}
	}()

	for band := 0; band < tc.BandCount; band++ {
		if ctx.Err() != nil {
			logger.Info("correction canceled", "bands_done", band, "bands", tc.BandCount)
			tc.Metrics.run(alg.Name(), "canceled")
			return Result{Canceled: true}, nil
		}

		start := time.Now()
		path, err := proc.ProcessBand(ctx, tc, band)
		if err != nil {
			if path != "" {
				os.Remove(path)
			}
			tc.Metrics.run(alg.Name(), "error")
			return Result{}, fmt.Errorf("band %d: %w", band+1, err)
		}
		paths = append(paths, path)
		tc.Metrics.band(alg.Name(), time.Since(start).Seconds())
		logger.Debug("band corrected", "band", band+1, "path", path, "duration", time.Since(start))
	}

	if ctx.Err() != nil {
		tc.Metrics.run(alg.Name(), "canceled")
		return Result{Canceled: true}, nil
	}

	if err := assemble(ctx, tc, paths, output); err != nil {
		tc.Metrics.run(alg.Name(), "error")
		return Result{}, err
	}
	tc.Metrics.run(alg.Name(), "ok")
	logger.Info("correction done", "output", output, "bands", len(paths))
	return Result{Output: output, Bands: len(paths)}, nil
}

// assemble copies single band rasters, in order, into one multi-band raster.
func assemble(ctx context.Context, tc *Context, paths []string, output string) error {
	if len(paths) == 0 {
		return errors.New("no band to assemble")
	}

	first, err := tc.Opener.Open(ctx, paths[0])
	if err != nil {
		return err
	}
	width, height := first.Width(), first.Height()
	nodata := tc.NoData
	if v, ok := first.NoData(); ok {
		nodata = v
	}
	opts := geotiff.WriterOptions{
		Width:       width,
		Height:      height,
		Bands:       len(paths),
		DataType:    "float32",
		Compression: tc.Calc.Compression,
		NoData:      &nodata,
		Georef:      first.Georef().Clone(),
	}
	first.Close()

	w, err := geotiff.Create(output, opts)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		w.Close()
		os.Remove(output)
		return err
	}

	row := make([]float64, width)
	for i, p := range paths {
		ds, err := tc.Opener.Open(ctx, p)
		if err != nil {
			return fail(err)
		}
		if ds.Width() != width || ds.Height() != height {
			ds.Close()
			return fail(fmt.Errorf("band %d is %dx%d, want %dx%d", i+1, ds.Width(), ds.Height(), width, height))
		}
		b, err := ds.Band(1)
		if err != nil {
			ds.Close()
			return fail(err)
		}
		for y := 0; y < height; y++ {
			if err := b.ReadRowInto(y, row); err != nil {
				ds.Close()
				return fail(fmt.Errorf("band %d: %w", i+1, err))
			}
			if err := w.WriteRow(row); err != nil {
				ds.Close()
				return fail(err)
			}
		}
		ds.Close()
	}
	if err := w.Close(); err != nil {
		os.Remove(output)
		return err
	}
	return nil
}

// bandPath is where a method writes its output for band.
func (tc *Context) bandPath(alg string, band int) string {
	return filepath.Join(tc.WorkDir, fmt.Sprintf("%s_band%d.tif", alg, band+1))
}

// correctionInputs are the rasters most methods read: the input band and the
// illumination.
func (tc *Context) correctionInputs(band int) []rastercalc.Input {
	return []rastercalc.Input{
		{Name: "input", Source: tc.Input, Band: band + 1},
		{Name: "luminance", Source: tc.Illumination, Band: 1},
	}
}

func (tc *Context) evaluate(ctx context.Context, alg string, band int, f rastercalc.Formula, inputs []rastercalc.Input) (string, error) {
	return tc.Calc.Evaluate(ctx, f, inputs, tc.bandPath(alg, band), tc.NoData)
}
