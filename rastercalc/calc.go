// Package rastercalc evaluates per-pixel functions over aligned raster bands
// and writes the result as a single band GeoTIFF.
package rastercalc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/akhenakh/topocorrect/geotiff"
)

var (
	ErrNoInputs          = errors.New("rastercalc: no inputs")
	ErrDimensionMismatch = errors.New("rastercalc: input grids differ")
	ErrNoCompute         = errors.New("rastercalc: formula has no compute function")
)

// Input names one band of one raster. Band is 1-based.
type Input struct {
	Name   string
	Source string
	Band   int
}

// Formula is evaluated once per pixel. px holds one sample per input, in
// input order.
//
// When Valid is set and returns false the pixel gets Fallback(px), or the
// output nodata value when Fallback is nil. Compute is not called for such
// pixels.
type Formula struct {
	// Expr is a human readable form of Compute, used in logs only.
	Expr     string
	Compute  func(px []float64) float64
	Valid    func(px []float64) bool
	Fallback func(px []float64) float64
}

// PassThrough returns a fallback yielding the sample of input i unchanged.
func PassThrough(i int) func([]float64) float64 {
	return func(px []float64) float64 { return px[i] }
}

// Calculator evaluates formulas row by row. Its zero value is usable.
type Calculator struct {
	Opener geotiff.Opener
	Logger *slog.Logger

	// Compression of the outputs, geotiff.Uncompressed when zero.
	Compression uint16

	// RowsRead, when set, is incremented by the number of input rows read.
	RowsRead prometheus.Counter
}

// Evaluate applies f to the inputs and writes one float32 band to output,
// carrying the georeferencing of the first input and nodata as its NoData.
//
// Input samples equal to their dataset NoData produce nodata, as do
// non-finite results. It returns output.
func (c *Calculator) Evaluate(ctx context.Context, f Formula, inputs []Input, output string, nodata float64) (string, error) {
	if len(inputs) == 0 {
		return "", ErrNoInputs
	}
	if f.Compute == nil {
		return "", ErrNoCompute
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	// inputs often share a dataset, e.g. several bands of one file
	datasets := make(map[string]*geotiff.GeoTIFF)
	defer func() {
		for _, ds := range datasets {
			ds.Close()
		}
	}()

	bands := make([]*geotiff.Band, len(inputs))
	masks := make([]struct {
		value float64
		ok    bool
	}, len(inputs))
	var first *geotiff.GeoTIFF
	for i, in := range inputs {
		ds, ok := datasets[in.Source]
		if !ok {
			var err error
			ds, err = c.Opener.Open(ctx, in.Source)
			if err != nil {
				return "", fmt.Errorf("input %s: %w", in.Name, err)
			}
			datasets[in.Source] = ds
		}
		if first == nil {
			first = ds
		}
		if err := geotiff.SameGrid(first, ds); err != nil {
			return "", fmt.Errorf("%w: %s and %s: %v", ErrDimensionMismatch, inputs[0].Name, in.Name, err)
		}
		b, err := ds.Band(in.Band)
		if err != nil {
			return "", fmt.Errorf("input %s: %w", in.Name, err)
		}
		bands[i] = b
		masks[i].value, masks[i].ok = ds.NoData()
	}

	width, height := first.Width(), first.Height()
	w, err := geotiff.Create(output, geotiff.WriterOptions{
		Width:       width,
		Height:      height,
		Bands:       1,
		DataType:    "float32",
		Compression: c.Compression,
		NoData:      &nodata,
		Georef:      first.Georef().Clone(),
	})
	if err != nil {
		return "", err
	}
	abort := func(err error) (string, error) {
		w.Close()
		os.Remove(output)
		return "", err
	}

	rows := make([][]float64, len(inputs))
	for i := range rows {
		rows[i] = make([]float64, width)
	}
	px := make([]float64, len(inputs))
	out := make([]float64, width)
	var masked, invalid int

	for y := 0; y < height; y++ {
		for i, b := range bands {
			if err := b.ReadRowInto(y, rows[i]); err != nil {
				return abort(fmt.Errorf("input %s: %w", inputs[i].Name, err))
			}
		}
		if c.RowsRead != nil {
			c.RowsRead.Add(float64(len(bands)))
		}

	pixels:
		for x := 0; x < width; x++ {
			for i := range px {
				v := rows[i][x]
				if masks[i].ok && (v == masks[i].value || math.IsNaN(v) && math.IsNaN(masks[i].value)) {
					out[x] = nodata
					masked++
					continue pixels
				}
				px[i] = v
			}

			var v float64
			switch {
			case f.Valid == nil || f.Valid(px):
				v = f.Compute(px)
			case f.Fallback != nil:
				v = f.Fallback(px)
				invalid++
			default:
				v = nodata
				invalid++
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = nodata
			}
			out[x] = v
		}

		if err := w.WriteRow(out); err != nil {
			return abort(err)
		}
	}

	if err := w.Close(); err != nil {
		os.Remove(output)
		return "", err
	}

	logger.Debug("raster evaluated",
		"expr", f.Expr,
		"output", output,
		"width", width,
		"height", height,
		"nodata_pixels", masked,
		"invalid_pixels", invalid,
		"duration", time.Since(start),
	)
	return output, nil
}
