// Package stats computes band statistics over rasters too large to load,
// streaming them one row at a time.
package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrSingularSystem is returned when the normal equations of a fit have no
	// unique solution, e.g. when every x sample is the same.
	ErrSingularSystem = errors.New("stats: singular regression system")
	// ErrLengthMismatch is returned when x and y chunks differ in length.
	ErrLengthMismatch = errors.New("stats: x and y lengths differ")
)

// Coefficients of the line y = Intercept + Slope*x.
type Coefficients struct {
	Intercept float64 `json:"intercept" yaml:"intercept"`
	Slope     float64 `json:"slope" yaml:"slope"`
}

// singularTolerance bounds the relative spread of x below which a fit is
// singular: Σ(x-x̄)² <= singularTolerance·n·x̄².
const singularTolerance = 1e-12

// Regressor accumulates the sufficient statistics of an ordinary least
// squares fit of y on x over any number of chunks.
//
// Statistics are centred (means, Σ(x-x̄)² and Σ(x-x̄)(y-ȳ)) and merged per
// chunk, so constant x stays singular whatever the sample count.
// Accumulating after Finalize is allowed and only changes what the next
// Finalize returns.
type Regressor struct {
	meanX, meanY float64
	m2X, cXY     float64
	n            int
}

// Accumulate adds the pairs (x[i], y[i]). Chunk order does not matter beyond
// floating point summation order.
func (r *Regressor) Accumulate(x, y []float64) error {
	if len(x) != len(y) {
		return fmt.Errorf("%w: %d and %d", ErrLengthMismatch, len(x), len(y))
	}
	if len(x) == 0 {
		return nil
	}

	nb := float64(len(x))
	meanX, varX := stat.MeanVariance(x, nil)
	meanY := stat.Mean(y, nil)
	var m2X, cXY float64
	if len(x) > 1 {
		m2X = varX * (nb - 1)
		cXY = stat.Covariance(x, y, nil) * (nb - 1)
	}

	if r.n == 0 {
		*r = Regressor{meanX: meanX, meanY: meanY, m2X: m2X, cXY: cXY, n: len(x)}
		return nil
	}
	na := float64(r.n)
	n := na + nb
	dx, dy := meanX-r.meanX, meanY-r.meanY
	r.m2X += m2X + dx*dx*na*nb/n
	r.cXY += cXY + dx*dy*na*nb/n
	r.meanX += dx * nb / n
	r.meanY += dy * nb / n
	r.n += len(x)
	return nil
}

// Count is the number of pairs accumulated so far.
func (r *Regressor) Count() int { return r.n }

// Reset empties the accumulator.
func (r *Regressor) Reset() { *r = Regressor{} }

// Finalize returns slope = Σ(x-x̄)(y-ȳ) / Σ(x-x̄)² and intercept = ȳ - slope·x̄.
// It is a pure function of the accumulated state.
func (r *Regressor) Finalize() (Coefficients, error) {
	if r.n < 2 {
		return Coefficients{}, fmt.Errorf("%w: %d samples", ErrSingularSystem, r.n)
	}
	n := float64(r.n)
	if !(r.m2X > singularTolerance*n*r.meanX*r.meanX) {
		return Coefficients{}, fmt.Errorf("%w: x spread %g over %d samples", ErrSingularSystem, r.m2X, r.n)
	}

	slope := r.cXY / r.m2X
	c := Coefficients{Slope: slope, Intercept: r.meanY - slope*r.meanX}
	if math.IsNaN(c.Slope) || math.IsInf(c.Slope, 0) || math.IsNaN(c.Intercept) || math.IsInf(c.Intercept, 0) {
		return Coefficients{}, fmt.Errorf("%w: non-finite solution", ErrSingularSystem)
	}
	return c, nil
}
