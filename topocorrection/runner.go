package topocorrection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/akhenakh/topocorrect/geotiff"
	"github.com/akhenakh/topocorrect/rastercalc"
)

var ErrInvalidJob = errors.New("topocorrection: invalid job")

// Job describes one correction run. Illumination may be left empty when both
// Slope and Aspect are given; it is then computed from them.
type Job struct {
	ID           string   `json:"id,omitempty" yaml:"id,omitempty"`
	Input        string   `json:"input" yaml:"input"`
	Illumination string   `json:"illumination,omitempty" yaml:"illumination,omitempty"`
	Slope        string   `json:"slope,omitempty" yaml:"slope,omitempty"`
	Aspect       string   `json:"aspect,omitempty" yaml:"aspect,omitempty"`
	Output       string   `json:"output" yaml:"output"`
	Algorithm    string   `json:"algorithm" yaml:"algorithm"`
	SolarZenith  float64  `json:"solar_zenith" yaml:"solar_zenith"`
	SolarAzimuth float64  `json:"solar_azimuth" yaml:"solar_azimuth"`
	NoData       *float64 `json:"nodata,omitempty" yaml:"nodata,omitempty"`
}

// Validate checks the job fields that do not need any I/O.
func (j Job) Validate() error {
	switch {
	case j.Input == "":
		return fmt.Errorf("%w: input is required", ErrInvalidJob)
	case j.Output == "":
		return fmt.Errorf("%w: output is required", ErrInvalidJob)
	case j.Algorithm == "":
		return fmt.Errorf("%w: algorithm is required", ErrInvalidJob)
	case j.Illumination == "" && (j.Slope == "" || j.Aspect == ""):
		return fmt.Errorf("%w: illumination or both slope and aspect are required", ErrInvalidJob)
	case j.ID != "" && (strings.ContainsAny(j.ID, `/\`) || j.ID == "." || j.ID == ".."):
		return fmt.Errorf("%w: id %q", ErrInvalidJob, j.ID)
	case j.SolarZenith < 0 || j.SolarZenith > 90:
		return fmt.Errorf("%w: solar zenith %g not in [0, 90]", ErrInvalidJob, j.SolarZenith)
	}
	return nil
}

// Report describes a finished run.
type Report struct {
	ID        string        `json:"id" yaml:"id"`
	Algorithm string        `json:"algorithm" yaml:"algorithm"`
	Output    string        `json:"output,omitempty" yaml:"output,omitempty"`
	Bands     int           `json:"bands" yaml:"bands"`
	Canceled  bool          `json:"canceled" yaml:"canceled"`
	Duration  time.Duration `json:"duration_ns" yaml:"duration"`
}

// Runner turns jobs into corrected rasters. Jobs share nothing but the
// Runner configuration and may run concurrently.
type Runner struct {
	Registry *Registry
	Opener   geotiff.Opener
	// WorkDir is the parent of per job working directories, os.TempDir()
	// when empty.
	WorkDir string
	// NoData is used for jobs that do not set their own.
	NoData      float64
	Compression uint16
	Logger      *slog.Logger
	Metrics     *Metrics
}

// Run executes job. A canceled run returns a Report with Canceled set and a
// nil error.
func (r *Runner) Run(ctx context.Context, job Job) (Report, error) {
	start := time.Now()
	if err := job.Validate(); err != nil {
		return Report{}, err
	}
	registry := r.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	alg, err := registry.Get(job.Algorithm)
	if err != nil {
		return Report{}, err
	}

	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job", id)
	report := Report{ID: id, Algorithm: alg.Name()}

	base := r.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return Report{}, fmt.Errorf("failed to create work dir: %w", err)
	}
	// ids come from clients and may repeat, the directory must not
	workDir, err := os.MkdirTemp(base, "topocorrect-"+id+"-")
	if err != nil {
		return Report{}, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	nodata := r.NoData
	if job.NoData != nil {
		nodata = *job.NoData
	}
	calc := &rastercalc.Calculator{
		Opener:      r.Opener,
		Logger:      logger,
		Compression: r.Compression,
		RowsRead:    r.Metrics.rowsCounter(),
	}

	canceled := func() (Report, error) {
		logger.Info("job canceled")
		report.Canceled = true
		report.Duration = time.Since(start)
		return report, nil
	}
	if ctx.Err() != nil {
		return canceled()
	}

	illumination := job.Illumination
	if illumination == "" {
		logger.Info("computing illumination", "slope", job.Slope, "aspect", job.Aspect)
		illumination, err = Illumination(ctx, calc, job.Slope, job.Aspect,
			job.SolarZenith, job.SolarAzimuth, filepath.Join(workDir, "illumination.tif"))
		if err != nil {
			return Report{}, fmt.Errorf("illumination: %w", err)
		}
		if ctx.Err() != nil {
			return canceled()
		}
	}

	tc, err := NewContext(ctx, Context{
		Input:        job.Input,
		Illumination: illumination,
		Slope:        job.Slope,
		Aspect:       job.Aspect,
		SolarZenith:  job.SolarZenith,
		SolarAzimuth: job.SolarAzimuth,
		NoData:       nodata,
		WorkDir:      workDir,
		Opener:       r.Opener,
		Calc:         calc,
		Logger:       logger,
		Metrics:      r.Metrics,
	})
	if err != nil {
		return Report{}, err
	}

	logger.Info("correction started", "algorithm", alg.Name(), "input", job.Input, "bands", tc.BandCount)
	res, err := Process(ctx, alg, tc, job.Output)
	if err != nil {
		return Report{}, err
	}
	if res.Canceled {
		return canceled()
	}
	report.Output = res.Output
	report.Bands = res.Bands
	report.Duration = time.Since(start)
	return report, nil
}
