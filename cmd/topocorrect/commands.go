package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/akhenakh/topocorrect/geotiff"
	"github.com/akhenakh/topocorrect/logging"
	"github.com/akhenakh/topocorrect/rastercalc"
	"github.com/akhenakh/topocorrect/stats"
	"github.com/akhenakh/topocorrect/topocorrection"
)

const appName = "topocorrect"

type globalFlags struct {
	logLevel   string
	cacheSize  int64
	cachePrune uint32
	compress   bool
}

func (g *globalFlags) logger(cmd *cobra.Command) *slog.Logger {
	return logging.NewWithWriter(cmd.ErrOrStderr(), g.logLevel, appName)
}

func (g *globalFlags) opener(logger *slog.Logger) geotiff.Opener {
	return geotiff.Opener{CacheSize: g.cacheSize, ItemsToPrune: g.cachePrune, Logger: logger}
}

func (g *globalFlags) compression() uint16 {
	if g.compress {
		return geotiff.DEFLATE
	}
	return geotiff.Uncompressed
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "topographic correction of multi-band rasters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "WARN", "log level: DEBUG, INFO, WARN or ERROR")
	root.PersistentFlags().Int64Var(&g.cacheSize, "cache.size", 0, "decoded block budget per raster in bytes, 0 for two rows of blocks")
	root.PersistentFlags().Uint32Var(&g.cachePrune, "cache.prune", geotiff.DefaultItemsToPrune, "blocks dropped when the cache is full")
	root.PersistentFlags().BoolVar(&g.compress, "compress", true, "DEFLATE compress written rasters")

	root.AddCommand(
		newRunCommand(g),
		newAlgorithmsCommand(),
		newMeansCommand(g),
		newRegressCommand(g),
		newIlluminationCommand(g),
		newInfoCommand(g),
	)
	return root
}

func newRunCommand(g *globalFlags) *cobra.Command {
	var (
		job     topocorrection.Job
		jobFile string
		workDir string
		nodata  float64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "correct every band of a raster",
		Long: "Correct every band of a raster. Parameters come from flags or from a YAML job file;\n" +
			"flags given explicitly override the file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile != "" {
				fromFile, err := readJob(jobFile)
				if err != nil {
					return err
				}
				job = mergeJob(cmd, fromFile, job)
			}
			if cmd.Flags().Changed("nodata") {
				job.NoData = &nodata
			}

			logger := g.logger(cmd)
			runner := &topocorrection.Runner{
				Registry:    topocorrection.DefaultRegistry(),
				Opener:      g.opener(logger),
				WorkDir:     workDir,
				NoData:      topocorrection.DefaultNoData,
				Compression: g.compression(),
				Logger:      logger,
			}
			report, err := runner.Run(cmd.Context(), job)
			if err != nil {
				return err
			}
			if report.Canceled {
				return fmt.Errorf("run %s canceled", report.ID)
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(report)
		},
	}
	f := cmd.Flags()
	f.StringVar(&jobFile, "job", "", "YAML job file")
	f.StringVarP(&job.Input, "input", "i", "", "raster to correct")
	f.StringVar(&job.Illumination, "illumination", "", "illumination raster, computed from --slope and --aspect when empty")
	f.StringVar(&job.Slope, "slope", "", "slope raster in degrees")
	f.StringVar(&job.Aspect, "aspect", "", "aspect raster in degrees")
	f.StringVarP(&job.Output, "out", "o", "", "corrected raster")
	f.StringVarP(&job.Algorithm, "algorithm", "a", "", "correction method, see the algorithms command")
	f.Float64Var(&job.SolarZenith, "sza", 0, "solar zenith angle in degrees")
	f.Float64Var(&job.SolarAzimuth, "azimuth", 0, "solar azimuth in degrees")
	f.Float64Var(&nodata, "nodata", topocorrection.DefaultNoData, "NoData value of the corrected raster")
	f.StringVar(&workDir, "tmp", "", "directory for intermediate files")
	return cmd
}

func readJob(path string) (topocorrection.Job, error) {
	var job topocorrection.Job
	data, err := os.ReadFile(path)
	if err != nil {
		return job, fmt.Errorf("read job file: %w", err)
	}
	if err := yaml.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("parse job file %s: %w", path, err)
	}
	return job, nil
}

// mergeJob returns base with the fields whose flags were set on cmd taken
// from flags.
func mergeJob(cmd *cobra.Command, base, flags topocorrection.Job) topocorrection.Job {
	set := cmd.Flags().Changed
	if set("input") {
		base.Input = flags.Input
	}
	if set("illumination") {
		base.Illumination = flags.Illumination
	}
	if set("slope") {
		base.Slope = flags.Slope
	}
	if set("aspect") {
		base.Aspect = flags.Aspect
	}
	if set("out") {
		base.Output = flags.Output
	}
	if set("algorithm") {
		base.Algorithm = flags.Algorithm
	}
	if set("sza") {
		base.SolarZenith = flags.SolarZenith
	}
	if set("azimuth") {
		base.SolarAzimuth = flags.SolarAzimuth
	}
	return base
}

func newAlgorithmsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "algorithms",
		Short: "list the correction methods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTITLE")
			for _, a := range topocorrection.DefaultRegistry().Algorithms() {
				fmt.Fprintf(tw, "%s\t%s\n", a.Name(), a.Title())
			}
			return tw.Flush()
		},
	}
}

func newMeansCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "means SRC",
		Short: "print the mean of every band",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := g.logger(cmd)
			means, err := stats.BandMeansFromSource(cmd.Context(), g.opener(logger), args[0])
			if err != nil {
				return err
			}
			for i, m := range means {
				fmt.Fprintf(cmd.OutOrStdout(), "band %d: %g\n", i+1, m)
			}
			return nil
		},
	}
}

func newRegressCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "regress X Y",
		Short: "fit every band of Y against band 1 of X",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opener := g.opener(g.logger(cmd))
			x, err := opener.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer x.Close()
			y, err := opener.Open(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			defer y.Close()

			coeffs, err := stats.RasterRegression(x, y)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BAND\tINTERCEPT\tSLOPE")
			for i, c := range coeffs {
				fmt.Fprintf(tw, "%d\t%g\t%g\n", i+1, c.Intercept, c.Slope)
			}
			return tw.Flush()
		},
	}
}

func newIlluminationCommand(g *globalFlags) *cobra.Command {
	var slope, aspect, output string
	var sza, azimuth float64
	cmd := &cobra.Command{
		Use:   "illumination",
		Short: "compute an illumination raster from slope and aspect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := g.logger(cmd)
			calc := &rastercalc.Calculator{Opener: g.opener(logger), Logger: logger, Compression: g.compression()}
			out, err := topocorrection.Illumination(cmd.Context(), calc, slope, aspect, sza, azimuth, output)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&slope, "slope", "", "slope raster in degrees")
	f.StringVar(&aspect, "aspect", "", "aspect raster in degrees")
	f.StringVarP(&output, "out", "o", "illumination.tif", "output raster")
	f.Float64Var(&sza, "sza", 0, "solar zenith angle in degrees")
	f.Float64Var(&azimuth, "azimuth", 0, "solar azimuth in degrees")
	cmd.MarkFlagRequired("slope")
	cmd.MarkFlagRequired("aspect")
	return cmd
}

type rasterInfo struct {
	Width    int                        `yaml:"width"`
	Height   int                        `yaml:"height"`
	Bands    int                        `yaml:"bands"`
	DataType string                     `yaml:"data_type"`
	NoData   *float64                   `yaml:"nodata,omitempty"`
	Bounds   *geotiff.CornerCoordinates `yaml:"bounds,omitempty"`
}

func newInfoCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info SRC",
		Short: "print the size, bands, NoData and corners of a raster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := g.logger(cmd)
			ds, err := g.opener(logger).Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer ds.Close()

			info := rasterInfo{Width: ds.Width(), Height: ds.Height(), Bands: ds.BandCount(), DataType: ds.DataType()}
			if v, ok := ds.NoData(); ok {
				info.NoData = &v
			}
			if !ds.Georef().IsZero() {
				bounds, err := ds.Bounds()
				if err != nil {
					logger.Warn("cannot compute bounds", "source", args[0], "error", err)
				} else {
					info.Bounds = bounds
				}
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(info)
		},
	}
}
