package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/akhenakh/topocorrect/stats"
	"github.com/akhenakh/topocorrect/topocorrection"
)

var errUnsafePath = errors.New("path must be relative to the data directory")

// remoteSchemes may be read from but never written to.
var remoteSchemes = []string{"http://", "https://", "s3://", "gs://", "azblob://"}

// API serves correction jobs over HTTP. At most jobs-weight runs execute at
// once; further requests wait for a slot or for their client to go away.
//
// Local paths in requests are resolved under dataDir and may not leave it.
type API struct {
	runner  *topocorrection.Runner
	jobs    *semaphore.Weighted
	dataDir string
	logger  *slog.Logger
}

type algorithmInfo struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

type meansResponse struct {
	Source string    `json:"source"`
	Means  []float64 `json:"means"`
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/corrections", a.correctionHandler)
	mux.HandleFunc("GET /v1/algorithms", a.algorithmsHandler)
	mux.HandleFunc("GET /v1/means", a.meansHandler)
	return mux
}

func (a *API) correctionHandler(w http.ResponseWriter, r *http.Request) {
	var job topocorrection.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := job.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	output := job.Output
	job, err := a.resolveJob(job)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.jobs.Acquire(r.Context(), 1); err != nil {
		http.Error(w, "Request canceled while waiting for a job slot", http.StatusServiceUnavailable)
		return
	}
	defer a.jobs.Release(1)

	report, err := a.runner.Run(r.Context(), job)
	if err != nil {
		a.logger.Error("correction failed", "algorithm", job.Algorithm, "input", job.Input, "error", err)
		http.Error(w, fmt.Sprintf("Correction failed: %v", err), statusFor(err))
		return
	}
	if report.Output != "" {
		report.Output = output
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) algorithmsHandler(w http.ResponseWriter, r *http.Request) {
	algs := a.runner.Registry.Algorithms()
	out := make([]algorithmInfo, len(algs))
	for i, alg := range algs {
		out[i] = algorithmInfo{Name: alg.Name(), Title: alg.Title()}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) meansHandler(w http.ResponseWriter, r *http.Request) {
	src := r.URL.Query().Get("src")
	if src == "" {
		http.Error(w, "Missing src parameter", http.StatusBadRequest)
		return
	}
	path, err := a.source(src)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	means, err := stats.BandMeansFromSource(r.Context(), a.runner.Opener, path)
	if err != nil {
		http.Error(w, fmt.Sprintf("Could not compute band means: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meansResponse{Source: src, Means: means})
}

// resolveJob maps the rasters of job into the data directory. The output
// must be local.
func (a *API) resolveJob(job topocorrection.Job) (topocorrection.Job, error) {
	var err error
	if job.Output, err = a.localPath(job.Output); err != nil {
		return job, fmt.Errorf("output: %w", err)
	}
	for name, p := range map[string]*string{
		"input":        &job.Input,
		"illumination": &job.Illumination,
		"slope":        &job.Slope,
		"aspect":       &job.Aspect,
	} {
		if *p == "" {
			continue
		}
		if *p, err = a.source(*p); err != nil {
			return job, fmt.Errorf("%s: %w", name, err)
		}
	}
	return job, nil
}

// source accepts remote URLs as they are and resolves anything else as a
// local path.
func (a *API) source(src string) (string, error) {
	for _, s := range remoteSchemes {
		if strings.HasPrefix(src, s) {
			return src, nil
		}
	}
	return a.localPath(src)
}

func (a *API) localPath(p string) (string, error) {
	if strings.Contains(p, "://") || !filepath.IsLocal(p) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, p)
	}
	return filepath.Join(a.dataDir, p), nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, topocorrection.ErrInvalidJob), errors.Is(err, topocorrection.ErrInvalidContext):
		return http.StatusBadRequest
	case errors.Is(err, topocorrection.ErrUnknownAlgorithm):
		return http.StatusNotFound
	case errors.Is(err, stats.ErrSingularSystem), errors.Is(err, topocorrection.ErrZeroSlope),
		errors.Is(err, topocorrection.ErrZeroMean):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
