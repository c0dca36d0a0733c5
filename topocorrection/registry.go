package topocorrection

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownAlgorithm   = errors.New("topocorrection: unknown algorithm")
	ErrDuplicateAlgorithm = errors.New("topocorrection: duplicate algorithm")
)

// Registry maps names and titles to algorithms. It is not modified after
// NewRegistry and is safe for concurrent use.
type Registry struct {
	byKey map[string]Algorithm
	algs  []Algorithm
}

// NewRegistry indexes algs by name and by title, case-insensitively.
func NewRegistry(algs ...Algorithm) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Algorithm, 2*len(algs))}
	for _, a := range algs {
		keys := map[string]bool{strings.ToLower(a.Name()): true, strings.ToLower(a.Title()): true}
		for k := range keys {
			if prev, ok := r.byKey[k]; ok {
				return nil, fmt.Errorf("%w: %q used by %s and %s", ErrDuplicateAlgorithm, k, prev.Name(), a.Name())
			}
		}
		for k := range keys {
			r.byKey[k] = a
		}
		r.algs = append(r.algs, a)
	}
	sort.Slice(r.algs, func(i, j int) bool { return r.algs[i].Name() < r.algs[j].Name() })
	return r, nil
}

// DefaultRegistry holds every built-in correction method.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(CosineC{}, CCorrection{}, TeilletRegression{}, SCS{}, CosineT{})
	if err != nil {
		panic(err)
	}
	return r
}

// Get finds an algorithm by name or title.
func (r *Registry) Get(name string) (Algorithm, error) {
	a, ok := r.byKey[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return a, nil
}

// Algorithms returns the registered algorithms sorted by name.
func (r *Registry) Algorithms() []Algorithm {
	return append([]Algorithm(nil), r.algs...)
}
