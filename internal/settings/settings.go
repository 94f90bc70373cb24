// Package settings loads and validates run settings: test filters,
// parallelism, and diagnostic switches. Settings are read from a YAML file
// and can be overridden by CLI flags; the front end only shapes them into
// find/run requests, the worker interprets them.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/outpost-run/outpost/internal/protocol"
)

// Parallelism modes accepted by workers.
const (
	ParallelismNone        = "none"
	ParallelismCollections = "collections"
	ParallelismAssemblies  = "assemblies"
	ParallelismAll         = "all"
)

// MaxThreadsUnlimited is the sentinel for no thread cap.
const MaxThreadsUnlimited = "unlimited"

// RunSettings is the full set of recognized options.
type RunSettings struct {
	Filters Filters `yaml:"filters"`

	// Parallelism: none, collections, assemblies, or all.
	Parallelism string `yaml:"parallelism"`

	// MaxParallelThreads is a fixed count ("8"), "unlimited", or a
	// processor-count multiplier ("0.5x", "2x").
	MaxParallelThreads string `yaml:"max_parallel_threads"`

	PreEnumerateTheories bool   `yaml:"pre_enumerate_theories"`
	Culture              string `yaml:"culture"`
	Diagnostics          bool   `yaml:"diagnostics"`
	InternalDiagnostics  bool   `yaml:"internal_diagnostics"`
	StopOnFail           bool   `yaml:"stop_on_fail"`
}

// Filters narrows discovery and execution.
type Filters struct {
	IncludeClasses    []string            `yaml:"include_classes"`
	ExcludeClasses    []string            `yaml:"exclude_classes"`
	IncludeMethods    []string            `yaml:"include_methods"`
	ExcludeMethods    []string            `yaml:"exclude_methods"`
	IncludeNamespaces []string            `yaml:"include_namespaces"`
	ExcludeNamespaces []string            `yaml:"exclude_namespaces"`
	IncludeTraits     map[string][]string `yaml:"include_traits"`
	ExcludeTraits     map[string][]string `yaml:"exclude_traits"`
}

// Default returns the settings used when no file or flags are given.
func Default() *RunSettings {
	s := &RunSettings{}
	s.ApplyDefaults()
	return s
}

// Load reads settings from a YAML file. A missing file yields defaults.
func Load(path string) (*RunSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading settings %s: %w", path, err)
	}

	s := &RunSettings{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	s.ApplyDefaults()
	return s, nil
}

// ApplyDefaults fills unset fields.
func (s *RunSettings) ApplyDefaults() {
	if s.Parallelism == "" {
		s.Parallelism = ParallelismCollections
	}
	if s.MaxParallelThreads == "" {
		s.MaxParallelThreads = strconv.Itoa(runtime.NumCPU())
	}
}

// Validate checks field values. It applies defaults first.
func (s *RunSettings) Validate() error {
	s.ApplyDefaults()

	switch s.Parallelism {
	case ParallelismNone, ParallelismCollections, ParallelismAssemblies, ParallelismAll:
	default:
		return fmt.Errorf("parallelism %q is not supported (supported: none, collections, assemblies, all)", s.Parallelism)
	}

	if _, err := s.ResolveMaxThreads(runtime.NumCPU()); err != nil {
		return err
	}
	return nil
}

// ResolveMaxThreads converts the MaxParallelThreads setting into a concrete
// thread count for numCPU processors. Unlimited resolves to -1.
func (s *RunSettings) ResolveMaxThreads(numCPU int) (int, error) {
	v := strings.TrimSpace(strings.ToLower(s.MaxParallelThreads))
	switch {
	case v == "" || v == MaxThreadsUnlimited:
		return -1, nil
	case strings.HasSuffix(v, "x"):
		mult, err := strconv.ParseFloat(strings.TrimSuffix(v, "x"), 64)
		if err != nil || mult <= 0 {
			return 0, fmt.Errorf("max_parallel_threads multiplier %q is invalid", s.MaxParallelThreads)
		}
		n := int(mult * float64(numCPU))
		if n < 1 {
			n = 1
		}
		return n, nil
	default:
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("max_parallel_threads %q is invalid (count, %q, or multiplier like \"2x\")", s.MaxParallelThreads, MaxThreadsUnlimited)
		}
		return n, nil
	}
}

// FindRequest shapes the settings into a discovery request payload.
func (s *RunSettings) FindRequest() protocol.FindRequest {
	return protocol.FindRequest{
		Filters:              s.wireFilters(),
		PreEnumerateTheories: s.PreEnumerateTheories,
		Culture:              s.Culture,
		Diagnostics:          s.Diagnostics,
		InternalDiagnostics:  s.InternalDiagnostics,
	}
}

// RunRequest shapes the settings into an execution request payload.
func (s *RunSettings) RunRequest() (protocol.RunRequest, error) {
	threads, err := s.ResolveMaxThreads(runtime.NumCPU())
	if err != nil {
		return protocol.RunRequest{}, err
	}
	return protocol.RunRequest{
		Filters:              s.wireFilters(),
		Parallelism:          s.Parallelism,
		MaxParallelThreads:   threads,
		PreEnumerateTheories: s.PreEnumerateTheories,
		Culture:              s.Culture,
		Diagnostics:          s.Diagnostics,
		InternalDiagnostics:  s.InternalDiagnostics,
		StopOnFail:           s.StopOnFail,
	}, nil
}

func (s *RunSettings) wireFilters() protocol.Filters {
	return protocol.Filters{
		IncludeClasses:    s.Filters.IncludeClasses,
		ExcludeClasses:    s.Filters.ExcludeClasses,
		IncludeMethods:    s.Filters.IncludeMethods,
		ExcludeMethods:    s.Filters.ExcludeMethods,
		IncludeNamespaces: s.Filters.IncludeNamespaces,
		ExcludeNamespaces: s.Filters.ExcludeNamespaces,
		IncludeTraits:     s.Filters.IncludeTraits,
		ExcludeTraits:     s.Filters.ExcludeTraits,
	}
}
