package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// ManifestPattern selects loadable units inside a function directory.
const ManifestPattern = "**/*.{yaml,yml,hcl}"

// ReservedPrefix marks names that are never registered.
const ReservedPrefix = "_"

// Registry maps service names to Functions.
//
// It is populated once at startup by Load or Seed and is read-only during
// steady state; the lock only matters while loading.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Function
}

func New() *Registry {
	return &Registry{fns: make(map[string]Function)}
}

// Register inserts fn under its name. A colliding name is replaced (last
// write wins) and replaced reports whether that happened. Reserved names are
// rejected.
func (r *Registry) Register(fn Function) (replaced bool, err error) {
	name := strings.TrimSpace(fn.Name())
	if name == "" {
		return false, fmt.Errorf("function name is required")
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return false, fmt.Errorf("function name %q uses reserved prefix %q", name, ReservedPrefix)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced = r.fns[name]
	r.fns[name] = fn
	return replaced, nil
}

// Resolve returns the function registered as name.
func (r *Registry) Resolve(name string) (Function, error) {
	r.mu.RLock()
	fn, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrFunctionNotFound)
	}
	return fn, nil
}

// Names returns the sorted registered names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fns)
}

// LoadReport describes the outcome of a directory scan.
type LoadReport struct {
	Units       []LoadedUnit  `json:"units"`
	Failures    []UnitFailure `json:"failures,omitempty"`
	Replaced    []string      `json:"replaced,omitempty"`
	Reserved    []string      `json:"reserved,omitempty"`
	SkippedDirs []string      `json:"skipped_dirs,omitempty"`
}

// LoadedUnit is a manifest that loaded successfully.
type LoadedUnit struct {
	Path      string   `json:"path"`
	Functions []string `json:"functions"`
}

// UnitFailure is a manifest that was skipped.
type UnitFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Seed registers every catalog capability that has a default name.
func (r *Registry) Seed(catalog *Catalog) error {
	for _, id := range catalog.IDs() {
		capability, _ := catalog.Lookup(id)
		if capability.DefaultName == "" {
			continue
		}
		fn, err := catalog.Build(id, capability.DefaultName, nil)
		if err != nil {
			return err
		}
		if _, err := r.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

// Load scans dirs in order and registers the functions their manifests
// declare. Within a directory, units are processed in lexical path order.
//
// A unit that fails to parse or references an unknown capability is skipped
// as a whole and recorded in the report; the scan continues. Directories that
// do not exist are logged and skipped.
func (r *Registry) Load(ctx context.Context, catalog *Catalog, dirs []string, logger *zap.Logger) (*LoadReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	report := &LoadReport{}

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		dir = strings.TrimSpace(dir)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			logger.Warn("Invalid function directory", zap.String("dir", dir))
			report.SkippedDirs = append(report.SkippedDirs, dir)
			continue
		}

		logger.Info("Scanning function directory", zap.String("dir", dir))
		matches, err := doublestar.Glob(os.DirFS(dir), ManifestPattern)
		if err != nil {
			return report, fmt.Errorf("scan %s: %w", dir, err)
		}
		sort.Strings(matches)

		for _, rel := range matches {
			path := filepath.Join(dir, filepath.FromSlash(rel))
			r.loadUnit(catalog, path, report, logger)
		}
	}

	return report, nil
}

func (r *Registry) loadUnit(catalog *Catalog, path string, report *LoadReport, logger *zap.Logger) {
	fail := func(err error) {
		logger.Warn("Error loading unit", zap.String("path", path), zap.Error(err))
		report.Failures = append(report.Failures, UnitFailure{Path: path, Error: err.Error()})
	}

	m, err := LoadManifest(path)
	if err != nil {
		fail(err)
		return
	}

	// Build every entry before registering any, so a broken unit leaves no
	// partial state behind.
	fns := make([]Function, 0, len(m.Functions))
	for _, e := range m.Functions {
		name := strings.TrimSpace(e.Name)
		if strings.HasPrefix(name, ReservedPrefix) {
			report.Reserved = append(report.Reserved, name)
			continue
		}
		fn, err := catalog.Build(e.Capability, name, e.Config)
		if err != nil {
			fail(err)
			return
		}
		if e.Description != "" {
			fn = withDescription(fn, e.Description)
		}
		fns = append(fns, fn)
	}

	unit := LoadedUnit{Path: path, Functions: make([]string, 0, len(fns))}
	for _, fn := range fns {
		replaced, err := r.Register(fn)
		if err != nil {
			fail(err)
			return
		}
		if replaced {
			logger.Info("Function replaced by later unit",
				zap.String("function", fn.Name()),
				zap.String("path", path))
			report.Replaced = append(report.Replaced, fn.Name())
		}
		unit.Functions = append(unit.Functions, fn.Name())
	}
	report.Units = append(report.Units, unit)

	logger.Info("Loaded unit",
		zap.String("path", path),
		zap.Strings("functions", unit.Functions))
}

type describedFunction struct {
	Function
	description string
}

func (d describedFunction) Description() string { return d.description }

func withDescription(fn Function, description string) Function {
	return describedFunction{Function: fn, description: description}
}
