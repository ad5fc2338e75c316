package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

// Catalog hands out copies of pipeline definitions.
type Catalog interface {
	// List returns every definition ordered by name.
	List() []pipeline.Definition
	// Get returns an error matching services.ErrNotFound for unknown names.
	Get(name string) (pipeline.Definition, error)
	// Reload re-reads the backing source. A failed reload keeps the previous
	// definitions.
	Reload(ctx context.Context) error
}

type snapshot struct {
	mu   sync.RWMutex
	defs map[string]pipeline.Definition
}

func (s *snapshot) list() []pipeline.Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *snapshot) get(name string) (pipeline.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	if !ok {
		return pipeline.Definition{}, services.Wrap(services.ErrNotFound, "catalog", "get definition", "pipeline "+name+" is not defined", nil)
	}
	return def.Clone(), nil
}

func (s *snapshot) replace(defs map[string]pipeline.Definition) {
	s.mu.Lock()
	s.defs = defs
	s.mu.Unlock()
}

// Static serves a fixed set of definitions.
type Static struct {
	snapshot
}

// NewStatic validates defs and returns a catalog over them.
func NewStatic(defs ...pipeline.Definition) (*Static, error) {
	index, err := index(defs, nil)
	if err != nil {
		return nil, err
	}
	c := &Static{}
	c.replace(index)
	return c, nil
}

func (c *Static) List() []pipeline.Definition                  { return c.list() }
func (c *Static) Get(name string) (pipeline.Definition, error) { return c.get(name) }
func (c *Static) Reload(context.Context) error                 { return nil }

// Dir loads one definition per *.yaml, *.yml or *.json file in a directory.
type Dir struct {
	snapshot
	path   string
	logger *slog.Logger
}

// OpenDir reads every definition file in path.
func OpenDir(ctx context.Context, path string, logger *slog.Logger) (*Dir, error) {
	c := &Dir{path: path, logger: logging.NewComponentLogger(logger, "catalog")}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Dir) List() []pipeline.Definition                  { return c.list() }
func (c *Dir) Get(name string) (pipeline.Definition, error) { return c.get(name) }

// Path returns the definitions directory.
func (c *Dir) Path() string { return c.path }

func (c *Dir) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(c.path)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "catalog", "read definitions", c.path, err)
	}
	var (
		defs    []pipeline.Definition
		sources = make(map[string]string)
		errs    []error
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		file := filepath.Join(c.path, entry.Name())
		def, err := LoadFile(file)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sources[def.Name] = file
		defs = append(defs, def)
	}
	if len(errs) > 0 {
		return services.Wrap(services.ErrValidation, "catalog", "load definitions", c.path, errors.Join(errs...))
	}
	index, err := index(defs, sources)
	if err != nil {
		return err
	}
	c.replace(index)
	c.logger.Debug("definitions loaded",
		logging.String(logging.FieldEventType, "catalog_loaded"),
		logging.String("path", c.path),
		logging.Int("definitions", len(index)),
	)
	return nil
}

// LoadFile parses one definition. The format follows the file extension.
func LoadFile(path string) (pipeline.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Definition{}, fmt.Errorf("read %s: %w", path, err)
	}
	var def pipeline.Definition
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &def); err != nil {
			return pipeline.Definition{}, fmt.Errorf("parse JSON %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return pipeline.Definition{}, fmt.Errorf("parse YAML %s: %w", path, err)
		}
	default:
		return pipeline.Definition{}, fmt.Errorf("unsupported definition format: %s", ext)
	}
	if err := def.Validate(); err != nil {
		return pipeline.Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return !strings.HasPrefix(name, ".")
	default:
		return false
	}
}

func index(defs []pipeline.Definition, sources map[string]string) (map[string]pipeline.Definition, error) {
	out := make(map[string]pipeline.Definition, len(defs))
	var errs []error
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := out[def.Name]; dup {
			msg := "duplicate pipeline " + def.Name
			if src := sources[def.Name]; src != "" {
				msg += " (" + src + ")"
			}
			errs = append(errs, errors.New(msg))
			continue
		}
		out[def.Name] = def.Clone()
	}
	if len(errs) > 0 {
		return nil, services.Wrap(services.ErrValidation, "catalog", "index definitions", "invalid definitions", errors.Join(errs...))
	}
	return out, nil
}
